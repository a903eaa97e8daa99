package bot

// User-facing replies.
const (
	msgAskQuestion   = "请输入你所求之事："
	msgQuotaExceeded = "今日算卦次数已用完，请明日再来。"
	msgStartFirst    = "请先发送 /start 开始算卦流程。"
	msgSystemError   = "系统出现错误，请稍后重试。"
	msgBusy          = "上一卦正在解析中，请稍候。"
	msgTextOnly      = "请用文字描述你所求之事。"
	msgUnknown       = "未知命令，发送 /help 查看可用命令。"
	msgNoPlans       = "暂无可用的会员方案。"
	freeTierName     = "免费用户"

	msgHelp = `可用命令：
/start - 开始算卦
/profile - 查看会员信息与今日剩余次数
/plans - 查看会员方案
/help - 显示本帮助

发送 /start 后，输入你所求之事即可起卦。每次起卦都是一次独立的解卦。`
)
