package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// maxMessageLength is the platform limit in characters.
	maxMessageLength  = 4096
	truncationSuffix  = "..."
	parseModeMarkdown = tgbotapi.ModeMarkdownV2
)

// Messenger is the outbound side of the chat platform.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendPhoto(ctx context.Context, chatID int64, photoURL string) error
}

type TelegramConfig struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint.
	Endpoint  string
	ParseMode string
	Timeout   time.Duration
	// RateLimit is the number of outbound calls allowed per second.
	RateLimit float64
	Burst     int
}

type TelegramClient struct {
	api       *tgbotapi.BotAPI
	limiter   *rate.Limiter
	parseMode string
	logger    *zap.Logger
}

func NewTelegramClient(cfg TelegramConfig, logger *zap.Logger) (*TelegramClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newTelegramClient(api, cfg, logger), nil
}

func newTelegramClient(api *tgbotapi.BotAPI, cfg TelegramConfig, logger *zap.Logger) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &TelegramClient{
		api:       api,
		limiter:   rate.NewLimiter(limit, burst),
		parseMode: cfg.ParseMode,
		logger:    logger,
	}
}

// API exposes the underlying client for polling and webhook registration.
func (c *TelegramClient) API() *tgbotapi.BotAPI {
	return c.api
}

func (c *TelegramClient) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, c.format(text))
	msg.ParseMode = c.parseMode
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// EditText replaces the text of a sent message. An edit that would not change
// the text counts as success.
func (c *TelegramClient) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, c.format(text))
	edit.ParseMode = c.parseMode
	if _, err := c.api.Request(edit); err != nil {
		if IsMessageNotModified(err) {
			return nil
		}
		return fmt.Errorf("edit message %d in %d: %w", messageID, chatID, err)
	}
	return nil
}

func (c *TelegramClient) SendPhoto(ctx context.Context, chatID int64, photoURL string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))); err != nil {
		return fmt.Errorf("send photo to %d: %w", chatID, err)
	}
	return nil
}

// SetWebhook registers url as the destination for updates.
func (c *TelegramClient) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := c.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	c.logger.Info("Webhook registered", zap.String("url", url))
	return nil
}

// DeleteWebhook removes any registered webhook so that long polling works.
func (c *TelegramClient) DeleteWebhook() error {
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Updates starts long polling. The channel closes after StopUpdates.
func (c *TelegramClient) Updates(timeout int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	return c.api.GetUpdatesChan(u)
}

func (c *TelegramClient) StopUpdates() {
	c.api.StopReceivingUpdates()
}

func (c *TelegramClient) format(text string) string {
	text = sanitizeText(text)
	if c.parseMode == parseModeMarkdown {
		return truncateText(escapeMarkdown(text), escapeMarkdown(truncationSuffix), true)
	}
	return truncateText(text, truncationSuffix, false)
}

// escapeMarkdown escapes the MarkdownV2 special characters. The backslash
// goes first so that the escapes added afterwards stay single.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// sanitizeText drops invalid UTF-8, which can appear at stream chunk boundaries.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateText cuts text to maxMessageLength characters, suffix included.
// With escaped set, a cut never separates a backslash from the character it
// escapes.
func truncateText(text, suffix string, escaped bool) string {
	if utf8.RuneCountInString(text) <= maxMessageLength {
		return text
	}
	runes := []rune(text)
	cut := runes[:maxMessageLength-utf8.RuneCountInString(suffix)]
	if escaped {
		trailing := 0
		for i := len(cut) - 1; i >= 0 && cut[i] == '\\'; i-- {
			trailing++
		}
		if trailing%2 == 1 {
			cut = cut[:len(cut)-1]
		}
	}
	return string(cut) + suffix
}

func apiError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func IsMessageNotModified(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "message is not modified")
}

// RetryAfter returns the flood-control wait of a 429 response.
func RetryAfter(err error) (time.Duration, bool) {
	apiErr, ok := apiError(err)
	if !ok || apiErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	return time.Duration(apiErr.RetryAfter) * time.Second, true
}

// IsRetryable reports whether a platform call may succeed when repeated.
// Rejections other than flood control and server errors are permanent.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	apiErr, ok := apiError(err)
	if !ok {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
}
