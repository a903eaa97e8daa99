// Package bot drives the divination conversation: it routes commands, keeps
// each user's session state and hands accepted questions to the relay.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/liuyao-bot/internal/ai"
	"github.com/xaenox/liuyao-bot/internal/models"
	"github.com/xaenox/liuyao-bot/internal/quota"
	"github.com/xaenox/liuyao-bot/internal/relay"
	"github.com/xaenox/liuyao-bot/internal/retry"
	"github.com/xaenox/liuyao-bot/internal/session"
	"github.com/xaenox/liuyao-bot/internal/storage"
	"go.uber.org/zap"
)

type Config struct {
	Env     string
	AgentID string
	// Location is the zone of the quota day and of displayed dates.
	Location *time.Location
	// UpdateTimeout bounds the handling of one update. Zero means unbounded.
	UpdateTimeout time.Duration
	DefaultLimit  int
	Relay         relay.Options
	// Retry applies to command replies and to opening the AI stream.
	Retry retry.Policy
}

type Bot struct {
	messenger Messenger
	store     storage.Storage
	ai        ai.Client
	tracker   *quota.Tracker
	mapper    *session.Mapper
	sessions  *session.Store
	cfg       Config
	logger    *zap.Logger
}

func New(messenger Messenger, store storage.Storage, aiClient ai.Client, cfg Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = quota.Location(8)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.None()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = IsRetryable
	}
	var opts []quota.Option
	if cfg.DefaultLimit > 0 {
		opts = append(opts, quota.WithDefaultLimit(cfg.DefaultLimit))
	}
	return &Bot{
		messenger: messenger,
		store:     store,
		ai:        aiClient,
		tracker:   quota.NewTracker(store, cfg.Env, cfg.Location, logger, opts...),
		mapper:    session.NewMapper(store, cfg.Env),
		sessions:  session.NewStore(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Sessions exposes the in-memory conversation state.
func (b *Bot) Sessions() *session.Store {
	return b.sessions
}

// Process handles update in its own goroutine bounded by UpdateTimeout. On
// timeout the handler's context is cancelled and Process waits for the
// handler to return before reporting the timeout.
func (b *Bot) Process(ctx context.Context, update tgbotapi.Update) error {
	if b.cfg.UpdateTimeout <= 0 {
		return b.HandleUpdate(ctx, update)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.UpdateTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.HandleUpdate(ctx, update)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		handlerErr := <-done
		b.logger.Warn("Update processing abandoned",
			zap.Int("update_id", update.UpdateID),
			zap.Duration("timeout", b.cfg.UpdateTimeout),
			zap.NamedError("handler_error", handlerErr))
		return fmt.Errorf("process update %d: %w", update.UpdateID, ctx.Err())
	}
}

// Poll processes updates one at a time until the channel closes or ctx is done.
func (b *Bot) Poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := b.Process(ctx, update); err != nil {
				b.logger.Error("Failed to process update",
					zap.Error(err),
					zap.Int("update_id", update.UpdateID))
			}
		}
	}
}

// HandleUpdate routes one update. Errors are reported to the user as a
// generic notice before being returned; panics are recovered the same way.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) (err error) {
	message := update.Message
	if message == nil || message.From == nil {
		return nil
	}
	chatID := chatOf(message)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update",
				zap.Any("panic", r),
				zap.Int("update_id", update.UpdateID),
				zap.Int64("chat_id", chatID))
			b.reply(context.WithoutCancel(ctx), chatID, msgSystemError)
			err = fmt.Errorf("panic handling update %d: %v", update.UpdateID, r)
		}
	}()

	if message.IsCommand() {
		return b.handleCommand(ctx, message)
	}
	return b.handleQuestion(ctx, message)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) error {
	switch message.Command() {
	case "start":
		return b.handleStart(ctx, message)
	case "profile":
		return b.handleProfile(ctx, message)
	case "plans":
		return b.handlePlans(ctx, message)
	case "help":
		b.reply(ctx, chatOf(message), msgHelp)
	default:
		b.reply(ctx, chatOf(message), msgUnknown)
	}
	return nil
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) error {
	chatID := chatOf(message)
	conv, _, err := b.refresh(ctx, message.From)
	if err != nil {
		return b.fail(ctx, chatID, "start session", err)
	}

	switch {
	case conv.Processing:
		b.reply(ctx, chatID, msgBusy)
	case conv.DailyCount <= 0:
		b.sessions.Update(message.From.ID, func(c *session.Conversation) { c.AwaitingQuestion = false })
		b.reply(ctx, chatID, msgQuotaExceeded)
	default:
		b.sessions.Update(message.From.ID, func(c *session.Conversation) { c.AwaitingQuestion = true })
		b.reply(ctx, chatID, msgAskQuestion)
	}
	return nil
}

func (b *Bot) handleQuestion(ctx context.Context, message *tgbotapi.Message) error {
	chatID := chatOf(message)
	platformID := message.From.ID

	switch b.sessions.State(platformID) {
	case session.StateAwaitingQuestion:
	case session.StateProcessing:
		b.reply(ctx, chatID, msgBusy)
		return nil
	default:
		b.reply(ctx, chatID, msgStartFirst)
		return nil
	}

	question := strings.TrimSpace(message.Text)
	if question == "" {
		b.reply(ctx, chatID, msgTextOnly)
		return nil
	}

	conv, q, err := b.refresh(ctx, message.From)
	if err != nil {
		return b.fail(ctx, chatID, "refresh quota", err)
	}
	if q.Exhausted() {
		b.sessions.Update(platformID, func(c *session.Conversation) { c.AwaitingQuestion = false })
		b.reply(ctx, chatID, msgQuotaExceeded)
		return nil
	}

	claimed := false
	b.sessions.Update(platformID, func(c *session.Conversation) {
		if c.AwaitingQuestion && !c.Processing {
			c.AwaitingQuestion = false
			c.Processing = true
			claimed = true
		}
	})
	if !claimed {
		b.reply(ctx, chatID, msgBusy)
		return nil
	}
	defer b.sessions.Update(platformID, func(c *session.Conversation) { c.Processing = false })

	project, err := b.mapper.NewProject(ctx, conv.UserID, question)
	if err != nil {
		return b.fail(ctx, chatID, "create project", err)
	}
	logger := b.logger.With(
		zap.Int64("chat_id", chatID),
		zap.String("user_id", conv.UserID),
		zap.String("project_id", project.ProjectID))

	stream, err := b.openStream(ctx, project, question)
	if err != nil {
		return b.fail(ctx, chatID, "open answer stream", err)
	}

	controller := relay.NewController(
		relay.Question{ProjectID: project.ProjectID, Text: question},
		chatReplier{messenger: b.messenger, chatID: chatID},
		b.store,
		b.cfg.Relay,
		logger,
	)
	result, err := controller.Run(ctx, stream)
	if err != nil {
		return fmt.Errorf("relay answer for %s: %w", project.ProjectID, err)
	}
	logger.Info("Question answered",
		zap.Stringer("state", result.State),
		zap.Int("edits", result.Edits),
		zap.Bool("persisted", result.Persisted))
	return nil
}

// openStream opens the AI conversation of project. Attempts are not given a
// timeout because the stream lives on the context it was opened with.
func (b *Bot) openStream(ctx context.Context, project *models.Project, question string) (ai.Stream, error) {
	policy := b.cfg.Retry
	policy.AttemptTimeout = 0
	policy.Retryable = nil

	req := ai.Request{
		AgentID:   b.cfg.AgentID,
		SessionID: session.SessionID(project),
		Question:  question,
	}
	var stream ai.Stream
	err := policy.Do(ctx, func(ctx context.Context) error {
		s, err := b.ai.OpenStream(ctx, req)
		if err != nil {
			b.logger.Warn("Failed to open answer stream", zap.Error(err), zap.String("project_id", project.ProjectID))
			return err
		}
		stream = s
		return nil
	})
	return stream, err
}

func (b *Bot) handleProfile(ctx context.Context, message *tgbotapi.Message) error {
	chatID := chatOf(message)
	_, q, err := b.refresh(ctx, message.From)
	if err != nil {
		return b.fail(ctx, chatID, "load profile", err)
	}
	b.reply(ctx, chatID, b.profileText(displayName(message.From), q))
	return nil
}

func (b *Bot) profileText(userName string, q quota.Quota) string {
	var sb strings.Builder
	tierName := freeTierName
	if q.Tier != nil {
		tierName = q.Tier.Name
	}
	fmt.Fprintf(&sb, "用户：%s\n", userName)
	fmt.Fprintf(&sb, "会员等级：%s\n", tierName)
	if q.Tier != nil && q.Tier.Description != "" {
		fmt.Fprintf(&sb, "会员说明：%s\n", q.Tier.Description)
	}
	if q.Membership != nil {
		fmt.Fprintf(&sb, "会员有效期：%s 至 %s\n",
			q.Membership.StartTime.In(b.cfg.Location).Format(time.DateOnly),
			q.Membership.EndTime.In(b.cfg.Location).Format(time.DateOnly))
	}
	fmt.Fprintf(&sb, "今日剩余次数：%d\n", max(q.Remaining, 0))
	fmt.Fprintf(&sb, "每日限额：%d次", q.DailyLimit)
	return sb.String()
}

func (b *Bot) handlePlans(ctx context.Context, message *tgbotapi.Message) error {
	chatID := chatOf(message)
	tiers, err := b.store.ListTiers(ctx, b.cfg.Env)
	if err != nil {
		return b.fail(ctx, chatID, "list tiers", err)
	}
	if len(tiers) == 0 {
		b.reply(ctx, chatID, msgNoPlans)
		return nil
	}

	var sb strings.Builder
	sb.WriteString("会员方案：")
	for _, t := range tiers {
		fmt.Fprintf(&sb, "\n\n%s：¥%s，每日%d次", t.Name, t.Price.StringFixed(2), t.DailyLimit)
		if t.Description != "" {
			sb.WriteString("\n" + t.Description)
		}
	}
	b.reply(ctx, chatID, sb.String())
	return nil
}

// refresh recomputes the user's quota into their session.
func (b *Bot) refresh(ctx context.Context, from *tgbotapi.User) (session.Conversation, quota.Quota, error) {
	user, err := b.mapper.Identify(ctx, from.ID, displayName(from))
	if err != nil {
		return session.Conversation{}, quota.Quota{}, err
	}
	q := b.tracker.Check(ctx, user.ID)
	conv := b.sessions.Update(from.ID, func(c *session.Conversation) {
		c.UserID = user.ID
		c.DailyLimit = q.DailyLimit
		c.DailyCount = q.Remaining
		c.LastRefreshDate = q.Date
	})
	return conv, q, nil
}

// fail logs err, tells the user something went wrong and returns err wrapped.
func (b *Bot) fail(ctx context.Context, chatID int64, op string, err error) error {
	b.logger.Error("Failed to handle message",
		zap.Error(err),
		zap.String("op", op),
		zap.Int64("chat_id", chatID))
	if ctx.Err() == nil {
		b.reply(ctx, chatID, msgSystemError)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// reply sends a standalone message under the retry policy. Failures are logged.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	err := b.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := b.messenger.SendText(ctx, chatID, text)
		if wait, ok := RetryAfter(err); ok && wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func chatOf(message *tgbotapi.Message) int64 {
	if message.Chat != nil {
		return message.Chat.ID
	}
	return message.From.ID
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.UserName
	}
	return name
}
