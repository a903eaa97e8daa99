// Package relay streams an AI answer into a single chat message.
//
// The controller reads the AI event stream, sorts each delta into image
// markers, status markers and body text, and pushes body text to the user by
// sending one message and then editing it in place whenever enough unshown
// text has accumulated. When the stream completes the remaining text is
// flushed and the transcript is persisted exactly once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/liuyao-bot/internal/ai"
	"github.com/xaenox/liuyao-bot/internal/classifier"
	"github.com/xaenox/liuyao-bot/internal/models"
	"go.uber.org/zap"
)

// ErrAlreadyRun is returned when Run is called on a used controller.
var ErrAlreadyRun = errors.New("relay: controller already ran")

const (
	DefaultFlushThreshold = 30
	DefaultPreamble       = "您所问的事：%s\n\n卦象解析：\n"
	DefaultLineBreakToken = "<br><br>"
	DefaultFailureNotice  = "抱歉，算卦系统暂时遇到问题，请稍后再试。"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "STREAMING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "IDLE"
	}
}

// Replier delivers output to the chat the question came from.
type Replier interface {
	SendText(ctx context.Context, text string) (int, error)
	EditText(ctx context.Context, messageID int, text string) error
	SendPhoto(ctx context.Context, url string) error
	Notify(ctx context.Context, text string) error
}

type TranscriptWriter interface {
	UpdateProjectMessages(ctx context.Context, projectID string, messages []models.TranscriptEntry) error
}

type Options struct {
	// FlushThreshold is the number of unshown characters that triggers an edit.
	FlushThreshold int
	// Preamble is a format string receiving the question.
	Preamble       string
	LineBreakToken string
	StatusPrefix   string
	FailureNotice  string
}

func (o Options) withDefaults() Options {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.Preamble == "" {
		o.Preamble = DefaultPreamble
	}
	if o.LineBreakToken == "" {
		o.LineBreakToken = DefaultLineBreakToken
	}
	if o.StatusPrefix == "" {
		o.StatusPrefix = classifier.DefaultStatusPrefix
	}
	if o.FailureNotice == "" {
		o.FailureNotice = DefaultFailureNotice
	}
	return o
}

// Question identifies the project being answered.
type Question struct {
	ProjectID string
	Text      string
}

type Result struct {
	State        State
	MessageID    int
	Sends        int
	Edits        int
	EditFailures int
	Photos       int
	Notices      int
	Persisted    bool
	Usage        *ai.Usage
	Transcript   []models.TranscriptEntry
}

type Controller struct {
	question   Question
	replier    Replier
	writer     TranscriptWriter
	classifier classifier.Classifier
	opts       Options
	logger     *zap.Logger

	state      State
	ran        bool
	finalized  bool
	hasMessage bool
	messageID  int
	// contentBuf holds body text not yet shown, textBuf everything shown.
	contentBuf string
	textBuf    string
	answer     strings.Builder
	transcript []models.TranscriptEntry
	result     Result
}

func NewController(q Question, replier Replier, writer TranscriptWriter, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Controller{
		question:   q,
		replier:    replier,
		writer:     writer,
		classifier: classifier.NewMarkerClassifier(opts.StatusPrefix),
		opts:       opts,
		logger:     logger.With(zap.String("project_id", q.ProjectID)),
		transcript: []models.TranscriptEntry{{Role: models.RoleUser, Content: q.Text}},
	}
}

func (c *Controller) State() State {
	return c.state
}

// Run consumes stream until it completes or fails and closes it.
func (c *Controller) Run(ctx context.Context, stream ai.Stream) (Result, error) {
	if c.ran {
		return c.snapshot(), ErrAlreadyRun
	}
	c.ran = true
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.fail(ctx, fmt.Errorf("receive stream event: %w", err))
		}
		if c.state == StateIdle {
			c.state = StateStreaming
		}
		if ev.Kind == ai.EventCompleted {
			c.recordUsage(ev.Usage)
			break
		}
		if err := c.handleDelta(ctx, ev.Content); err != nil {
			return c.fail(ctx, err)
		}
	}

	if err := c.Finalize(ctx); err != nil {
		return c.snapshot(), err
	}
	return c.snapshot(), nil
}

func (c *Controller) handleDelta(ctx context.Context, content string) error {
	if content == "" {
		return nil
	}
	delta := c.classifier.Classify(content)
	switch delta.Kind {
	case classifier.Image:
		c.result.Photos++
		markers.WithLabelValues("image").Inc()
		if err := c.replier.SendPhoto(ctx, delta.ImageURL); err != nil {
			c.logger.Warn("Failed to send image", zap.Error(err), zap.String("url", delta.ImageURL))
		}
		c.transcript = append(c.transcript, models.TranscriptEntry{Role: models.RoleAssistant, Content: delta.Text})
	case classifier.Status:
		c.result.Notices++
		markers.WithLabelValues("status").Inc()
		if err := c.replier.Notify(ctx, c.opts.StatusPrefix); err != nil {
			c.logger.Warn("Failed to send status notice", zap.Error(err))
		}
		c.transcript = append(c.transcript, models.TranscriptEntry{Role: models.RoleAssistant, Content: delta.Text})
	default:
		c.contentBuf += delta.Text
		c.answer.WriteString(delta.Text)
		if !c.hasMessage {
			return c.openMessage(ctx)
		}
		if utf8.RuneCountInString(c.contentBuf) >= c.opts.FlushThreshold {
			c.flush(ctx)
		}
	}
	return nil
}

// openMessage sends the one answer message of this question.
func (c *Controller) openMessage(ctx context.Context) error {
	text := fmt.Sprintf(c.opts.Preamble, c.question.Text) + c.contentBuf
	id, err := c.replier.SendText(ctx, c.display(text))
	if err != nil {
		return fmt.Errorf("send answer message: %w", err)
	}
	messageUpdates.WithLabelValues("send").Inc()
	c.result.Sends++
	c.hasMessage = true
	c.messageID = id
	c.textBuf = text
	c.contentBuf = ""
	return nil
}

// flush moves unshown text into the message. Edit failures are dropped.
func (c *Controller) flush(ctx context.Context) {
	c.textBuf += c.contentBuf
	c.contentBuf = ""
	c.result.Edits++
	messageUpdates.WithLabelValues("edit").Inc()
	if err := c.replier.EditText(ctx, c.messageID, c.display(c.textBuf)); err != nil {
		c.result.EditFailures++
		editFailures.Inc()
		c.logger.Warn("Failed to update message", zap.Error(err), zap.Int("message_id", c.messageID))
	}
}

func (c *Controller) display(text string) string {
	return strings.ReplaceAll(text, c.opts.LineBreakToken, "\n")
}

// Finalize flushes what is left and persists the transcript. Only the first
// call after Run has any effect, and a failed controller is never finalized.
func (c *Controller) Finalize(ctx context.Context) error {
	if !c.ran || c.finalized || c.state == StateFailed {
		return nil
	}
	c.finalized = true
	c.state = StateFinalizing

	if c.contentBuf != "" && c.hasMessage {
		c.flush(ctx)
	}

	transcript := append([]models.TranscriptEntry(nil), c.transcript...)
	if answer := c.answer.String(); answer != "" {
		transcript = append(transcript, models.TranscriptEntry{Role: models.RoleAssistant, Content: answer})
	}
	c.result.Transcript = transcript

	if err := c.writer.UpdateProjectMessages(ctx, c.question.ProjectID, transcript); err != nil {
		c.logger.Error("Failed to persist transcript", zap.Error(err))
	} else {
		c.result.Persisted = true
	}

	c.state = StateDone
	relayRuns.WithLabelValues(StateDone.String()).Inc()
	c.logger.Info("Answer relayed",
		zap.Int("sends", c.result.Sends),
		zap.Int("edits", c.result.Edits),
		zap.Int("edit_failures", c.result.EditFailures),
		zap.Int("photos", c.result.Photos))
	return nil
}

func (c *Controller) fail(ctx context.Context, cause error) (Result, error) {
	c.state = StateFailed
	relayRuns.WithLabelValues(StateFailed.String()).Inc()
	c.logger.Error("Relay failed", zap.Error(cause))

	if ctx.Err() == nil {
		if err := c.replier.Notify(ctx, c.opts.FailureNotice); err != nil {
			c.logger.Warn("Failed to send failure notice", zap.Error(err))
		}
	}
	return c.snapshot(), cause
}

func (c *Controller) recordUsage(usage *ai.Usage) {
	if usage == nil {
		return
	}
	c.result.Usage = usage
	tokensUsed.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	tokensUsed.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	c.logger.Info("Token usage", zap.Int("total_tokens", usage.TotalTokens))
}

func (c *Controller) snapshot() Result {
	r := c.result
	r.State = c.state
	r.MessageID = c.messageID
	return r
}
