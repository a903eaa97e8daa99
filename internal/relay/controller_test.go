package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/liuyao-bot/internal/ai"
	"github.com/xaenox/liuyao-bot/internal/models"
)

type fakeStream struct {
	events []ai.Event
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (ai.Event, error) {
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return ai.Event{}, s.err
	}
	return ai.Event{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func deltas(parts ...string) []ai.Event {
	events := make([]ai.Event, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, ai.Event{Kind: ai.EventDelta, Content: p})
	}
	return append(events, ai.Event{Kind: ai.EventCompleted, Usage: &ai.Usage{TotalTokens: 9}})
}

type edit struct {
	id   int
	text string
}

type fakeReplier struct {
	sends   []string
	edits   []edit
	photos  []string
	notices []string

	sendErr  error
	editErr  error
	photoErr error
}

func (r *fakeReplier) SendText(_ context.Context, text string) (int, error) {
	if r.sendErr != nil {
		return 0, r.sendErr
	}
	r.sends = append(r.sends, text)
	return 42, nil
}

func (r *fakeReplier) EditText(_ context.Context, id int, text string) error {
	r.edits = append(r.edits, edit{id: id, text: text})
	return r.editErr
}

func (r *fakeReplier) SendPhoto(_ context.Context, url string) error {
	r.photos = append(r.photos, url)
	return r.photoErr
}

func (r *fakeReplier) Notify(_ context.Context, text string) error {
	r.notices = append(r.notices, text)
	return nil
}

type fakeWriter struct {
	calls []writeCall
	err   error
}

type writeCall struct {
	projectID string
	messages  []models.TranscriptEntry
}

func (w *fakeWriter) UpdateProjectMessages(_ context.Context, projectID string, messages []models.TranscriptEntry) error {
	w.calls = append(w.calls, writeCall{projectID: projectID, messages: messages})
	return w.err
}

func newController(r *fakeReplier, w *fakeWriter) *Controller {
	return NewController(Question{ProjectID: "divination_1", Text: "今天运气如何"}, r, w, Options{}, nil)
}

func TestRunSendsOnceAndEditsEveryThreshold(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	parts := []string{"卦"}
	for i := 0; i < 6; i++ {
		parts = append(parts, strings.Repeat("吉", 10))
	}
	stream := &fakeStream{events: deltas(parts...)}

	res, err := c.Run(context.Background(), stream)
	require.NoError(t, err)
	assert.True(t, stream.closed)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Sends)
	assert.Equal(t, 2, res.Edits)
	assert.Equal(t, 42, res.MessageID)
	require.Len(t, r.sends, 1)
	assert.Equal(t, "您所问的事：今天运气如何\n\n卦象解析：\n卦", r.sends[0])
	require.Len(t, r.edits, 2)
	assert.Equal(t, 42, r.edits[1].id)
	assert.Equal(t, "您所问的事：今天运气如何\n\n卦象解析：\n卦"+strings.Repeat("吉", 60), r.edits[1].text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 9, res.Usage.TotalTokens)
}

func TestRunFlushesRemainderOnCompletion(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	body := strings.Repeat("a", 65)
	parts := []string{"x"}
	for _, ch := range body {
		parts = append(parts, string(ch))
	}
	res, err := c.Run(context.Background(), &fakeStream{events: deltas(parts...)})
	require.NoError(t, err)

	// 65 characters after the opening delta: two threshold edits and one final flush.
	assert.Equal(t, 3, res.Edits)
	assert.Equal(t, 1, res.Sends)
	last := r.edits[len(r.edits)-1].text
	assert.True(t, strings.HasSuffix(last, "x"+body))
}

func TestRunReplacesLineBreakToken(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	_, err := c.Run(context.Background(), &fakeStream{events: deltas("第一段<br><br>", "第二段")})
	require.NoError(t, err)

	require.Len(t, r.sends, 1)
	assert.NotContains(t, r.sends[0], "<br>")
	require.Len(t, r.edits, 1)
	assert.True(t, strings.HasSuffix(r.edits[0].text, "第一段\n第二段"))

	// the stored answer keeps the raw text
	require.Len(t, w.calls, 1)
	msgs := w.calls[0].messages
	assert.Equal(t, "第一段<br><br>第二段", msgs[len(msgs)-1].Content)
}

func TestRunImageMarkerSendsPhotoOnly(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("![x](http://img/1.png)")})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://img/1.png"}, r.photos)
	assert.Empty(t, r.sends)
	assert.Empty(t, r.edits)
	assert.Equal(t, 1, res.Photos)

	require.Len(t, w.calls, 1)
	assert.Equal(t, []models.TranscriptEntry{
		{Role: models.RoleUser, Content: "今天运气如何"},
		{Role: models.RoleAssistant, Content: "![x](http://img/1.png)"},
	}, w.calls[0].messages)
}

func TestRunStatusMarkerSendsNotice(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("开始起卦，请稍候", "卦成")})
	require.NoError(t, err)

	assert.Equal(t, []string{"开始起卦"}, r.notices)
	assert.Equal(t, 1, res.Notices)
	require.Len(t, r.sends, 1)
	assert.NotContains(t, r.sends[0], "请稍候")

	require.Len(t, w.calls, 1)
	assert.Equal(t, []models.TranscriptEntry{
		{Role: models.RoleUser, Content: "今天运气如何"},
		{Role: models.RoleAssistant, Content: "开始起卦，请稍候"},
		{Role: models.RoleAssistant, Content: "卦成"},
	}, w.calls[0].messages)
}

func TestRunPhotoFailureIsSwallowed(t *testing.T) {
	r := &fakeReplier{photoErr: errors.New("bad url")}
	w := &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("![a](http://img/2.png)", "ok")})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Len(t, w.calls, 1)
}

func TestRunEditFailureIsSwallowed(t *testing.T) {
	r := &fakeReplier{editErr: errors.New("message is not modified")}
	w := &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("a", strings.Repeat("b", 30), "c")})
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Edits)
	assert.Equal(t, 2, res.EditFailures)
	assert.True(t, res.Persisted)
	require.Len(t, w.calls, 1)
}

func TestRunStreamErrorFails(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	stream := &fakeStream{
		events: []ai.Event{{Kind: ai.EventDelta, Content: "卦象"}},
		err:    errors.New("connection reset"),
	}
	res, err := c.Run(context.Background(), stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, stream.closed)

	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, w.calls)
	assert.Equal(t, []string{DefaultFailureNotice}, r.notices)

	require.NoError(t, c.Finalize(context.Background()))
	assert.Empty(t, w.calls)
}

func TestRunStreamErrorAfterCancelSkipsNotice(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, &fakeStream{err: context.Canceled})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.notices)
	assert.Equal(t, StateFailed, c.State())
}

func TestRunFirstSendFailureFails(t *testing.T) {
	r := &fakeReplier{sendErr: errors.New("chat not found")}
	w := &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("a", "b")})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, w.calls)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	_, err := c.Run(context.Background(), &fakeStream{events: deltas("a")})
	require.NoError(t, err)
	require.NoError(t, c.Finalize(context.Background()))
	require.NoError(t, c.Finalize(context.Background()))

	require.Len(t, w.calls, 1)
	assert.Equal(t, "divination_1", w.calls[0].projectID)
}

func TestFinalizeBeforeRunIsNoop(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	require.NoError(t, c.Finalize(context.Background()))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, w.calls)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("a", "b")})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Persisted)
	require.Len(t, w.calls, 1)
	assert.Equal(t, models.RoleAssistant, w.calls[0].messages[len(w.calls[0].messages)-1].Role)
	assert.Equal(t, "ab", w.calls[0].messages[len(w.calls[0].messages)-1].Content)
}

func TestRunTwiceReturnsErrAlreadyRun(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	_, err := c.Run(context.Background(), &fakeStream{events: deltas("a")})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), &fakeStream{events: deltas("b")})
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.Len(t, r.sends, 1)
	assert.Len(t, w.calls, 1)
}

func TestPersistFailureStillCompletes(t *testing.T) {
	r := &fakeReplier{}
	w := &fakeWriter{err: errors.New("db down")}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{events: deltas("a")})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Persisted)
	assert.Len(t, res.Transcript, 2)
}

func TestEmptyStreamPersistsQuestionOnly(t *testing.T) {
	r, w := &fakeReplier{}, &fakeWriter{}
	c := newController(r, w)

	res, err := c.Run(context.Background(), &fakeStream{})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, r.sends)
	require.Len(t, w.calls, 1)
	assert.Equal(t, []models.TranscriptEntry{{Role: models.RoleUser, Content: "今天运气如何"}}, w.calls[0].messages)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "FINALIZING", StateFinalizing.String())
	assert.Equal(t, "FAILED", StateFailed.String())
}
