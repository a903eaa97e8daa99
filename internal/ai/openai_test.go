package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestOpenAIStreamDeltasAndUsage(t *testing.T) {
	var req map[string]any
	srv := sseServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"卦象"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"吉"},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
	}, &req)

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", SystemPrompt: "你是六爻大师"}, nil)
	stream, err := client.OpenStream(context.Background(), Request{AgentID: "agent-x", SessionID: "divination_1", Question: "今天运气如何"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventDelta, Content: "卦象"}, events[0])
	assert.Equal(t, Event{Kind: EventDelta, Content: "吉"}, events[1])
	assert.Equal(t, EventCompleted, events[2].Kind)
	require.NotNil(t, events[2].Usage)
	assert.Equal(t, 7, events[2].Usage.TotalTokens)

	assert.Equal(t, "agent-x", req["model"])
	assert.Equal(t, "divination_1", req["user"])
	assert.Equal(t, true, req["stream"])
	messages, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "今天运气如何", messages[1].(map[string]any)["content"])
}

func TestOpenAIStreamWithoutUsageCompletesAtEOF(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
	}, nil)

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil)
	stream, err := client.OpenStream(context.Background(), Request{AgentID: "m", SessionID: "s", Question: "q"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventCompleted, events[1].Kind)
	assert.Nil(t, events[1].Usage)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestOpenAIOpenStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil)
	_, err := client.OpenStream(context.Background(), Request{AgentID: "m", SessionID: "s", Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open chat stream")
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "content_delta", EventDelta.String())
	assert.Equal(t, "completed", EventCompleted.String())
}
