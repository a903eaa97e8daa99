// Package ai opens streaming chat sessions with the AI provider and exposes
// them as a finite, non-restartable sequence of events.
package ai

import (
	"context"
)

type EventKind int

const (
	// EventDelta carries one increment of partial text.
	EventDelta EventKind = iota
	// EventCompleted is terminal and carries usage metadata.
	EventCompleted
)

func (k EventKind) String() string {
	if k == EventCompleted {
		return "completed"
	}
	return "content_delta"
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Event struct {
	Kind    EventKind
	Content string
	Usage   *Usage
}

// Request opens one AI conversation.
type Request struct {
	AgentID   string
	SessionID string
	Question  string
}

// Stream yields events until it returns io.EOF or a transport error.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

type Client interface {
	OpenStream(ctx context.Context, req Request) (Stream, error)
}
