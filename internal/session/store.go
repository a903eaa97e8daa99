package session

import (
	"sync"
)

// State is the orchestrator state of one platform user.
type State int

const (
	StateNoSession State = iota
	StateIdle
	StateAwaitingQuestion
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingQuestion:
		return "AWAITING_QUESTION"
	case StateProcessing:
		return "PROCESSING"
	default:
		return "NO_SESSION"
	}
}

// Conversation is the in-memory session of one platform user.
type Conversation struct {
	PlatformID       int64
	UserID           string
	AwaitingQuestion bool
	Processing       bool
	DailyCount       int
	DailyLimit       int
	LastRefreshDate  string
}

func (c Conversation) State() State {
	switch {
	case c.Processing:
		return StateProcessing
	case c.AwaitingQuestion:
		return StateAwaitingQuestion
	default:
		return StateIdle
	}
}

// Store keeps conversations for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*Conversation
}

func NewStore() *Store {
	return &Store{sessions: make(map[int64]*Conversation)}
}

// Get returns a copy of the conversation of platformID.
func (s *Store) Get(platformID int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, exists := s.sessions[platformID]; exists {
		return *c, true
	}
	return Conversation{PlatformID: platformID}, false
}

// State returns the orchestrator state of platformID.
func (s *Store) State(platformID int64) State {
	c, ok := s.Get(platformID)
	if !ok {
		return StateNoSession
	}
	return c.State()
}

// Update applies fn to the conversation of platformID, creating it if needed,
// and returns the updated copy.
func (s *Store) Update(platformID int64, fn func(*Conversation)) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.sessions[platformID]
	if !exists {
		c = &Conversation{PlatformID: platformID}
		s.sessions[platformID] = c
	}
	fn(c)
	return *c
}
