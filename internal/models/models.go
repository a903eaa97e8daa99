package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transcript roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Duration units for membership tiers
const (
	DurationDay   = "DAY"
	DurationMonth = "MONTH"
	DurationYear  = "YEAR"
)

// User represents a bot user keyed by their Telegram id
type User struct {
	ID          string    `json:"user_id"`
	PlatformID  string    `json:"tg_user_id"`
	DisplayName string    `json:"display_name"`
	IsValid     bool      `json:"is_valid"`
	CreatedAt   time.Time `json:"created_at"`
}

// MembershipTier is static reference data describing a plan
type MembershipTier struct {
	ID             string          `json:"tier_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	DailyLimit     int             `json:"daily_limit"`
	Description    string          `json:"description"`
	DurationUnit   string          `json:"duration_unit"`
	DurationAmount int             `json:"duration_amount"`
	Active         bool            `json:"status"`
	Env            string          `json:"env"`
}

// EndFrom returns the end of a membership of this tier starting at start.
func (t MembershipTier) EndFrom(start time.Time) time.Time {
	switch t.DurationUnit {
	case DurationDay:
		return start.AddDate(0, 0, t.DurationAmount)
	case DurationYear:
		return start.AddDate(t.DurationAmount, 0, 0)
	default:
		return start.AddDate(0, t.DurationAmount, 0)
	}
}

// Membership binds a user to a tier for a period
type Membership struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	TierID    string    `json:"tier_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Active    bool      `json:"status"`
}

// TranscriptEntry is one role/content record of a project's conversation
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Project is one question-answer exchange, the unit of persisted usage
type Project struct {
	ProjectID string            `json:"project_id"`
	UserID    string            `json:"user_id"`
	Env       string            `json:"env"`
	Messages  []TranscriptEntry `json:"message_list"`
	CreatedAt time.Time         `json:"created_at"`
}
