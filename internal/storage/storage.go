package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xaenox/liuyao-bot/internal/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

type Storage interface {
	UserStorage
	MembershipStorage
	ProjectStorage
	Close() error
}

type UserStorage interface {
	// GetOrCreateUser returns the user bound to platformID, creating it on first sight.
	GetOrCreateUser(ctx context.Context, platformID, displayName string) (*models.User, error)
}

type MembershipStorage interface {
	// GetActiveMembership returns the user's active membership at now and its tier.
	// Both are nil when the user has none. The tier is nil when its row is missing.
	GetActiveMembership(ctx context.Context, userID string, now time.Time) (*models.Membership, *models.MembershipTier, error)
	ActivateMembership(ctx context.Context, userID, tierID string, start time.Time) (*models.Membership, error)
	ListTiers(ctx context.Context, env string) ([]models.MembershipTier, error)
	SeedTiers(ctx context.Context, tiers []models.MembershipTier) error
}

type ProjectStorage interface {
	// CountProjects counts the user's projects of env created within [from, to].
	CountProjects(ctx context.Context, userID, env string, from, to time.Time) (int, error)
	CreateProject(ctx context.Context, project *models.Project) error
	UpdateProjectMessages(ctx context.Context, projectID string, messages []models.TranscriptEntry) error
}

// DefaultTiers returns the tiers every deployment starts with.
func DefaultTiers(env string) []models.MembershipTier {
	return []models.MembershipTier{
		{
			ID:             "base",
			Name:           "免费会员",
			Price:          decimal.Zero,
			DailyLimit:     1,
			Description:    "基础会员每日可免费算卦1次",
			DurationUnit:   models.DurationMonth,
			DurationAmount: 999999,
			Active:         true,
			Env:            env,
		},
		{
			ID:             "vip1-month",
			Name:           "基础会员",
			Price:          decimal.RequireFromString("10.00"),
			DailyLimit:     1,
			Description:    "基础会员每日可免费算卦1次",
			DurationUnit:   models.DurationMonth,
			DurationAmount: 1,
			Active:         true,
			Env:            env,
		},
	}
}
