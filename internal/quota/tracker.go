// Package quota computes a user's remaining daily allowance from their
// membership tier and the projects they created during the current day.
package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xaenox/liuyao-bot/internal/models"
	"go.uber.org/zap"
)

// DefaultDailyLimit applies when no active membership or tier can be found.
const DefaultDailyLimit = 1

var lookupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liuyao_quota_lookup_failures_total",
	Help: "Quota lookups that fell back to defaults, by lookup",
}, []string{"lookup"})

// Store is the subset of storage the tracker reads from.
type Store interface {
	GetActiveMembership(ctx context.Context, userID string, now time.Time) (*models.Membership, *models.MembershipTier, error)
	CountProjects(ctx context.Context, userID, env string, from, to time.Time) (int, error)
}

// Quota is the result of one quota computation.
type Quota struct {
	DailyLimit int
	Used       int
	// Remaining is DailyLimit - Used and may be negative.
	Remaining  int
	Membership *models.Membership
	Tier       *models.MembershipTier
	// Date is the local calendar day the usage was counted for (2006-01-02).
	Date string
}

// Exhausted reports whether no question may be asked today.
func (q Quota) Exhausted() bool {
	return q.Remaining <= 0
}

type Tracker struct {
	store        Store
	logger       *zap.Logger
	env          string
	location     *time.Location
	defaultLimit int
	now          func() time.Time
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithDefaultLimit overrides DefaultDailyLimit.
func WithDefaultLimit(limit int) Option {
	return func(t *Tracker) { t.defaultLimit = limit }
}

func NewTracker(store Store, env string, location *time.Location, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = Location(8)
	}
	t := &Tracker{
		store:        store,
		logger:       logger,
		env:          env,
		location:     location,
		defaultLimit: DefaultDailyLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Location returns a fixed zone offset by the given hours from UTC.
func Location(offsetHours int) *time.Location {
	name := "UTC+" + strconv.Itoa(offsetHours)
	if offsetHours < 0 {
		name = "UTC" + strconv.Itoa(offsetHours)
	}
	return time.FixedZone(name, offsetHours*3600)
}

// DayWindow returns [00:00:00, 23:59:59] of the calendar day containing now in loc.
func DayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := time.Date(y, m, d, 23, 59, 59, 0, loc)
	return start, end
}

// Check computes the user's quota. Lookup failures never fail the check:
// they are logged and replaced by the default limit and zero usage.
func (t *Tracker) Check(ctx context.Context, userID string) Quota {
	now := t.now()
	start, end := DayWindow(now, t.location)
	q := Quota{
		DailyLimit: t.defaultLimit,
		Date:       start.Format(time.DateOnly),
	}

	membership, tier, err := t.store.GetActiveMembership(ctx, userID, now)
	switch {
	case err != nil:
		lookupFailures.WithLabelValues("membership").Inc()
		t.logger.Error("Failed to get daily limit",
			zap.Error(err),
			zap.String("user_id", userID))
	case membership != nil && tier != nil:
		q.Membership = membership
		q.Tier = tier
		q.DailyLimit = tier.DailyLimit
	case membership != nil:
		t.logger.Warn("Active membership references a missing tier",
			zap.String("user_id", userID),
			zap.String("tier_id", membership.TierID))
	}

	used, err := t.store.CountProjects(ctx, userID, t.env, start, end)
	if err != nil {
		lookupFailures.WithLabelValues("usage").Inc()
		t.logger.Error("Failed to count today's usage",
			zap.Error(err),
			zap.String("user_id", userID))
		used = 0
	}
	q.Used = used
	q.Remaining = q.DailyLimit - used
	return q
}
