package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/liuyao-bot/internal/models"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	users       map[string]*models.User // keyed by platform id
	tiers       map[string]models.MembershipTier
	memberships []*models.Membership
	projects    map[string]*models.Project
	nextID      int64
	now         func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[string]*models.User),
		tiers:    make(map[string]models.MembershipTier),
		projects: make(map[string]*models.Project),
		now:      time.Now,
	}
}

// User methods
func (s *MemoryStorage) GetOrCreateUser(ctx context.Context, platformID, displayName string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, exists := s.users[platformID]; exists {
		u := *user
		return &u, nil
	}
	user := &models.User{
		ID:          uuid.NewString(),
		PlatformID:  platformID,
		DisplayName: displayName,
		IsValid:     true,
		CreatedAt:   s.now(),
	}
	s.users[platformID] = user
	u := *user
	return &u, nil
}

// Membership methods
func (s *MemoryStorage) GetActiveMembership(ctx context.Context, userID string, now time.Time) (*models.Membership, *models.MembershipTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.memberships {
		if m.UserID != userID || !m.Active || m.EndTime.Before(now) {
			continue
		}
		membership := *m
		tier, ok := s.tiers[m.TierID]
		if !ok {
			return &membership, nil, nil
		}
		return &membership, &tier, nil
	}
	return nil, nil, nil
}

func (s *MemoryStorage) ActivateMembership(ctx context.Context, userID, tierID string, start time.Time) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tier, ok := s.tiers[tierID]
	if !ok {
		return nil, fmt.Errorf("tier %q: %w", tierID, ErrNotFound)
	}
	for _, m := range s.memberships {
		if m.UserID == userID {
			m.Active = false
		}
	}
	s.nextID++
	m := &models.Membership{
		ID:        s.nextID,
		UserID:    userID,
		TierID:    tierID,
		StartTime: start,
		EndTime:   tier.EndFrom(start),
		Active:    true,
	}
	s.memberships = append(s.memberships, m)
	out := *m
	return &out, nil
}

func (s *MemoryStorage) ListTiers(ctx context.Context, env string) ([]models.MembershipTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]models.MembershipTier, 0, len(s.tiers))
	for _, t := range s.tiers {
		if t.Active && (env == "" || t.Env == env) {
			tiers = append(tiers, t)
		}
	}
	sort.Slice(tiers, func(i, j int) bool {
		if !tiers[i].Price.Equal(tiers[j].Price) {
			return tiers[i].Price.LessThan(tiers[j].Price)
		}
		return tiers[i].ID < tiers[j].ID
	})
	return tiers, nil
}

func (s *MemoryStorage) SeedTiers(ctx context.Context, tiers []models.MembershipTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tiers {
		if _, exists := s.tiers[t.ID]; exists {
			continue
		}
		s.tiers[t.ID] = t
	}
	return nil
}

// Project methods
func (s *MemoryStorage) CountProjects(ctx context.Context, userID, env string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.projects {
		if p.UserID != userID || p.Env != env {
			continue
		}
		if p.CreatedAt.Before(from) || p.CreatedAt.After(to) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStorage) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[project.ProjectID]; exists {
		return fmt.Errorf("project %q already exists", project.ProjectID)
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = s.now()
	}
	p := *project
	p.Messages = append([]models.TranscriptEntry(nil), project.Messages...)
	s.projects[p.ProjectID] = &p
	return nil
}

func (s *MemoryStorage) UpdateProjectMessages(ctx context.Context, projectID string, messages []models.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.projects[projectID]
	if !exists {
		return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	p.Messages = append([]models.TranscriptEntry(nil), messages...)
	return nil
}

// GetProject returns a copy of a stored project.
func (s *MemoryStorage) GetProject(projectID string) (*models.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.projects[projectID]
	if !exists {
		return nil, false
	}
	out := *p
	out.Messages = append([]models.TranscriptEntry(nil), p.Messages...)
	return &out, true
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
