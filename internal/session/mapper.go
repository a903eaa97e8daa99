// Package session maps platform users to internal identities, derives AI
// session keys and keeps per-user conversation state in memory.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/liuyao-bot/internal/models"
)

const projectIDPrefix = "divination_"

type IdentityStore interface {
	GetOrCreateUser(ctx context.Context, platformID, displayName string) (*models.User, error)
	CreateProject(ctx context.Context, project *models.Project) error
}

type Mapper struct {
	store IdentityStore
	env   string
	now   func() time.Time
}

func NewMapper(store IdentityStore, env string) *Mapper {
	return &Mapper{store: store, env: env, now: time.Now}
}

// Identify returns the internal user for a platform user, creating it on first contact.
func (m *Mapper) Identify(ctx context.Context, platformID int64, displayName string) (*models.User, error) {
	user, err := m.store.GetOrCreateUser(ctx, strconv.FormatInt(platformID, 10), strings.TrimSpace(displayName))
	if err != nil {
		return nil, fmt.Errorf("identify user %d: %w", platformID, err)
	}
	return user, nil
}

// NewProject records a new question under a fresh project id.
func (m *Mapper) NewProject(ctx context.Context, userID, question string) (*models.Project, error) {
	now := m.now()
	project := &models.Project{
		ProjectID: NewProjectID(now),
		UserID:    userID,
		Env:       m.env,
		Messages:  []models.TranscriptEntry{{Role: models.RoleUser, Content: question}},
		CreatedAt: now,
	}
	if err := m.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// NewProjectID returns a project id unique across users and processes.
func NewProjectID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", projectIDPrefix, now.UnixMilli(), suffix)
}

// SessionID is the AI conversation key of a project. Keying by project rather
// than by user keeps every question in its own AI conversation.
func SessionID(project *models.Project) string {
	return project.ProjectID
}
