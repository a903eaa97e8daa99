package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/xaenox/liuyao-bot/internal/models"
	"go.uber.org/zap"
)

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	return NewPostgresStorageFromDB(db, logger), nil
}

// NewPostgresStorageFromDB wraps an already opened database handle.
func NewPostgresStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStorage{db: db, logger: logger, now: time.Now}
}

// DB exposes the underlying handle for migrations.
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

const userColumns = `user_id, tg_user_id, display_name, is_valid, created_at`

func (s *PostgresStorage) GetOrCreateUser(ctx context.Context, platformID, displayName string) (*models.User, error) {
	user, err := s.getUserByPlatformID(ctx, platformID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error querying user: %w", err)
	}

	query := `
		INSERT INTO users (user_id, tg_user_id, display_name, is_valid)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (tg_user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), platformID, displayName); err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	s.logger.Info("Created user", zap.String("tg_user_id", platformID))

	user, err = s.getUserByPlatformID(ctx, platformID)
	if err != nil {
		return nil, fmt.Errorf("error reading created user: %w", err)
	}
	return user, nil
}

func (s *PostgresStorage) getUserByPlatformID(ctx context.Context, platformID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tg_user_id = $1`

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, platformID).Scan(
		&user.ID,
		&user.PlatformID,
		&user.DisplayName,
		&user.IsValid,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresStorage) GetActiveMembership(ctx context.Context, userID string, now time.Time) (*models.Membership, *models.MembershipTier, error) {
	query := `
		SELECT id, user_id, tier_id, start_time, end_time, status
		FROM user_memberships
		WHERE user_id = $1 AND status = TRUE AND end_time >= $2
		ORDER BY start_time DESC
		LIMIT 1`

	m := &models.Membership{}
	err := s.db.QueryRowContext(ctx, query, userID, now).Scan(
		&m.ID,
		&m.UserID,
		&m.TierID,
		&m.StartTime,
		&m.EndTime,
		&m.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error querying membership: %w", err)
	}

	tier, err := s.getTier(ctx, s.db, m.TierID)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error querying tier: %w", err)
	}
	return m, tier, nil
}

const tierColumns = `tier_id, name, price, daily_limit, description, duration_unit, duration_amount, status, env`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStorage) getTier(ctx context.Context, q queryer, tierID string) (*models.MembershipTier, error) {
	query := `SELECT ` + tierColumns + ` FROM membership_tiers WHERE tier_id = $1`

	t := &models.MembershipTier{}
	err := q.QueryRowContext(ctx, query, tierID).Scan(
		&t.ID,
		&t.Name,
		&t.Price,
		&t.DailyLimit,
		&t.Description,
		&t.DurationUnit,
		&t.DurationAmount,
		&t.Active,
		&t.Env,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ActivateMembership deactivates every prior membership of the user and starts a new one.
func (s *PostgresStorage) ActivateMembership(ctx context.Context, userID, tierID string, start time.Time) (*models.Membership, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	tier, err := s.getTier(ctx, tx, tierID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tier %q: %w", tierID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying tier: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_memberships SET status = FALSE WHERE user_id = $1 AND status = TRUE`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("error deactivating memberships: %w", err)
	}

	m := &models.Membership{
		UserID:    userID,
		TierID:    tierID,
		StartTime: start,
		EndTime:   tier.EndFrom(start),
		Active:    true,
	}
	query := `
		INSERT INTO user_memberships (user_id, tier_id, start_time, end_time, status)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id`
	if err := tx.QueryRowContext(ctx, query, m.UserID, m.TierID, m.StartTime, m.EndTime).Scan(&m.ID); err != nil {
		return nil, fmt.Errorf("error creating membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing membership: %w", err)
	}
	return m, nil
}

func (s *PostgresStorage) ListTiers(ctx context.Context, env string) ([]models.MembershipTier, error) {
	query := `
		SELECT ` + tierColumns + `
		FROM membership_tiers
		WHERE status = TRUE AND env = $1
		ORDER BY price, tier_id`

	rows, err := s.db.QueryContext(ctx, query, env)
	if err != nil {
		return nil, fmt.Errorf("error querying tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.MembershipTier
	for rows.Next() {
		var t models.MembershipTier
		err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Price,
			&t.DailyLimit,
			&t.Description,
			&t.DurationUnit,
			&t.DurationAmount,
			&t.Active,
			&t.Env,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tiers: %w", err)
	}
	return tiers, nil
}

// SeedTiers inserts tiers that do not exist yet; existing rows are left untouched.
func (s *PostgresStorage) SeedTiers(ctx context.Context, tiers []models.MembershipTier) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO membership_tiers (` + tierColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tier_id) DO NOTHING`
	for _, t := range tiers {
		if _, err := tx.ExecContext(ctx, query,
			t.ID,
			t.Name,
			t.Price,
			t.DailyLimit,
			t.Description,
			t.DurationUnit,
			t.DurationAmount,
			t.Active,
			t.Env,
		); err != nil {
			return fmt.Errorf("error seeding tier %q: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStorage) CountProjects(ctx context.Context, userID, env string, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM projects
		WHERE user_id = $1 AND env = $2 AND created_at >= $3 AND created_at <= $4`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, env, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting projects: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) CreateProject(ctx context.Context, project *models.Project) error {
	messages, err := json.Marshal(project.Messages)
	if err != nil {
		return fmt.Errorf("error encoding messages: %w", err)
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = s.now()
	}

	query := `
		INSERT INTO projects (project_id, user_id, env, message_list, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = s.db.ExecContext(ctx, query,
		project.ProjectID,
		project.UserID,
		project.Env,
		messages,
		project.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error creating project: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpdateProjectMessages(ctx context.Context, projectID string, messages []models.TranscriptEntry) error {
	encoded, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("error encoding messages: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET message_list = $1 WHERE project_id = $2`,
		encoded, projectID,
	)
	if err != nil {
		return fmt.Errorf("error updating project messages: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
