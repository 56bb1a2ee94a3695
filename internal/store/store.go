// Package store persists image build records in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appdock/appdock/internal/shared/uuid"
)

// Build statuses. A build moves pending -> building -> succeeded/failed;
// there are no retries, a failed build stays failed.
const (
	StatusPending   = "pending"
	StatusBuilding  = "building"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a build record does not exist.
var ErrNotFound = errors.New("build not found")

// Build is a persisted image build record.
type Build struct {
	ID          uuid.UUID
	Name        string
	SourceDir   string
	RepoURL     string
	CommitHash  string
	ImageTag    string
	Status      string
	BuildLog    string
	Error       string
	CreatedAt   pgtype.Timestamptz
	StartedAt   pgtype.Timestamptz
	CompletedAt pgtype.Timestamptz
}

// Store provides access to the builds table.
type Store struct {
	db *pgxpool.Pool
}

// New connects a pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS builds (
    id            uuid PRIMARY KEY,
    name          text NOT NULL,
    source_dir    text NOT NULL DEFAULT '',
    repo_url      text NOT NULL DEFAULT '',
    commit_hash   text NOT NULL DEFAULT '',
    image_tag     text NOT NULL DEFAULT '',
    status        text NOT NULL DEFAULT 'pending',
    build_log     text NOT NULL DEFAULT '',
    error         text NOT NULL DEFAULT '',
    created_at    timestamptz NOT NULL DEFAULT now(),
    started_at    timestamptz,
    completed_at  timestamptz
);
CREATE INDEX IF NOT EXISTS builds_status_idx ON builds (status);
`

// Migrate creates the builds table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate builds table: %w", err)
	}
	return nil
}

const buildColumns = `id, name, source_dir, repo_url, commit_hash, image_tag, status, build_log, error, created_at, started_at, completed_at`

func scanBuild(row pgx.Row) (*Build, error) {
	var b Build
	err := row.Scan(
		&b.ID, &b.Name, &b.SourceDir, &b.RepoURL, &b.CommitHash, &b.ImageTag,
		&b.Status, &b.BuildLog, &b.Error, &b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan build: %w", err)
	}
	return &b, nil
}

// CreateBuild inserts a new pending build.
func (s *Store) CreateBuild(ctx context.Context, b *Build) error {
	if b.ID.IsNil() {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO builds (id, name, source_dir, repo_url, commit_hash, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Name, b.SourceDir, b.RepoURL, b.CommitHash, b.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}
	return nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id uuid.UUID) (*Build, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

// ListPendingBuilds returns pending builds, oldest first.
func (s *Store) ListPendingBuilds(ctx context.Context, limit int) ([]*Build, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending builds: %w", err)
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// MarkBuilding transitions a pending build to building. It returns
// ErrNotFound when the build was already claimed by another worker.
func (s *Store) MarkBuilding(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE builds SET status = $1, started_at = now() WHERE id = $2 AND status = $3`,
		StatusBuilding, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark build building: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded records a successful build with its image tag and log.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, imageTag, buildLog string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE builds SET status = $1, image_tag = $2, build_log = $3, completed_at = now() WHERE id = $4`,
		StatusSucceeded, imageTag, buildLog, id)
	if err != nil {
		return fmt.Errorf("failed to mark build succeeded: %w", err)
	}
	return nil
}

// MarkFailed records a failed build with its log and error message.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, buildLog, errMsg string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE builds SET status = $1, build_log = $2, error = $3, completed_at = now() WHERE id = $4`,
		StatusFailed, buildLog, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark build failed: %w", err)
	}
	return nil
}

// ResetStale returns builds stuck in building longer than maxAge back to
// pending so a restarted worker can pick them up again.
func (s *Store) ResetStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE builds SET status = $1, started_at = NULL
		 WHERE status = $2 AND started_at < now() - $3::interval`,
		StatusPending, StatusBuilding, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale builds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}
