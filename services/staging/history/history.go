package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"buildstage/pkg/db"
	"buildstage/services/staging/downloader"
)

const (
	StatusRunning  = "running"
	StatusStaged   = "staged"
	StatusFailed   = "failed"
	defaultLimit   = 20
	maxRecentLimit = 200
)

// Download is one row of staging_downloads.
type Download struct {
	ID         string     `db:"id" json:"id"`
	Build      string     `db:"build" json:"build"`
	Source     string     `db:"source" json:"source"`
	Artifacts  string     `db:"artifacts" json:"artifacts"`
	Status     string     `db:"status" json:"status"`
	Error      string     `db:"error" json:"error,omitempty"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// ArtifactEvent is one row of staging_artifact_events.
type ArtifactEvent struct {
	Kind       string    `db:"kind" json:"kind"`
	Mode       string    `db:"mode" json:"mode"`
	Type       string    `db:"type" json:"type"`
	Error      string    `db:"error" json:"error,omitempty"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	At         time.Time `db:"at" json:"at"`
}

// Store persists staging events to Postgres. It implements downloader.Observer.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New constructs a Store on a migrated pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Observe records ev. Write failures are logged and dropped so staging never blocks on
// the database.
func (s *Store) Observe(ctx context.Context, ev downloader.Event) {
	if s == nil {
		return
	}
	if err := s.record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("record staging event",
			zap.String("type", string(ev.Type)),
			zap.String("download_id", ev.DownloadID),
			zap.Error(err),
		)
	}
}

func (s *Store) record(ctx context.Context, ev downloader.Event) error {
	id, err := uuid.Parse(ev.DownloadID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case downloader.EventDownloadStarted:
		_, err = db.Exec(ctx, s.pool, `
INSERT INTO staging_downloads (id, build, source, artifacts, status, error, started_at)
VALUES ($1, $2, $3, $4, $5, '', $6)
ON CONFLICT (id) DO NOTHING
`, id, ev.Build, ev.Source, strings.Join(ev.Artifacts, ","), StatusRunning, ev.At)
	case downloader.EventDownloadFinished, downloader.EventDownloadFailed:
		_, err = db.Exec(ctx, s.pool, `
UPDATE staging_downloads
SET status = $2, error = $3, finished_at = $4
WHERE id = $1
`, id, statusFor(ev.Type), ev.Err, ev.At)
	default:
		_, err = db.Exec(ctx, s.pool, `
INSERT INTO staging_artifact_events (download_id, kind, mode, type, error, duration_ms, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, id, ev.Kind, ev.Mode, string(ev.Type), ev.Err, ev.Duration.Milliseconds(), ev.At)
	}
	return err
}

func statusFor(t downloader.EventType) string {
	switch t {
	case downloader.EventDownloadFinished:
		return StatusStaged
	case downloader.EventDownloadFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// Recent returns the latest downloads, newest first. An empty build matches every build.
func (s *Store) Recent(ctx context.Context, build string, limit int) ([]Download, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	limit = clampLimit(limit)

	var rows []Download
	err := db.Select(ctx, s.pool, &rows, `
SELECT id::text AS id, build, source, artifacts, status, COALESCE(error, '') AS error, started_at, finished_at
FROM staging_downloads
WHERE $1 = '' OR build = $1
ORDER BY started_at DESC
LIMIT $2
`, build, limit)
	return rows, err
}

// Get returns a single download.
func (s *Store) Get(ctx context.Context, id string) (Download, error) {
	if s == nil {
		return Download{}, errors.New("nil store")
	}
	var row Download
	err := db.Get(ctx, s.pool, &row, `
SELECT id::text AS id, build, source, artifacts, status, COALESCE(error, '') AS error, started_at, finished_at
FROM staging_downloads
WHERE id = $1
`, id)
	return row, err
}

// Events returns the artifact events of a download in the order they happened.
func (s *Store) Events(ctx context.Context, downloadID string) ([]ArtifactEvent, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	var rows []ArtifactEvent
	err := db.Select(ctx, s.pool, &rows, `
SELECT kind, mode, type, COALESCE(error, '') AS error, duration_ms, at
FROM staging_artifact_events
WHERE download_id = $1
ORDER BY at, id
`, downloadID)
	return rows, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxRecentLimit:
		return maxRecentLimit
	default:
		return limit
	}
}
