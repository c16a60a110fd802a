// Package postgres provides the Postgres-backed download history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/galleryspider/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and the table prefix.
type Config struct {
	DSN string
	// TablePrefix is prepended to the runs and pages tables (default "gallery").
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// HistoryStore implements store.HistoryRepository.
type HistoryStore struct {
	pool  pool
	runs  string
	pages string
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// New connects a pool and returns a HistoryStore.
func New(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := WithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// WithPool builds a store over an existing pool.
func WithPool(p pool, prefix string) (*HistoryStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if prefix == "" {
		prefix = "gallery"
	}
	if !validTableName.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &HistoryStore{pool: p, runs: prefix + "_runs", pages: prefix + "_pages"}, nil
}

// Close releases the pool.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts the run or refreshes its page count.
func (s *HistoryStore) UpsertRunStart(ctx context.Context, run store.Run) error {
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, gallery_id, gallery_token, pages, started_at, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE
SET pages = EXCLUDED.pages`, s.runs)
	_, err := s.pool.Exec(ctx, query,
		run.Session, run.GalleryID, run.GalleryToken, run.Pages, run.StartedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// RecordPages upserts every outcome in one transaction.
func (s *HistoryStore) RecordPages(ctx context.Context, outcomes []store.PageOutcome) (err error) {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record pages: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (session_id, page, status, bytes, error_message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, page) DO UPDATE
SET status = EXCLUDED.status, bytes = EXCLUDED.bytes,
	error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at`, s.pages)
	for _, o := range outcomes {
		if _, err = tx.Exec(ctx, query, o.Session, o.Page, o.Status, o.Bytes, o.Error, o.At); err != nil {
			return fmt.Errorf("upsert page %d: %w", o.Page, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record pages: %w", err)
	}
	return nil
}

// CompleteRun marks the run drained.
func (s *HistoryStore) CompleteRun(
	ctx context.Context,
	session uuid.UUID,
	finishedAt time.Time,
	finished, downloaded int,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, finished = $3, downloaded = $4
WHERE session_id = $5`, s.runs)
	tag, err := s.pool.Exec(ctx, query, finishedAt, store.RunDrained, finished, downloaded, session)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", session, store.ErrNotFound)
	}
	return nil
}

const runColumns = `session_id, gallery_id, gallery_token, pages, started_at, finished_at, status, finished, downloaded`

// GetRun loads a single run.
func (s *HistoryStore) GetRun(ctx context.Context, session uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = $1`, runColumns, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, session))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs of a gallery, newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, galleryID int64, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE gallery_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		runColumns, s.runs)
	rows, err := s.pool.Query(ctx, query, galleryID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.Session,
		&run.GalleryID,
		&run.GalleryToken,
		&run.Pages,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Finished,
		&run.Downloaded,
	)
	return run, err
}
