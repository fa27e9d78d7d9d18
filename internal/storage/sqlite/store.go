// Package sqlite provides single-node job and cache persistence on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

//go:embed schema.sql
var schemaSQL string

// Store implements scrape.JobStore and scrape.CacheStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open connects to the database file at path, creating it and its schema if
// needed. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store.dsn is required for sqlite")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps pragmas and an in-memory database consistent
	// across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, url, selectors, strategy, status, result_data,
	error_message, failure_kind, from_cache, created_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job scrape.Job) error {
	rec := job.Record()
	selectors, result, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO scrape_jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID,
		rec.UserID,
		rec.URL,
		selectors,
		string(rec.Strategy),
		string(rec.Status),
		result,
		rec.ErrorMessage,
		string(rec.FailureKind),
		rec.FromCache,
		rec.CreatedAt.UnixNano(),
		nullableNanos(rec.StartedAt),
		nullableNanos(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateJob persists the job's lifecycle columns.
func (s *Store) UpdateJob(ctx context.Context, job scrape.Job) error {
	rec := job.Record()
	_, result, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs
SET status = ?, result_data = ?, error_message = ?, failure_kind = ?,
	from_cache = ?, started_at = ?, completed_at = ?
WHERE id = ?`,
		string(rec.Status),
		result,
		rec.ErrorMessage,
		string(rec.FailureKind),
		rec.FromCache,
		nullableNanos(rec.StartedAt),
		nullableNanos(rec.CompletedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", rec.ID, err)
	}
	return requireAffected(res, rec.ID)
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (scrape.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// DeleteJob removes one job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrape_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// ListJobs returns one page of the user's history newest-first plus the
// total match count.
func (s *Store) ListJobs(ctx context.Context, q scrape.JobQuery) ([]scrape.Job, int, error) {
	const where = `user_id = ? AND (? = '' OR status = ?) AND (? IS NULL OR created_at >= ?)`
	since := nullableNanos(q.Since)
	args := []any{q.UserID, string(q.Status), string(q.Status), since, since}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := -1
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE `+where+`
ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, limit, max(q.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]scrape.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// CountByStatus tallies the user's jobs by status.
func (s *Store) CountByStatus(ctx context.Context, userID string, since *time.Time) (map[scrape.Status]int, error) {
	cutoff := nullableNanos(since)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scrape_jobs
WHERE user_id = ? AND (? IS NULL OR created_at >= ?)
GROUP BY status`, userID, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[scrape.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[scrape.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// DeleteJobs removes the user's jobs created before the cutoff.
func (s *Store) DeleteJobs(ctx context.Context, userID string, before *time.Time) (int, error) {
	cutoff := nullableNanos(before)
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrape_jobs
WHERE user_id = ? AND (? IS NULL OR created_at < ?)`, userID, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete jobs for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// ListUnfinished returns every pending or running job, oldest first.
func (s *Store) ListUnfinished(ctx context.Context) ([]scrape.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs
WHERE status IN (?, ?)
ORDER BY created_at ASC, id ASC`, string(scrape.StatusPending), string(scrape.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]scrape.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished jobs: %w", err)
	}
	return jobs, nil
}

// PutEntry upserts a cache row.
func (s *Store) PutEntry(ctx context.Context, entry scrape.CacheEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO scrape_cache (resource_id, payload, created_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (resource_id) DO UPDATE
SET payload = excluded.payload, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		entry.ResourceID, string(payload), entry.CreatedAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry %s: %w", entry.ResourceID, err)
	}
	return nil
}

// GetEntry loads a cache row regardless of expiry.
func (s *Store) GetEntry(ctx context.Context, resourceID string) (scrape.CacheEntry, error) {
	var (
		entry              scrape.CacheEntry
		payload            string
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT resource_id, payload, created_at, expires_at FROM scrape_cache WHERE resource_id = ?`,
		resourceID,
	).Scan(&entry.ResourceID, &payload, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.CacheEntry{}, fmt.Errorf("cache entry %s: %w", resourceID, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.CacheEntry{}, fmt.Errorf("get cache entry %s: %w", resourceID, err)
	}
	if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
		return scrape.CacheEntry{}, fmt.Errorf("decode cache payload %s: %w", resourceID, err)
	}
	entry.CreatedAt = time.Unix(0, created).UTC()
	entry.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return entry, nil
}

// DeleteEntry removes a cache row.
func (s *Store) DeleteEntry(ctx context.Context, resourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scrape_cache WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", resourceID, err)
	}
	return nil
}

// DeleteExpiredEntry removes a cache row that expired at or before now.
func (s *Store) DeleteExpiredEntry(ctx context.Context, resourceID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scrape_cache WHERE resource_id = ? AND expires_at <= ?`,
		resourceID, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("delete expired cache entry %s: %w", resourceID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scrape.Job, error) {
	var (
		rec                scrape.JobRecord
		selectors          string
		result             sql.NullString
		strategy, status   string
		kind               string
		created            int64
		started, completed sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.URL,
		&selectors,
		&strategy,
		&status,
		&result,
		&rec.ErrorMessage,
		&kind,
		&rec.FromCache,
		&created,
		&started,
		&completed,
	); err != nil {
		return scrape.Job{}, err //nolint:wrapcheck // callers wrap with context
	}
	rec.Strategy = scrape.Strategy(strategy)
	rec.Status = scrape.Status(status)
	rec.FailureKind = scrape.FailureKind(kind)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.StartedAt = fromNanos(started)
	rec.CompletedAt = fromNanos(completed)
	if selectors != "" {
		if err := json.Unmarshal([]byte(selectors), &rec.Selectors); err != nil {
			return scrape.Job{}, fmt.Errorf("decode selectors: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var payload scrape.Payload
		if err := json.Unmarshal([]byte(result.String), &payload); err != nil {
			return scrape.Job{}, fmt.Errorf("decode result: %w", err)
		}
		rec.Result = &payload
	}
	return rec.Job()
}

func encodeRecord(rec scrape.JobRecord) (string, sql.NullString, error) {
	selectors := rec.Selectors
	if selectors == nil {
		selectors = scrape.Rules{}
	}
	selectorsJSON, err := json.Marshal(selectors)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode selectors: %w", err)
	}
	if rec.Result == nil {
		return string(selectorsJSON), sql.NullString{}, nil
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return string(selectorsJSON), sql.NullString{String: string(resultJSON), Valid: true}, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	return nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
