// Package postgres provides Postgres-backed job and cache persistence.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	CacheTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements scrape.JobStore and scrape.CacheStore on Postgres.
type Store struct {
	pool       pool
	jobsTable  string
	cacheTable string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	return NewWithPool(p, cfg.JobsTable, cfg.CacheTable)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, jobsTable, cacheTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "scrape_jobs"
	}
	if cacheTable == "" {
		cacheTable = "scrape_cache"
	}
	for _, table := range []string{jobsTable, cacheTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: p, jobsTable: jobsTable, cacheTable: cacheTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := strings.NewReplacer("{{jobs}}", s.jobsTable, "{{cache}}", s.cacheTable).Replace(schemaSQL)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
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
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, s.jobsTable, jobColumns)
	if _, err := s.pool.Exec(ctx, query,
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
		rec.CreatedAt,
		rec.StartedAt,
		rec.CompletedAt,
	); err != nil {
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
	query := fmt.Sprintf(`UPDATE %s
SET status = $2, result_data = $3, error_message = $4, failure_kind = $5,
	from_cache = $6, started_at = $7, completed_at = $8
WHERE id = $1`, s.jobsTable)
	tag, err := s.pool.Exec(ctx, query,
		rec.ID,
		string(rec.Status),
		result,
		rec.ErrorMessage,
		string(rec.FailureKind),
		rec.FromCache,
		rec.StartedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", rec.ID, scrape.ErrNotFound)
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobsTable)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// DeleteJob removes one job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.jobsTable)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	return nil
}

// ListJobs returns one page of the user's history newest-first plus the
// total match count.
func (s *Store) ListJobs(ctx context.Context, q scrape.JobQuery) ([]scrape.Job, int, error) {
	where := `user_id = $1 AND ($2::text = '' OR status = $2) AND ($3::timestamptz IS NULL OR created_at >= $3)`
	args := []any{q.UserID, string(q.Status), q.Since}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, s.jobsTable, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var limit *int
	if q.Limit > 0 {
		l := q.Limit
		limit = &l
	}
	listQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE %s
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5`, jobColumns, s.jobsTable, where)
	rows, err := s.pool.Query(ctx, listQuery, append(args, limit, max(q.Offset, 0))...)
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
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s
WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
GROUP BY status`, s.jobsTable)
	rows, err := s.pool.Query(ctx, query, userID, since)
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
	query := fmt.Sprintf(`DELETE FROM %s
WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)`, s.jobsTable)
	tag, err := s.pool.Exec(ctx, query, userID, before)
	if err != nil {
		return 0, fmt.Errorf("delete jobs for %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

// ListUnfinished returns every pending or running job, oldest first.
func (s *Store) ListUnfinished(ctx context.Context) ([]scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN ($1, $2)
ORDER BY created_at ASC, id ASC`, jobColumns, s.jobsTable)
	rows, err := s.pool.Query(ctx, query, string(scrape.StatusPending), string(scrape.StatusRunning))
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
	query := fmt.Sprintf(`INSERT INTO %s (resource_id, payload, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (resource_id) DO UPDATE
SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`, s.cacheTable)
	if _, err := s.pool.Exec(ctx, query, entry.ResourceID, payload, entry.CreatedAt, entry.ExpiresAt); err != nil {
		return fmt.Errorf("upsert cache entry %s: %w", entry.ResourceID, err)
	}
	return nil
}

// GetEntry loads a cache row regardless of expiry.
func (s *Store) GetEntry(ctx context.Context, resourceID string) (scrape.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT resource_id, payload, created_at, expires_at FROM %s WHERE resource_id = $1`, s.cacheTable)
	var (
		entry   scrape.CacheEntry
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&entry.ResourceID, &payload, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.CacheEntry{}, fmt.Errorf("cache entry %s: %w", resourceID, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.CacheEntry{}, fmt.Errorf("get cache entry %s: %w", resourceID, err)
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return scrape.CacheEntry{}, fmt.Errorf("decode cache payload %s: %w", resourceID, err)
	}
	return entry, nil
}

// DeleteEntry removes a cache row.
func (s *Store) DeleteEntry(ctx context.Context, resourceID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE resource_id = $1`, s.cacheTable)
	if _, err := s.pool.Exec(ctx, query, resourceID); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", resourceID, err)
	}
	return nil
}

// DeleteExpiredEntry removes a cache row that expired at or before now.
func (s *Store) DeleteExpiredEntry(ctx context.Context, resourceID string, now time.Time) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE resource_id = $1 AND expires_at <= $2`, s.cacheTable)
	if _, err := s.pool.Exec(ctx, query, resourceID, now); err != nil {
		return fmt.Errorf("delete expired cache entry %s: %w", resourceID, err)
	}
	return nil
}

func encodeRecord(rec scrape.JobRecord) ([]byte, []byte, error) {
	selectors := rec.Selectors
	if selectors == nil {
		selectors = scrape.Rules{}
	}
	selectorsJSON, err := json.Marshal(selectors)
	if err != nil {
		return nil, nil, fmt.Errorf("encode selectors: %w", err)
	}
	var resultJSON []byte
	if rec.Result != nil {
		resultJSON, err = json.Marshal(rec.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	return selectorsJSON, resultJSON, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		rec       scrape.JobRecord
		selectors []byte
		result    []byte
		strategy  string
		status    string
		kind      string
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
		&rec.CreatedAt,
		&rec.StartedAt,
		&rec.CompletedAt,
	); err != nil {
		return scrape.Job{}, err //nolint:wrapcheck // callers wrap with context
	}
	rec.Strategy = scrape.Strategy(strategy)
	rec.Status = scrape.Status(status)
	rec.FailureKind = scrape.FailureKind(kind)
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &rec.Selectors); err != nil {
			return scrape.Job{}, fmt.Errorf("decode selectors: %w", err)
		}
	}
	if len(result) > 0 {
		var payload scrape.Payload
		if err := json.Unmarshal(result, &payload); err != nil {
			return scrape.Job{}, fmt.Errorf("decode result: %w", err)
		}
		rec.Result = &payload
	}
	return rec.Job()
}
