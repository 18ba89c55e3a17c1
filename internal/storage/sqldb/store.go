// Package sqldb is the durable store for API keys and jobs. It runs on
// SQLite or PostgreSQL through the dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/lexia/inference-gateway/internal/domain"
	"github.com/lexia/inference-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of the credential and job stores.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a SQLite-backed store at the given path.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			permissions %s NOT NULL,
			rate_limit INTEGER NOT NULL,
			revoked %s NOT NULL DEFAULT %s,
			created_at %s NOT NULL DEFAULT %s,
			updated_at %s NOT NULL DEFAULT %s,
			last_used_at %s
		)`, d.TextType(), d.BooleanType(), boolLiteral(d, false),
			d.TimestampType(), d.CurrentTimestamp(),
			d.TimestampType(), d.CurrentTimestamp(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_key_id TEXT NOT NULL,
			input_ref TEXT NOT NULL DEFAULT '',
			params %s,
			state TEXT NOT NULL,
			result %s,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			created_at %s NOT NULL DEFAULT %s,
			started_at %s,
			finished_at %s
		)`, d.TextType(), d.TextType(),
			d.TimestampType(), d.CurrentTimestamp(),
			d.TimestampType(), d.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_key_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func boolLiteral(d dialect.Dialect, v bool) string {
	if d.Name() == "sqlite" {
		if v {
			return "1"
		}
		return "0"
	}
	if v {
		return "TRUE"
	}
	return "FALSE"
}

// --- API keys ---

// CreateKey inserts a new API key record. ID and timestamps are filled in
// when absent.
func (s *Store) CreateKey(ctx context.Context, key *domain.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	if len(key.Permissions) == 0 {
		key.Permissions = []string{string(domain.CapabilityAll)}
	}

	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO api_keys
		(id, key_hash, owner_id, permissions, rate_limit, revoked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.OwnerID, string(permissions),
		key.RateLimit, key.Revoked, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	return nil
}

// GetKeyByHash looks up a key by its stored hash. Returns (nil, nil) when no
// key matches.
func (s *Store) GetKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := s.dialect.Rebind(`SELECT id, key_hash, owner_id, permissions,
		rate_limit, revoked, created_at, updated_at, last_used_at
		FROM api_keys WHERE key_hash = ?`)

	var (
		key         domain.APIKey
		permissions string
		lastUsed    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.KeyHash, &key.OwnerID, &permissions,
		&key.RateLimit, &key.Revoked, &key.CreatedAt, &key.UpdatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}

	return &key, nil
}

// RevokeKey marks a key revoked. A revoked key still resolves to an identity
// but fails authentication.
func (s *Store) RevokeKey(ctx context.Context, keyID string) error {
	query := s.dialect.Rebind(
		`UPDATE api_keys SET revoked = ?, updated_at = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("API key not found")
	}
	return nil
}

// TouchKeyLastUsed records the time of a successful authentication. It does
// not touch updated_at.
func (s *Store) TouchKeyLastUsed(ctx context.Context, keyID string) error {
	query := s.dialect.Rebind(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), keyID)
	return err
}

// --- Jobs ---

// CreateJob inserts a new job in state queued. This is the durable write
// that makes a submission visible to claimers.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.State = domain.JobStateQueued
	job.CreatedAt = time.Now().UTC()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}

	query := s.dialect.Rebind(`INSERT INTO jobs
		(id, kind, owner_key_id, input_ref, params, state, attempt_count, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID, string(job.Kind), job.OwnerKeyID, job.InputRef,
		nullableJSON(job.Params), string(job.State), job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// ClaimNextJob atomically transitions the oldest queued job of the given
// kinds to running and increments its attempt count. The conditional UPDATE
// on the state column guarantees at most one claimer wins; a lost race moves
// on to the next candidate. Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextJob(ctx context.Context, kinds []domain.JobKind) (*domain.Job, error) {
	if len(kinds) == 0 {
		kinds = domain.AsyncKinds()
	}
	kindArgs := make([]string, len(kinds))
	for i, k := range kinds {
		kindArgs[i] = string(k)
	}

	selectQuery, selectArgs, err := sqlx.In(
		`SELECT id FROM jobs WHERE state = ? AND kind IN (?) ORDER BY created_at ASC LIMIT 1`,
		string(domain.JobStateQueued), kindArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}
	selectQuery = s.dialect.Rebind(selectQuery)

	claimQuery := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, started_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND state = ?`)

	for attempt := 0; attempt < 5; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx, selectQuery, selectArgs...).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		res, err := s.db.ExecContext(ctx, claimQuery,
			string(domain.JobStateRunning), time.Now().UTC(),
			id, string(domain.JobStateQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if n == 0 {
			// Another claimer won the race; try the next candidate.
			continue
		}

		return s.getJob(ctx, id)
	}

	return nil, nil
}

// CompleteJob transitions a running job to succeeded and records the final
// result. Residual failure detail from earlier attempts is cleared. The
// state predicate makes terminal states immutable.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	query := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, result = ?, error_code = '', error_message = '', finished_at = ?
		WHERE id = ? AND state = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(domain.JobStateSucceeded), nullableJSON(result), time.Now().UTC(),
		jobID, string(domain.JobStateRunning))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// FailJob records a failed attempt. With retryable=true and attempts left it
// re-enqueues the job; otherwise the job becomes terminally failed with the
// last error detail preserved.
func (s *Store) FailJob(ctx context.Context, jobID, code, message string, retryable bool) error {
	if retryable {
		requeue := s.dialect.Rebind(`UPDATE jobs
			SET state = ?, started_at = NULL, error_code = ?, error_message = ?
			WHERE id = ? AND state = ? AND attempt_count < max_attempts`)

		res, err := s.db.ExecContext(ctx, requeue,
			string(domain.JobStateQueued), code, message,
			jobID, string(domain.JobStateRunning))
		if err != nil {
			return fmt.Errorf("failed to re-enqueue job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		// Attempts exhausted; fall through to terminal failure.
	}

	fail := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND state = ?`)

	res, err := s.db.ExecContext(ctx, fail,
		string(domain.JobStateFailed), code, message, time.Now().UTC(),
		jobID, string(domain.JobStateRunning))
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// CancelJob transitions a queued job to failed with a cancellation error,
// using the same conditional UPDATE as the claim path so a worker that grabs
// the job first wins the race. Only queued jobs are cancellable; a job in any
// other state yields a conflict. Visibility follows GetJob: a foreign or
// missing job returns (nil, nil).
func (s *Store) CancelJob(ctx context.Context, jobID, ownerKeyID string, admin bool) (*domain.Job, error) {
	job, err := s.GetJob(ctx, jobID, ownerKeyID, admin)
	if err != nil || job == nil {
		return nil, err
	}

	query := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND state = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(domain.JobStateFailed), string(domain.ErrorCodeJobCancelled),
		"cancelled by client", time.Now().UTC(),
		jobID, string(domain.JobStateQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Re-read for the current state so the conflict names it.
		current, err := s.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		state := string(domain.JobStateRunning)
		if current != nil {
			state = string(current.State)
		}
		return nil, domain.ErrJobNotCancellable(state)
	}

	return s.getJob(ctx, jobID)
}

// GetJob resolves a job for an owner. A job owned by a different key is
// reported as absent rather than forbidden, so existence does not leak
// across tenants. Admin callers see every job. Returns (nil, nil) when not
// found or not visible.
func (s *Store) GetJob(ctx context.Context, jobID, ownerKeyID string, admin bool) (*domain.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if !admin && job.OwnerKeyID != ownerKeyID {
		return nil, nil
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first, optionally filtered by
// state and kind.
func (s *Store) ListJobs(ctx context.Context, ownerKeyID string, state domain.JobState, kind domain.JobKind, limit, offset int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, kind, owner_key_id, input_ref, params, state, result,
		error_code, error_message, attempt_count, max_attempts,
		created_at, started_at, finished_at
		FROM jobs WHERE owner_key_id = ?`
	args := []interface{}{ownerKeyID}

	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// RequeueStaleJobs sweeps jobs left running past the staleness threshold,
// treating the expired lease as an implicit transient failure: jobs with
// attempts left go back to queued, the rest become terminally failed.
// Returns (requeued, failed) counts.
func (s *Store) RequeueStaleJobs(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	failQuery := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE state = ? AND started_at < ? AND attempt_count >= max_attempts`)

	failRes, err := s.db.ExecContext(ctx, failQuery,
		string(domain.JobStateFailed), string(domain.ErrorCodeJobProcessingError),
		"worker lease expired", time.Now().UTC(),
		string(domain.JobStateRunning), olderThan)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to expire stale jobs: %w", err)
	}
	failed, _ := failRes.RowsAffected()

	requeueQuery := s.dialect.Rebind(`UPDATE jobs
		SET state = ?, started_at = NULL
		WHERE state = ? AND started_at < ? AND attempt_count < max_attempts`)

	requeueRes, err := s.db.ExecContext(ctx, requeueQuery,
		string(domain.JobStateQueued),
		string(domain.JobStateRunning), olderThan)
	if err != nil {
		return 0, failed, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	requeued, _ := requeueRes.RowsAffected()

	return requeued, failed, nil
}

func (s *Store) getJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := s.dialect.Rebind(`SELECT id, kind, owner_key_id, input_ref, params,
		state, result, error_code, error_message, attempt_count, max_attempts,
		created_at, started_at, finished_at
		FROM jobs WHERE id = ?`)

	row := s.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job        domain.Job
		kind       string
		state      string
		params     sql.NullString
		result     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(&job.ID, &kind, &job.OwnerKeyID, &job.InputRef, &params,
		&state, &result, &job.ErrorCode, &job.ErrorMessage,
		&job.AttemptCount, &job.MaxAttempts,
		&job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	if params.Valid && params.String != "" {
		job.Params = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return &job, nil
}

// nullableJSON stores empty JSON payloads as NULL.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
