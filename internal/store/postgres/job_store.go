package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// maxJobLogs bounds the per-job operator log ring; older entries fall off.
const maxJobLogs = 200

// JobStore persists crawl jobs in the crawl_jobs table. The config,
// progress, and log ring live in JSONB columns, matching the admin API
// shapes one-to-one.
type JobStore struct {
	pool Pool
}

// NewJobStore creates a JobStore.
func NewJobStore(pool Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job crawl.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	logs, err := json.Marshal(nonNilLogs(job.Logs))
	if err != nil {
		return fmt.Errorf("marshal job logs: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_jobs (id, status, config, progress, logs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Status, cfg, progress, logs, job.CreatedAt,
	); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (crawl.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, config, progress, logs, error_message, created_at, started_at, completed_at
		FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns the most recent jobs.
func (s *JobStore) List(ctx context.Context, limit int) ([]crawl.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, config, progress, logs, error_message, created_at, started_at, completed_at
		FROM crawl_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// SetStatus performs a guarded status transition from any of the listed
// statuses. Terminal targets stamp completed_at.
func (s *JobStore) SetStatus(
	ctx context.Context,
	jobID string,
	to crawl.JobStatus,
	from []crawl.JobStatus,
	errMsg string,
	at time.Time,
) error {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_jobs
		SET status = $1,
		    error_message = CASE WHEN $2 <> '' THEN $2 ELSE error_message END,
		    completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') THEN $3 ELSE completed_at END
		WHERE id = $4 AND status = ANY($5)`,
		to, errMsg, at, jobID, fromStr,
	)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrConflict
	}
	return nil
}

// MarkStarted transitions pending -> running and stamps started_at.
func (s *JobStore) MarkStarted(ctx context.Context, jobID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_jobs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`,
		jobID, at,
	)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrConflict
	}
	return nil
}

// ApplyProgress increments the counter bundle under the job's row lock so
// concurrent webhook callbacks never lose updates.
func (s *JobStore) ApplyProgress(ctx context.Context, jobID string, delta crawl.Progress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin progress update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	if err := tx.QueryRow(ctx,
		`SELECT progress FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.ErrNotFound
		}
		return fmt.Errorf("lock job progress: %w", err)
	}

	var progress crawl.Progress
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &progress); err != nil {
			return fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	progress.Add(delta)

	updated, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE crawl_jobs SET progress = $2 WHERE id = $1`, jobID, updated,
	); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit progress update: %w", err)
	}
	return nil
}

// AppendLog appends an entry to the job's log ring, trimming to the most
// recent maxJobLogs entries.
func (s *JobStore) AppendLog(ctx context.Context, jobID, level, msg string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin log append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	if err := tx.QueryRow(ctx,
		`SELECT logs FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.ErrNotFound
		}
		return fmt.Errorf("lock job logs: %w", err)
	}

	var logs []crawl.LogEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &logs); err != nil {
			return fmt.Errorf("unmarshal job logs: %w", err)
		}
	}
	logs = append(logs, crawl.LogEntry{TS: at, Level: level, Msg: msg})
	if len(logs) > maxJobLogs {
		logs = logs[len(logs)-maxJobLogs:]
	}

	updated, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("marshal job logs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE crawl_jobs SET logs = $2 WHERE id = $1`, jobID, updated,
	); err != nil {
		return fmt.Errorf("update job logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log append: %w", err)
	}
	return nil
}

// Logs returns the job's log ring.
func (s *JobStore) Logs(ctx context.Context, jobID string) ([]crawl.LogEntry, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT logs FROM crawl_jobs WHERE id = $1`, jobID,
	).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, crawl.ErrNotFound
		}
		return nil, fmt.Errorf("get job logs: %w", err)
	}
	var logs []crawl.LogEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &logs); err != nil {
			return nil, fmt.Errorf("unmarshal job logs: %w", err)
		}
	}
	return logs, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job       crawl.Job
		status    string
		cfgRaw    []byte
		progRaw   []byte
		logsRaw   []byte
		errMsgPtr *string
	)
	if err := row.Scan(
		&job.ID, &status, &cfgRaw, &progRaw, &logsRaw, &errMsgPtr,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	); err != nil {
		return crawl.Job{}, err
	}
	job.Status = crawl.JobStatus(status)
	if errMsgPtr != nil {
		job.ErrorMessage = *errMsgPtr
	}
	if len(cfgRaw) > 0 {
		if err := json.Unmarshal(cfgRaw, &job.Config); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	if len(progRaw) > 0 {
		if err := json.Unmarshal(progRaw, &job.Progress); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	if len(logsRaw) > 0 {
		if err := json.Unmarshal(logsRaw, &job.Logs); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal job logs: %w", err)
		}
	}
	return job, nil
}

func nonNilLogs(logs []crawl.LogEntry) []crawl.LogEntry {
	if logs == nil {
		return []crawl.LogEntry{}
	}
	return logs
}
