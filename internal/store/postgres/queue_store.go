package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

const queueColumns = `id, job_id, url, url_type, keyword, priority, status,
	retry_count, next_attempt_at, error_message, created_at, submitted_at, completed_at`

// QueueStore is the durable crawl queue backed by the crawl_queue table.
type QueueStore struct {
	pool       Pool
	maxRetries int
}

// NewQueueStore creates a QueueStore. maxRetries bounds retry_count when the
// sweeper revives stale submissions.
func NewQueueStore(pool Pool, maxRetries int) *QueueStore {
	return &QueueStore{pool: pool, maxRetries: maxRetries}
}

// Enqueue inserts the item, silently dropping duplicate (job_id, url) pairs.
func (s *QueueStore) Enqueue(ctx context.Context, item crawl.QueueItem) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_queue (id, job_id, url, url_type, keyword, priority, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7)
		ON CONFLICT ON CONSTRAINT crawl_queue_job_url_unique DO NOTHING`,
		item.ID, item.JobID, item.URL, item.Kind, item.Keyword, item.Priority, item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimNextReady picks one ready pending item: lowest priority tier first,
// uniformly random within the tier so submission order never mirrors
// insertion order. The row is locked with SKIP LOCKED so concurrent
// claimers cannot collide.
func (s *QueueStore) ClaimNextReady(ctx context.Context, jobID string, now time.Time) (crawl.QueueItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawl.QueueItem{}, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM crawl_queue
		WHERE job_id = $1
		  AND status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY priority ASC, random()
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		jobID, now,
	)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.QueueItem{}, crawl.ErrNotFound
		}
		return crawl.QueueItem{}, fmt.Errorf("claim next ready: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawl.QueueItem{}, fmt.Errorf("commit claim: %w", err)
	}
	return item, nil
}

// Get fetches one item by id.
func (s *QueueStore) Get(ctx context.Context, itemID string) (crawl.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM crawl_queue WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.QueueItem{}, crawl.ErrNotFound
		}
		return crawl.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// MarkSubmitted transitions pending -> submitted.
func (s *QueueStore) MarkSubmitted(ctx context.Context, itemID string, now time.Time) error {
	return s.guardedExec(ctx, "mark submitted", `
		UPDATE crawl_queue
		SET status = 'submitted', submitted_at = $2
		WHERE id = $1 AND status = 'pending'`,
		itemID, now)
}

// MarkCompleted transitions submitted -> completed.
func (s *QueueStore) MarkCompleted(ctx context.Context, itemID string, now time.Time) error {
	return s.guardedExec(ctx, "mark completed", `
		UPDATE crawl_queue
		SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = 'submitted'`,
		itemID, now)
}

// ScheduleRetry transitions submitted -> pending with an incremented retry
// count and the next attempt time.
func (s *QueueStore) ScheduleRetry(ctx context.Context, itemID string, nextAttempt time.Time, errMsg string) error {
	return s.guardedExec(ctx, "schedule retry", `
		UPDATE crawl_queue
		SET status = 'pending', retry_count = retry_count + 1,
		    next_attempt_at = $2, error_message = $3
		WHERE id = $1 AND status = 'submitted'`,
		itemID, nextAttempt, errMsg)
}

// MarkFailed transitions submitted -> failed.
func (s *QueueStore) MarkFailed(ctx context.Context, itemID string, now time.Time, errMsg string) error {
	return s.guardedExec(ctx, "mark failed", `
		UPDATE crawl_queue
		SET status = 'failed', completed_at = $2, error_message = $3
		WHERE id = $1 AND status = 'submitted'`,
		itemID, now, errMsg)
}

func (s *QueueStore) guardedExec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrConflict
	}
	return nil
}

// CountByState groups the job's items by status.
func (s *QueueStore) CountByState(ctx context.Context, jobID string) (map[crawl.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM crawl_queue WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := map[crawl.ItemStatus]int{
		crawl.ItemPending:   0,
		crawl.ItemSubmitted: 0,
		crawl.ItemCompleted: 0,
		crawl.ItemFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[crawl.ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return counts, nil
}

// CountReady counts pending items whose next attempt time has elapsed.
func (s *QueueStore) CountReady(ctx context.Context, jobID string, now time.Time) (int, error) {
	return s.countWhere(ctx, `
		SELECT COUNT(*) FROM crawl_queue
		WHERE job_id = $1 AND status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)`,
		jobID, now)
}

// CountWaitingRetry counts pending items still inside their backoff window.
func (s *QueueStore) CountWaitingRetry(ctx context.Context, jobID string, now time.Time) (int, error) {
	return s.countWhere(ctx, `
		SELECT COUNT(*) FROM crawl_queue
		WHERE job_id = $1 AND status = 'pending' AND next_attempt_at > $2`,
		jobID, now)
}

// CountDiscoveryInFlight counts submitted search and pagination items.
func (s *QueueStore) CountDiscoveryInFlight(ctx context.Context, jobID string) (int, error) {
	return s.countWhere(ctx, `
		SELECT COUNT(*) FROM crawl_queue
		WHERE job_id = $1 AND status = 'submitted' AND url_type IN ('search', 'pagination')`,
		jobID)
}

func (s *QueueStore) countWhere(ctx context.Context, sql string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// ReviveStale returns submitted items older than the cutoff to pending.
// Items already at the retry ceiling fail instead, keeping retry_count
// within bounds.
func (s *QueueStore) ReviveStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE crawl_queue
		SET status = 'failed', completed_at = $2, error_message = 'submission aged out'
		WHERE status = 'submitted' AND submitted_at < $1 AND retry_count >= $3`,
		cutoff, now, s.maxRetries,
	); err != nil {
		return 0, fmt.Errorf("fail stale submissions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_queue
		SET status = 'pending', retry_count = retry_count + 1,
		    next_attempt_at = $2, error_message = 'submission aged out'
		WHERE status = 'submitted' AND submitted_at < $1 AND retry_count < $3`,
		cutoff, now, s.maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("revive stale submissions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// JobsWithReady lists distinct job ids that have ready pending items.
func (s *QueueStore) JobsWithReady(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT job_id FROM crawl_queue
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)`,
		now)
	if err != nil {
		return nil, fmt.Errorf("jobs with ready items: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return out, nil
}

func scanItem(row pgx.Row) (crawl.QueueItem, error) {
	var (
		item    crawl.QueueItem
		kind    string
		status  string
		keyword *string
		errMsg  *string
	)
	err := row.Scan(
		&item.ID, &item.JobID, &item.URL, &kind, &keyword, &item.Priority,
		&status, &item.RetryCount, &item.NextAttemptAt, &errMsg,
		&item.CreatedAt, &item.SubmittedAt, &item.CompletedAt,
	)
	if err != nil {
		return crawl.QueueItem{}, err
	}
	item.Kind = crawl.URLKind(kind)
	item.Status = crawl.ItemStatus(status)
	if keyword != nil {
		item.Keyword = *keyword
	}
	if errMsg != nil {
		item.ErrorMessage = *errMsg
	}
	return item, nil
}
