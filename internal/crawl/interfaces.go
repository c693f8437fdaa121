package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a guarded state transition matched no row,
// which means the item was not in the expected state. Callers treat it as
// a duplicate or ghost signal, not a failure.
var ErrConflict = errors.New("state transition conflict")

// QueueStore is the durable crawl queue (one row per unit of work).
type QueueStore interface {
	// Enqueue inserts the item. Duplicate (job_id, url) pairs are dropped
	// silently; the returned bool reports whether a row was inserted.
	Enqueue(ctx context.Context, item QueueItem) (bool, error)
	// ClaimNextReady returns one pending item whose next_attempt_at has
	// elapsed, lowest priority first and uniformly random within a tier.
	// Returns ErrNotFound when nothing is ready.
	ClaimNextReady(ctx context.Context, jobID string, now time.Time) (QueueItem, error)
	Get(ctx context.Context, itemID string) (QueueItem, error)
	// MarkSubmitted transitions pending -> submitted; ErrConflict if the
	// item is not pending.
	MarkSubmitted(ctx context.Context, itemID string, now time.Time) error
	// MarkCompleted transitions submitted -> completed.
	MarkCompleted(ctx context.Context, itemID string, now time.Time) error
	// ScheduleRetry transitions submitted -> pending with an incremented
	// retry count and the given next attempt time.
	ScheduleRetry(ctx context.Context, itemID string, nextAttempt time.Time, errMsg string) error
	// MarkFailed transitions submitted -> failed (terminal).
	MarkFailed(ctx context.Context, itemID string, now time.Time, errMsg string) error
	CountByState(ctx context.Context, jobID string) (map[ItemStatus]int, error)
	// CountReady counts pending items whose next_attempt_at has elapsed.
	CountReady(ctx context.Context, jobID string, now time.Time) (int, error)
	// CountWaitingRetry counts pending items still inside their backoff.
	CountWaitingRetry(ctx context.Context, jobID string, now time.Time) (int, error)
	// CountDiscoveryInFlight counts submitted search/pagination items.
	CountDiscoveryInFlight(ctx context.Context, jobID string) (int, error)
	// ReviveStale returns submitted items older than the cutoff to pending
	// with an incremented retry count, reporting how many were revived.
	ReviveStale(ctx context.Context, cutoff, now time.Time) (int, error)
	// JobsWithReady lists distinct job ids that have ready pending items.
	JobsWithReady(ctx context.Context, now time.Time) ([]string, error)
}

// JobStore persists crawl jobs, their progress bundles, and operator logs.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	// SetStatus performs a guarded status transition. The from set lists
	// acceptable current statuses; ErrConflict if none match.
	SetStatus(ctx context.Context, jobID string, to JobStatus, from []JobStatus, errMsg string, at time.Time) error
	MarkStarted(ctx context.Context, jobID string, at time.Time) error
	// ApplyProgress atomically increments the progress counters.
	ApplyProgress(ctx context.Context, jobID string, delta Progress) error
	// AppendLog appends to the job's bounded operator log ring.
	AppendLog(ctx context.Context, jobID, level, msg string, at time.Time) error
	Logs(ctx context.Context, jobID string) ([]LogEntry, error)
}

// ExclusionStore persists the process-wide exclusion rules.
type ExclusionStore interface {
	List(ctx context.Context, kind RuleKind) ([]ExclusionRule, error)
	Create(ctx context.Context, rule ExclusionRule) (ExclusionRule, error)
	Delete(ctx context.Context, id string) error
}

// DedupIndex answers whether catalog product ids already exist downstream.
type DedupIndex interface {
	// Existing returns the subset of ids already persisted.
	Existing(ctx context.Context, ids []string) (map[string]bool, error)
	// Remember records ids that were just persisted so later lookups can
	// short-circuit. Best effort; failures are non-fatal.
	Remember(ctx context.Context, ids ...string)
}

// Fetcher submits URLs to the remote browser fetcher. Results arrive
// asynchronously on the webhook, correlated by post id.
type Fetcher interface {
	Submit(ctx context.Context, url, postID string) error
}

// Scorer is the downstream scoring collaborator. Submit hands over an
// admitted candidate; accepted is false when the product id was already
// persisted.
type Scorer interface {
	Submit(ctx context.Context, c Candidate) (accepted bool, err error)
}

// Publisher pushes events to a topic (Pub/Sub or an in-memory recorder).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives raw payload bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Kicker wakes a job's pacing timeline. Kicks are edge-triggered and
// collapsing; discovery=true bypasses the warm-up gate for that wake.
type Kicker interface {
	Kick(jobID string, delay time.Duration, discovery bool)
}

// Clock returns the current time; injected so tests control it.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints identifiers for jobs and queue items.
type IDGenerator interface {
	// JobID returns a short opaque job identifier.
	JobID() string
	// ItemID returns a dash-free queue item identifier, safe to embed in
	// correlation ids.
	ItemID() string
}
