// Package crawltest provides in-memory implementations of the crawl
// interfaces for tests.
package crawltest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// Clock is a manually advanced test clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock pinned at t0.
func NewClock(t0 time.Time) *Clock {
	return &Clock{now: t0}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// IDs mints deterministic sequential identifiers.
type IDs struct {
	mu    sync.Mutex
	jobs  int
	items int
}

// NewIDs returns a fresh generator.
func NewIDs() *IDs {
	return &IDs{}
}

// JobID returns job1, job2, ...
func (g *IDs) JobID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs++
	return fmt.Sprintf("job%d", g.jobs)
}

// ItemID returns item1, item2, ... (dash-free, correlation-safe).
func (g *IDs) ItemID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items++
	return fmt.Sprintf("item%d", g.items)
}

// Kick records one Kicker.Kick call.
type Kick struct {
	JobID     string
	Delay     time.Duration
	Discovery bool
}

// Kicker records kicks instead of scheduling anything.
type Kicker struct {
	mu    sync.Mutex
	kicks []Kick
}

// NewKicker returns an empty recorder.
func NewKicker() *Kicker {
	return &Kicker{}
}

// Kick records the call.
func (k *Kicker) Kick(jobID string, delay time.Duration, discovery bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicks = append(k.kicks, Kick{JobID: jobID, Delay: delay, Discovery: discovery})
}

// Kicks returns a copy of the recorded calls.
func (k *Kicker) Kicks() []Kick {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Kick, len(k.kicks))
	copy(out, k.kicks)
	return out
}

// Submission records one Fetcher.Submit call.
type Submission struct {
	URL    string
	PostID string
}

// Fetcher records submissions and can be told to fail.
type Fetcher struct {
	mu          sync.Mutex
	submissions []Submission
	// Err, when set, fails every Submit.
	Err error
	// FailPostIDs fails specific correlation ids once each.
	FailPostIDs map[string]error
}

// NewFetcher returns an empty recorder.
func NewFetcher() *Fetcher {
	return &Fetcher{FailPostIDs: map[string]error{}}
}

// Submit records the call or returns the configured failure.
func (f *Fetcher) Submit(_ context.Context, url, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if err, ok := f.FailPostIDs[postID]; ok {
		delete(f.FailPostIDs, postID)
		return err
	}
	f.submissions = append(f.submissions, Submission{URL: url, PostID: postID})
	return nil
}

// Submissions returns a copy of recorded submissions.
func (f *Fetcher) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// Dedup is a fixed set of already-persisted product ids.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewDedup seeds the index with ids.
func NewDedup(ids ...string) *Dedup {
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	return &Dedup{seen: seen}
}

// Existing reports which ids are persisted.
func (d *Dedup) Existing(_ context.Context, ids []string) (map[string]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if d.seen[id] {
			out[id] = true
		}
	}
	return out, nil
}

// Remember marks ids as persisted.
func (d *Dedup) Remember(_ context.Context, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.seen[id] = true
	}
}

// Scorer accepts every candidate not already submitted.
type Scorer struct {
	mu         sync.Mutex
	candidates []crawl.Candidate
	accepted   map[string]bool
	// Err, when set, fails every Submit.
	Err error
}

// NewScorer returns an empty Scorer.
func NewScorer() *Scorer {
	return &Scorer{accepted: map[string]bool{}}
}

// Submit records the candidate; duplicates by product id are rejected.
func (s *Scorer) Submit(_ context.Context, c crawl.Candidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	s.candidates = append(s.candidates, c)
	if s.accepted[c.Product.ID] {
		return false, nil
	}
	s.accepted[c.Product.ID] = true
	return true, nil
}

// Candidates returns a copy of everything submitted.
func (s *Scorer) Candidates() []crawl.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawl.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out
}

// QueueStore is an in-memory crawl.QueueStore with the same transition
// guards as the Postgres implementation.
type QueueStore struct {
	mu    sync.Mutex
	items map[string]*crawl.QueueItem
	order []string
}

// NewQueueStore returns an empty store.
func NewQueueStore() *QueueStore {
	return &QueueStore{items: map[string]*crawl.QueueItem{}}
}

// Enqueue inserts unless (job, url) already exists.
func (s *QueueStore) Enqueue(_ context.Context, item crawl.QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		existing := s.items[id]
		if existing.JobID == item.JobID && existing.URL == item.URL {
			return false, nil
		}
	}
	item.Status = crawl.ItemPending
	cp := item
	s.items[item.ID] = &cp
	s.order = append(s.order, item.ID)
	return true, nil
}

func (s *QueueStore) ready(item *crawl.QueueItem, now time.Time) bool {
	return item.Status == crawl.ItemPending &&
		(item.NextAttemptAt == nil || !item.NextAttemptAt.After(now))
}

// ClaimNextReady picks lowest priority first, random within the tier.
func (s *QueueStore) ClaimNextReady(_ context.Context, jobID string, now time.Time) (crawl.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*crawl.QueueItem
	best := 0
	for _, id := range s.order {
		item := s.items[id]
		if item.JobID != jobID || !s.ready(item, now) {
			continue
		}
		switch {
		case len(candidates) == 0 || item.Priority < best:
			candidates = []*crawl.QueueItem{item}
			best = item.Priority
		case item.Priority == best:
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return crawl.QueueItem{}, crawl.ErrNotFound
	}
	return *candidates[rand.IntN(len(candidates))], nil
}

// Get returns a copy of the item.
func (s *QueueStore) Get(_ context.Context, itemID string) (crawl.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return crawl.QueueItem{}, crawl.ErrNotFound
	}
	return *item, nil
}

func (s *QueueStore) transition(itemID string, from, to crawl.ItemStatus, mutate func(*crawl.QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.Status != from {
		return crawl.ErrConflict
	}
	item.Status = to
	if mutate != nil {
		mutate(item)
	}
	return nil
}

// MarkSubmitted transitions pending -> submitted.
func (s *QueueStore) MarkSubmitted(_ context.Context, itemID string, now time.Time) error {
	return s.transition(itemID, crawl.ItemPending, crawl.ItemSubmitted, func(i *crawl.QueueItem) {
		t := now
		i.SubmittedAt = &t
	})
}

// MarkCompleted transitions submitted -> completed.
func (s *QueueStore) MarkCompleted(_ context.Context, itemID string, now time.Time) error {
	return s.transition(itemID, crawl.ItemSubmitted, crawl.ItemCompleted, func(i *crawl.QueueItem) {
		t := now
		i.CompletedAt = &t
	})
}

// ScheduleRetry transitions submitted -> pending with backoff.
func (s *QueueStore) ScheduleRetry(_ context.Context, itemID string, next time.Time, errMsg string) error {
	return s.transition(itemID, crawl.ItemSubmitted, crawl.ItemPending, func(i *crawl.QueueItem) {
		i.RetryCount++
		t := next
		i.NextAttemptAt = &t
		i.ErrorMessage = errMsg
	})
}

// MarkFailed transitions submitted -> failed.
func (s *QueueStore) MarkFailed(_ context.Context, itemID string, now time.Time, errMsg string) error {
	return s.transition(itemID, crawl.ItemSubmitted, crawl.ItemFailed, func(i *crawl.QueueItem) {
		t := now
		i.CompletedAt = &t
		i.ErrorMessage = errMsg
	})
}

// CountByState groups the job's items by status.
func (s *QueueStore) CountByState(_ context.Context, jobID string) (map[crawl.ItemStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[crawl.ItemStatus]int{
		crawl.ItemPending:   0,
		crawl.ItemSubmitted: 0,
		crawl.ItemCompleted: 0,
		crawl.ItemFailed:    0,
	}
	for _, id := range s.order {
		if s.items[id].JobID == jobID {
			counts[s.items[id].Status]++
		}
	}
	return counts, nil
}

// CountReady counts pending items past their next attempt time.
func (s *QueueStore) CountReady(_ context.Context, jobID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		item := s.items[id]
		if item.JobID == jobID && s.ready(item, now) {
			n++
		}
	}
	return n, nil
}

// CountWaitingRetry counts pending items inside their backoff window.
func (s *QueueStore) CountWaitingRetry(_ context.Context, jobID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		item := s.items[id]
		if item.JobID == jobID && item.Status == crawl.ItemPending &&
			item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			n++
		}
	}
	return n, nil
}

// CountDiscoveryInFlight counts submitted search/pagination items.
func (s *QueueStore) CountDiscoveryInFlight(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		item := s.items[id]
		if item.JobID == jobID && item.Status == crawl.ItemSubmitted &&
			(item.Kind == crawl.KindSearch || item.Kind == crawl.KindPagination) {
			n++
		}
	}
	return n, nil
}

// ReviveStale returns aged submitted items to pending.
func (s *QueueStore) ReviveStale(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revived := 0
	for _, id := range s.order {
		item := s.items[id]
		if item.Status != crawl.ItemSubmitted || item.SubmittedAt == nil || !item.SubmittedAt.Before(cutoff) {
			continue
		}
		item.Status = crawl.ItemPending
		item.RetryCount++
		t := now
		item.NextAttemptAt = &t
		item.ErrorMessage = "submission aged out"
		revived++
	}
	return revived, nil
}

// JobsWithReady lists jobs with at least one ready item.
func (s *QueueStore) JobsWithReady(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, id := range s.order {
		item := s.items[id]
		if s.ready(item, now) && !seen[item.JobID] {
			seen[item.JobID] = true
			out = append(out, item.JobID)
		}
	}
	return out, nil
}

// Items returns copies of the job's items.
func (s *QueueStore) Items(jobID string) []crawl.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.QueueItem
	for _, id := range s.order {
		if s.items[id].JobID == jobID {
			out = append(out, *s.items[id])
		}
	}
	return out
}

// JobStore is an in-memory crawl.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*crawl.Job
}

// NewJobStore returns an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]*crawl.Job{}}
}

// Create inserts the job.
func (s *JobStore) Create(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := job
	s.jobs[job.ID] = &cp
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return *job, nil
}

// List returns jobs newest first.
func (s *JobStore) List(_ context.Context, limit int) ([]crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.Job
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatus performs a guarded transition.
func (s *JobStore) SetStatus(_ context.Context, jobID string, to crawl.JobStatus, from []crawl.JobStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrConflict
	}
	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return crawl.ErrConflict
	}
	job.Status = to
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if to.Terminal() {
		t := at
		job.CompletedAt = &t
	}
	return nil
}

// MarkStarted transitions pending -> running.
func (s *JobStore) MarkStarted(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != crawl.JobPending {
		return crawl.ErrConflict
	}
	job.Status = crawl.JobRunning
	t := at
	job.StartedAt = &t
	return nil
}

// ApplyProgress increments counters.
func (s *JobStore) ApplyProgress(_ context.Context, jobID string, delta crawl.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.Progress.Add(delta)
	return nil
}

// AppendLog appends to the log ring.
func (s *JobStore) AppendLog(_ context.Context, jobID, level, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.Logs = append(job.Logs, crawl.LogEntry{TS: at, Level: level, Msg: msg})
	return nil
}

// Logs returns the log ring.
func (s *JobStore) Logs(_ context.Context, jobID string) ([]crawl.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, crawl.ErrNotFound
	}
	out := make([]crawl.LogEntry, len(job.Logs))
	copy(out, job.Logs)
	return out, nil
}
