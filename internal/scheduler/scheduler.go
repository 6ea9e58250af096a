// SPDX-License-Identifier: MIT

// Package scheduler bounds the number of concurrently open job streams and
// serializes admission fairly: excess jobs wait in a FIFO queue and are
// promoted as slots free up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
	"github.com/shelfkit/shelfscan/internal/model"
)

// DefaultLimit is the concurrency ceiling when none is configured.
const DefaultLimit = 5

// Hooks carries the callbacks a Runner fires while driving a job.
type Hooks struct {
	// Submitted fires once, immediately after a successful submit, after the
	// job's JobID and AuthToken have been set.
	Submitted func(job *model.ScanJob)
	// Event fires for every stream event, in arrival order.
	Event func(job *model.ScanJob, ev model.StreamEvent)
}

// Outcome is the terminal result of one job run.
type Outcome struct {
	Job *model.ScanJob

	// Terminal is valid when Err is nil and RateLimited is false.
	Terminal model.StreamEvent

	// Err covers exhausted retries, non-retryable submit rejections and
	// cancellation.
	Err error

	// RateLimited means submit hit a 429; the job never started streaming
	// and belongs in the durable queue. RetryAfter is the server's cooldown.
	RateLimited bool
	RetryAfter  time.Duration
}

// Runner drives one job from submit to terminal event. The scheduler is the
// only component that starts runs.
type Runner interface {
	Run(ctx context.Context, job *model.ScanJob, hooks Hooks) Outcome
	// Cleanup releases server-side resources for a submitted job. Callers
	// treat it as fire-and-forget; failures are logged inside.
	Cleanup(jobID, authToken string)
}

type entry struct {
	job     *model.ScanJob
	cancel  context.CancelFunc
	cleanup sync.Once

	// Snapshot of the submit acknowledgement, written via the Submitted hook
	// and guarded by Scheduler.mu. CancelAll reads these instead of the job's
	// own fields, which belong to the run goroutine.
	jobID     string
	authToken string
}

// Scheduler owns the active-job set and the in-memory wait queue.
type Scheduler struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	limit   int
	runner  Runner
	active  map[string]*entry
	waiting []*model.ScanJob

	onTerminal  func(Outcome)
	onEvent     func(*model.ScanJob, model.StreamEvent)
	onSubmitted func(*model.ScanJob)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventHook forwards stream events (progress, segmented previews, ...)
// to a presentation collaborator. Absence degrades silently.
func WithEventHook(fn func(*model.ScanJob, model.StreamEvent)) Option {
	return func(s *Scheduler) { s.onEvent = fn }
}

// WithSubmittedHook fires after each successful submit; the orchestrator uses
// it to delete durable-queue entries once their payload is safely on the
// server.
func WithSubmittedHook(fn func(*model.ScanJob)) Option {
	return func(s *Scheduler) { s.onSubmitted = fn }
}

// New creates a scheduler with the given concurrency ceiling.
func New(limit int, runner Runner, onTerminal func(Outcome), opts ...Option) *Scheduler {
	if limit < 1 {
		limit = DefaultLimit
	}
	s := &Scheduler{
		limit:      limit,
		runner:     runner,
		active:     make(map[string]*entry),
		onTerminal: onTerminal,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start admits the job immediately when a slot is free, otherwise appends it
// to the FIFO wait queue.
func (s *Scheduler) Start(job *model.ScanJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.active[job.LocalID]; dup {
		return
	}
	if len(s.active) < s.limit {
		s.launchLocked(job)
		return
	}
	s.waiting = append(s.waiting, job)
	metrics.SetWaitQueueDepth(len(s.waiting))
	logger := log.WithComponent("scheduler")
	logger.Debug().
		Str(log.FieldLocalID, job.LocalID).
		Int(log.FieldQueueDepth, len(s.waiting)).
		Msg("ceiling reached, job queued")
}

// ActiveCount returns the number of jobs holding a stream slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// WaitingCount returns the number of jobs in the wait queue.
func (s *Scheduler) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// CancelAll tears down every active run and drops all waiting jobs. For each
// active job that reached Submitted, one fire-and-forget cleanup call is
// issued; waiting jobs never acquired server-side resources and get none.
// Idempotent and non-blocking: counts are zero by the time it returns.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.active))
	for _, e := range s.active {
		entries = append(entries, e)
	}
	dropped := len(s.waiting)
	s.active = make(map[string]*entry)
	s.waiting = nil
	metrics.SetActiveStreams(0)
	metrics.SetWaitQueueDepth(0)
	s.mu.Unlock()

	for _, e := range entries {
		s.fireCleanup(e)
		e.cancel()
	}
	if len(entries) > 0 || dropped > 0 {
		logger := log.WithComponent("scheduler")
		logger.Info().
			Int("canceled", len(entries)).
			Int("dropped", dropped).
			Msg("all jobs canceled")
	}
}

// Wait blocks until every launched run has delivered its outcome. Combined
// with CancelAll it gives shutdown a quiesce point before shared resources
// close underneath the outcome handlers.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// launchLocked starts a run for the job. Caller holds s.mu.
func (s *Scheduler) launchLocked(job *model.ScanJob) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{job: job, cancel: cancel}
	s.active[job.LocalID] = e
	metrics.SetActiveStreams(len(s.active))
	s.wg.Add(1)
	go s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer e.cancel()

	hooks := Hooks{
		Submitted: func(j *model.ScanJob) {
			s.mu.Lock()
			e.jobID = j.JobID
			e.authToken = j.AuthToken
			s.mu.Unlock()
			if s.onSubmitted != nil {
				s.onSubmitted(j)
			}
		},
		Event: func(j *model.ScanJob, ev model.StreamEvent) {
			if s.onEvent != nil {
				s.onEvent(j, ev)
			}
		},
	}

	out := s.runner.Run(ctx, e.job, hooks)

	// Exactly one cleanup per job that reached Submitted, however it ended.
	s.fireCleanup(e)

	s.finish(e, out)
}

// fireCleanup issues the job's single cleanup call without blocking. Jobs
// that never reached Submitted have no snapshot and get none.
func (s *Scheduler) fireCleanup(e *entry) {
	s.mu.Lock()
	jobID, token := e.jobID, e.authToken
	s.mu.Unlock()
	if jobID == "" {
		return
	}
	e.cleanup.Do(func() {
		go s.runner.Cleanup(jobID, token)
	})
}

// finish releases the job's slot, promotes the next waiter in FIFO order, and
// reports the outcome.
func (s *Scheduler) finish(e *entry, out Outcome) {
	s.mu.Lock()
	if _, tracked := s.active[e.job.LocalID]; tracked {
		delete(s.active, e.job.LocalID)
		metrics.SetActiveStreams(len(s.active))
		if len(s.waiting) > 0 {
			next := s.waiting[0]
			s.waiting = s.waiting[1:]
			metrics.SetWaitQueueDepth(len(s.waiting))
			s.launchLocked(next)
		}
	}
	s.mu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal(out)
	}
}
