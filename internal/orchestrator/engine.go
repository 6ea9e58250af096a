// SPDX-License-Identifier: MIT

// Package orchestrator wires the capture pipeline to the scheduler, the
// cooldown tracker, the durable queue and the catalog sink. It is the only
// component the surrounding application talks to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shelfkit/shelfscan/internal/config"
	"github.com/shelfkit/shelfscan/internal/cooldown"
	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/queue"
	"github.com/shelfkit/shelfscan/internal/scanapi"
	"github.com/shelfkit/shelfscan/internal/scheduler"
	"github.com/shelfkit/shelfscan/internal/stream"
)

// CatalogSink receives exactly one terminal callback per job.
type CatalogSink interface {
	OnBooks(jobID string, books []model.Book)
	OnFailure(jobID string, reason string)
}

// ProgressSink receives intermediate events for live feedback. Optional;
// absence degrades silently.
type ProgressSink interface {
	OnStreamEvent(jobID string, ev model.StreamEvent)
}

// Engine is the capture-side entry point.
type Engine struct {
	cfg      config.Config
	api      *scanapi.Client
	tracker  *cooldown.Tracker
	store    *queue.Queue
	sched    *scheduler.Scheduler
	catalog  CatalogSink
	progress ProgressSink

	mu            sync.Mutex
	finished      map[string]struct{}
	finishedOrder []string
	// reserved holds durable-queue handles whose payloads are currently
	// owned by a scheduled job, so an overlapping drain sweep cannot
	// resubmit them.
	reserved map[string]struct{}

	drainLimiter *rate.Limiter
	draining     atomic.Bool
	closed       atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithProgressSink attaches a presentation collaborator.
func WithProgressSink(p ProgressSink) Option {
	return func(e *Engine) { e.progress = p }
}

// WithTracker substitutes the cooldown tracker, for tests.
func WithTracker(t *cooldown.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithQueue substitutes an already-open durable queue.
func WithQueue(q *queue.Queue) Option {
	return func(e *Engine) { e.store = q }
}

// New builds the engine: API client, stream consumer, durable queue,
// cooldown tracker and scheduler, wired together.
func New(cfg config.Config, catalog CatalogSink, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, errors.New("orchestrator: catalog sink is required")
	}

	e := &Engine{
		cfg:          cfg,
		catalog:      catalog,
		finished:     make(map[string]struct{}),
		reserved:     make(map[string]struct{}),
		drainLimiter: rate.NewLimiter(rate.Limit(cfg.DrainRatePerSec), 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.tracker == nil {
		e.tracker = cooldown.New()
	}
	if e.store == nil {
		q, err := queue.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		e.store = q
	}

	apiOpts := []scanapi.Option{scanapi.WithTimeout(cfg.ConnectTimeout)}
	if cfg.EnableTracing {
		apiOpts = append(apiOpts, scanapi.WithTracing())
	}
	e.api = scanapi.New(cfg.BaseURL, cfg.DeviceID, apiOpts...)

	consumer := stream.NewConsumer(e.api,
		stream.WithAttempts(cfg.StreamAttempts),
		stream.WithBackoffBase(cfg.BackoffBase),
	)
	runner := newStreamRunner(e.api, consumer, cfg.StreamAttempts, cfg.BackoffBase)

	e.sched = scheduler.New(cfg.MaxConcurrentStreams, runner, e.handleOutcome,
		scheduler.WithSubmittedHook(e.handleSubmitted),
		scheduler.WithEventHook(e.handleEvent),
	)
	return e, nil
}

// Admission reports where a capture went.
type Admission struct {
	// LocalID identifies the job when it was admitted to the scheduler.
	LocalID string
	// Queued is true when the capture was deferred to the durable queue;
	// QueueHandle then identifies the stored payload.
	Queued      bool
	QueueHandle string
}

// HandleCapture admits one capture: during an active cooldown the payload is
// persisted for later, otherwise a scan job is built and handed to the
// scheduler.
func (e *Engine) HandleCapture(ctx context.Context, image []byte) (Admission, error) {
	if e.closed.Load() {
		return Admission{}, errors.New("orchestrator: engine is closed")
	}
	if len(image) == 0 {
		return Admission{}, errors.New("orchestrator: empty capture")
	}

	if !e.tracker.Admit() {
		handle, err := e.store.Enqueue(model.QueuedPayload{
			Image:      image,
			DeviceID:   e.cfg.DeviceID,
			EnqueuedAt: time.Now(),
		})
		if err != nil {
			return Admission{}, err
		}
		e.tracker.AddToBacklog()
		logger := log.WithComponentFromContext(ctx, "orchestrator")
		logger.Info().
			Str(log.FieldHandle, handle).
			Dur("cooldown_remaining", e.tracker.SecondsRemaining()).
			Msg("capture deferred to durable queue")
		return Admission{Queued: true, QueueHandle: handle}, nil
	}

	job := e.newJob(image, "")
	e.sched.Start(job)

	// An accepted Admit call is also a recovery observation: sweep anything
	// deferred during the last cooldown.
	e.maybeDrain()

	return Admission{LocalID: job.LocalID}, nil
}

// NotifyOnline tells the engine connectivity came back; it sweeps the durable
// queue in the background.
func (e *Engine) NotifyOnline() {
	e.maybeDrain()
}

// DrainQueue resubmits every durable payload through the normal scheduling
// path, paced to avoid walking straight back into a rate limit. Entries are
// removed only when their submit succeeds. Concurrent calls collapse into one
// sweep.
func (e *Engine) DrainQueue(ctx context.Context) error {
	if e.closed.Load() {
		return nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	entries, err := e.store.DrainAll()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	logger := log.WithComponent("orchestrator")
	logger.Info().Int(log.FieldQueueDepth, len(entries)).Msg("draining durable queue")

	for _, ent := range entries {
		// Entries whose payload is already riding a scheduled job (an
		// earlier sweep admitted them; removal happens on submit success)
		// must not be submitted a second time.
		if !e.reserveHandle(ent.Handle) {
			continue
		}
		if err := e.drainLimiter.Wait(ctx); err != nil {
			e.releaseHandle(ent.Handle)
			return fmt.Errorf("orchestrator: drain interrupted: %w", err)
		}
		if !e.tracker.Admit() {
			e.releaseHandle(ent.Handle)
			logger.Info().Msg("drain paused, cooldown active again")
			return nil
		}
		job := e.newJob(ent.Payload.Image, ent.Handle)
		e.sched.Start(job)
	}
	return nil
}

// reserveHandle claims a durable entry for a scheduled job; false means some
// in-flight job already owns it.
func (e *Engine) reserveHandle(handle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.reserved[handle]; taken {
		return false
	}
	e.reserved[handle] = struct{}{}
	return true
}

func (e *Engine) releaseHandle(handle string) {
	if handle == "" {
		return
	}
	e.mu.Lock()
	delete(e.reserved, handle)
	e.mu.Unlock()
}

// CancelAll tears down every active stream with best-effort cleanup and drops
// all waiting jobs. Queued durable payloads are untouched.
func (e *Engine) CancelAll() {
	e.sched.CancelAll()
	// Dropped waiters never produce an outcome, so their durable entries
	// must become drainable again here.
	e.mu.Lock()
	e.reserved = make(map[string]struct{})
	e.mu.Unlock()
}

// Scheduler exposes admission counts for diagnostics.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Cooldown exposes the rate-limit tracker, e.g. for countdown display.
func (e *Engine) Cooldown() *cooldown.Tracker { return e.tracker }

// Close cancels all work, waits for the in-flight runs to deliver their
// outcomes, then releases the durable store. The wait keeps the outcome
// handlers from touching a closed badger instance.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.sched.CancelAll()
	e.sched.Wait()
	return e.store.Close()
}

func (e *Engine) newJob(image []byte, queueHandle string) *model.ScanJob {
	return &model.ScanJob{
		LocalID:     uuid.NewString(),
		Image:       image,
		DeviceID:    e.cfg.DeviceID,
		State:       model.JobQueued,
		CreatedAt:   time.Now(),
		QueueHandle: queueHandle,
	}
}

// handleSubmitted deletes a drained entry once its payload is safely on the
// server. Fresh captures have no handle.
func (e *Engine) handleSubmitted(job *model.ScanJob) {
	if job.QueueHandle == "" {
		return
	}
	defer e.releaseHandle(job.QueueHandle)
	if err := e.store.Remove(job.QueueHandle); err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Warn().
			Err(err).
			Str(log.FieldHandle, job.QueueHandle).
			Msg("durable entry removal failed; payload may submit twice")
	}
}

// handleEvent forwards intermediate events to the progress sink.
func (e *Engine) handleEvent(job *model.ScanJob, ev model.StreamEvent) {
	if e.progress == nil {
		return
	}
	switch ev.Kind {
	case model.EventPing, model.EventUnknown:
		return
	}
	if ev.Terminal() {
		return
	}
	e.progress.OnStreamEvent(job.JobID, ev)
}

// handleOutcome is the single terminal path for every job. Duplicate
// terminals for an already-finished job are no-ops.
func (e *Engine) handleOutcome(out scheduler.Outcome) {
	job := out.Job
	// A drained job is done with its durable entry either way: submit
	// success removed it, submit failure leaves it for the next sweep.
	e.releaseHandle(job.QueueHandle)
	logger := log.WithComponent("orchestrator").With().
		Str(log.FieldLocalID, job.LocalID).
		Str(log.FieldJobID, job.JobID).
		Logger()

	if out.RateLimited {
		e.tracker.RecordRateLimit(out.RetryAfter)
		// Jobs drained from the durable queue still have their entry on
		// disk; only fresh captures need persisting.
		if job.QueueHandle == "" {
			if _, err := e.store.Enqueue(model.QueuedPayload{
				Image:      job.Image,
				DeviceID:   job.DeviceID,
				EnqueuedAt: time.Now(),
			}); err != nil {
				logger.Error().Err(err).Msg("failed to persist rate-limited capture")
			}
		}
		e.tracker.AddToBacklog()
		return
	}

	if !e.markFinished(job.LocalID) {
		logger.Debug().Msg("duplicate terminal for finished job, ignoring")
		return
	}

	if out.Err != nil {
		if errors.Is(out.Err, context.Canceled) {
			metrics.RecordTerminal("canceled")
			logger.Info().Msg("job canceled")
			return
		}
		metrics.RecordTerminal("exhausted")
		e.catalog.OnFailure(job.JobID, failureReason(out.Err))
		e.maybeDrain()
		return
	}

	switch out.Terminal.Kind {
	case model.EventCompleted:
		metrics.RecordTerminal("completed")
		logger.Info().Int("books", len(out.Terminal.Books)).Msg("scan completed")
		e.catalog.OnBooks(job.JobID, out.Terminal.Books)
	case model.EventCanceled:
		metrics.RecordTerminal("canceled")
		e.catalog.OnFailure(job.JobID, "scan canceled by service")
	default:
		metrics.RecordTerminal("error")
		e.catalog.OnFailure(job.JobID, failureReasonFromEvent(out.Terminal))
	}
	e.maybeDrain()
}

// finishedHistory bounds the duplicate-terminal suppression window. Duplicate
// deliveries arrive on the heels of the first one, so only recent jobs need
// remembering; without the bound the set grows for the process lifetime.
const finishedHistory = 1024

// markFinished records a terminal for the job; false means it already had one.
func (e *Engine) markFinished(localID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.finished[localID]; done {
		return false
	}
	e.finished[localID] = struct{}{}
	e.finishedOrder = append(e.finishedOrder, localID)
	if len(e.finishedOrder) > finishedHistory {
		oldest := e.finishedOrder[0]
		e.finishedOrder = e.finishedOrder[1:]
		delete(e.finished, oldest)
	}
	return true
}

// maybeDrain starts a background sweep when deferred work exists and the
// cooldown allows it.
func (e *Engine) maybeDrain() {
	if e.closed.Load() || e.draining.Load() {
		return
	}
	n, err := e.store.Len()
	if err != nil || n == 0 {
		return
	}
	if !e.tracker.Admit() {
		return
	}
	go func() {
		if err := e.DrainQueue(context.Background()); err != nil {
			logger := log.WithComponent("orchestrator")
			logger.Warn().Err(err).Msg("queue drain failed")
		}
	}()
}

// failureReason produces a distinguishable, user-presentable reason string.
func failureReason(err error) string {
	switch {
	case errors.Is(err, stream.ErrExhausted):
		return "connection lost during processing; please retry"
	case errors.Is(err, scanapi.ErrRateLimited):
		return "service is busy; try again shortly"
	case errors.Is(err, scanapi.ErrClient):
		var apiErr *scanapi.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return "submission rejected: " + apiErr.Message
		}
		return "submission rejected by service"
	case errors.Is(err, scanapi.ErrBadResponse):
		return "service returned an unreadable response"
	default:
		return "scan failed: " + err.Error()
	}
}

func failureReasonFromEvent(ev model.StreamEvent) string {
	if ev.Message != "" {
		if ev.Code != "" {
			return fmt.Sprintf("recognition failed: %s (%s)", ev.Message, ev.Code)
		}
		return "recognition failed: " + ev.Message
	}
	return "recognition failed"
}
