// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/scanapi"
	"github.com/shelfkit/shelfscan/internal/scheduler"
	"github.com/shelfkit/shelfscan/internal/stream"
)

const cleanupTimeout = 10 * time.Second

// streamRunner is the production scheduler.Runner: submit the capture, then
// consume the job's stream to its terminal event.
type streamRunner struct {
	api            *scanapi.Client
	consumer       *stream.Consumer
	submitAttempts int
	backoffBase    time.Duration
}

func newStreamRunner(api *scanapi.Client, consumer *stream.Consumer, attempts int, base time.Duration) *streamRunner {
	return &streamRunner{
		api:            api,
		consumer:       consumer,
		submitAttempts: attempts,
		backoffBase:    base,
	}
}

func (r *streamRunner) Run(ctx context.Context, job *model.ScanJob, hooks scheduler.Hooks) scheduler.Outcome {
	logger := log.WithComponent("runner").With().Str(log.FieldLocalID, job.LocalID).Logger()

	ack, err := r.submitWithRetry(ctx, job.Image)
	if err != nil {
		if errors.Is(err, scanapi.ErrRateLimited) {
			metrics.RecordSubmission("rate_limited")
			logger.Warn().Dur("retry_after", scanapi.RetryAfter(err)).Msg("submit rate limited")
			return scheduler.Outcome{Job: job, RateLimited: true, RetryAfter: scanapi.RetryAfter(err)}
		}
		if errors.Is(err, scanapi.ErrClient) || errors.Is(err, scanapi.ErrBadResponse) {
			metrics.RecordSubmission("client_error")
		} else {
			metrics.RecordSubmission("upstream_error")
		}
		job.State = model.JobFailed
		logger.Error().Err(err).Msg("submit failed")
		return scheduler.Outcome{Job: job, Err: err}
	}
	metrics.RecordSubmission("accepted")

	// Set exactly once, never mutated afterwards.
	job.JobID = ack.JobID
	job.AuthToken = ack.AuthToken
	job.SSEURL = ack.SSEURL
	job.StatusURL = ack.StatusURL
	job.State = model.JobSubmitted
	if hooks.Submitted != nil {
		hooks.Submitted(job)
	}
	logger.Info().Str(log.FieldJobID, job.JobID).Msg("scan submitted")

	job.State = model.JobStreaming
	events := make(chan model.StreamEvent, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range events {
			if hooks.Event != nil {
				hooks.Event(job, ev)
			}
		}
	}()

	term, err := r.consumer.Run(ctx, job, events)
	<-forwarded

	if err != nil {
		job.State = model.JobFailed
		if errors.Is(err, context.Canceled) {
			job.State = model.JobCanceled
		}
		return scheduler.Outcome{Job: job, Err: err}
	}

	switch term.Kind {
	case model.EventCompleted:
		job.State = model.JobCompleted
	case model.EventCanceled:
		job.State = model.JobCanceled
	default:
		job.State = model.JobFailed
	}
	return scheduler.Outcome{Job: job, Terminal: term}
}

// submitWithRetry retries connection-level submit failures with the same
// backoff envelope as the stream: base delay doubling, bounded attempts.
// Rate limits and client rejections are never retried here.
func (r *streamRunner) submitWithRetry(ctx context.Context, image []byte) (scanapi.SubmitAck, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.backoffBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	operation := func() (scanapi.SubmitAck, error) {
		ack, err := r.api.Submit(ctx, image)
		if err != nil && !scanapi.IsRetryable(err) {
			return scanapi.SubmitAck{}, backoff.Permanent(err)
		}
		return ack, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.submitAttempts)),
	)
}

// Cleanup releases server-side resources for a job. Failures are logged and
// counted, never surfaced: they have no user-visible consequence.
func (r *streamRunner) Cleanup(jobID, authToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.api.Cleanup(ctx, jobID, authToken); err != nil {
		metrics.RecordCleanupFailure()
		logger := log.WithComponent("runner")
		logger.Warn().
			Err(err).
			Str(log.FieldJobID, jobID).
			Msg("cleanup call failed")
	}
}
