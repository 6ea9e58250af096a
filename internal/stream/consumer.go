// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/scanapi"
)

var (
	// ErrExhausted means every connection attempt failed before a terminal
	// event arrived.
	ErrExhausted = errors.New("stream: connection retries exhausted")

	errDropped = errors.New("stream: connection dropped before terminal event")
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 2 * time.Second
)

// Consumer drives one job's stream from open to terminal event.
type Consumer struct {
	api      *scanapi.Client
	attempts int
	base     time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithAttempts overrides the total connection attempts (default 3).
func WithAttempts(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoffBase overrides the first reconnect delay (default 2s). The delay
// doubles on each further attempt.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.base = d
		}
	}
}

// NewConsumer creates a stream consumer over the given API client.
func NewConsumer(api *scanapi.Client, opts ...Option) *Consumer {
	c := &Consumer{
		api:      api,
		attempts: defaultAttempts,
		base:     defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the job's stream until a terminal event: every decoded event
// is sent to out in arrival order, and the terminal event is also returned.
// Connection-level failures before a terminal event trigger a reconnect with
// exponential backoff; a terminal event ends retries immediately. Run closes
// out before returning.
func (c *Consumer) Run(ctx context.Context, job *model.ScanJob, out chan<- model.StreamEvent) (model.StreamEvent, error) {
	defer close(out)

	logger := log.WithComponentFromContext(log.ContextWithJobID(ctx, job.JobID), "stream")

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = 5 * time.Minute

	attempt := 0
	operation := func() (model.StreamEvent, error) {
		attempt++
		if attempt > 1 {
			metrics.RecordStreamReconnect()
		}
		term, err := c.attempt(ctx, job, out)
		if err == nil {
			return term, nil
		}
		if !retryable(ctx, err) {
			return model.StreamEvent{}, backoff.Permanent(err)
		}
		return model.StreamEvent{}, err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn().
			Err(err).
			Int(log.FieldAttempt, attempt).
			Dur("retry_in", next).
			Msg("stream connection failed, retrying")
	}

	term, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if retryable(ctx, err) {
			return model.StreamEvent{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		return model.StreamEvent{}, err
	}
	return term, nil
}

// attempt opens one stream connection and decodes until a terminal event.
// A clean EOF or read error before the terminal event is a dropped
// connection, which the retry loop may attempt again.
func (c *Consumer) attempt(ctx context.Context, job *model.ScanJob, out chan<- model.StreamEvent) (model.StreamEvent, error) {
	logger := log.WithComponent("stream").With().Str(log.FieldJobID, job.JobID).Logger()

	body, err := c.api.OpenStream(ctx, job.SSEURL, job.AuthToken)
	if err != nil {
		return model.StreamEvent{}, err
	}
	defer body.Close() // #nosec G307

	dec := NewDecoder(body, logger)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return model.StreamEvent{}, errDropped
		}
		if err != nil {
			return model.StreamEvent{}, fmt.Errorf("stream: read failed: %w", err)
		}

		metrics.RecordStreamEvent(string(ev.Kind))

		// The completed event may point at a results URL instead of carrying
		// the array inline; resolve it before handing the terminal onward so
		// consumers always see the books.
		if ev.Kind == model.EventCompleted && len(ev.Books) == 0 && ev.ResultsURL != "" {
			books, ferr := c.api.FetchResults(ctx, ev.ResultsURL, job.AuthToken)
			if ferr != nil {
				logger.Warn().Err(ferr).Str(log.FieldURL, ev.ResultsURL).Msg("results fetch failed, completing with empty set")
			} else {
				ev.Books = books
			}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return model.StreamEvent{}, ctx.Err()
		}

		if ev.Terminal() {
			return ev, nil
		}
	}
}

// retryable reports whether a connection attempt may be repeated: context
// cancellation and non-retryable API rejections are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errDropped) {
		return true
	}
	var apiErr *scanapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	// Unclassified read errors are treated as connection-level.
	return true
}
