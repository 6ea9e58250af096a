// SPDX-License-Identifier: MIT

package scanapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrRateLimited = errors.New("scanapi: rate limited")
	ErrClient      = errors.New("scanapi: request rejected")
	ErrUpstream    = errors.New("scanapi: service unavailable or transport failure")
	ErrBadResponse = errors.New("scanapi: invalid response format or malformed data")
)

// APIError wraps the sentinel errors with call context.
type APIError struct {
	Sentinel   error
	Op         string
	Status     int
	Code       string        // problem-details code, if the body carried one
	Message    string        // problem-details message, if the body carried one
	Retryable  bool          // transport failures and 5xx
	RetryAfter time.Duration // meaningful only with ErrRateLimited
	Err        error         // nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("scanapi: %s: %v", e.Op, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// IsRetryable reports whether err may succeed on a fresh attempt.
// Rate limits are not retryable here; they escalate to the cooldown tracker.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// RetryAfter extracts the server-requested cooldown from a rate-limit error,
// or zero when err is not a rate limit.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && errors.Is(apiErr.Sentinel, ErrRateLimited) {
		return apiErr.RetryAfter
	}
	return 0
}
