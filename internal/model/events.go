// SPDX-License-Identifier: MIT

package model

// EventKind identifies a stream event type. The values match the SSE
// `event:` names emitted by the recognition service.
type EventKind string

const (
	EventProgress           EventKind = "progress"
	EventResult             EventKind = "result"
	EventSegmented          EventKind = "segmented"
	EventBookProgress       EventKind = "book_progress"
	EventEnrichmentDegraded EventKind = "enrichment_degraded"
	EventCompleted          EventKind = "completed"
	EventError              EventKind = "error"
	EventCanceled           EventKind = "canceled"
	EventPing               EventKind = "ping"
	EventUnknown            EventKind = "unknown"
)

// Book is the minimal recognition result shape the stream delivers.
type Book struct {
	Title      string   `json:"title"`
	Authors    []string `json:"authors,omitempty"`
	ISBN       string   `json:"isbn,omitempty"`
	CoverURL   string   `json:"coverUrl,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// StreamEvent is one message received over an open job stream. Exactly one
// of {completed, error, canceled} occurs per job and is terminal; all other
// kinds may occur zero or more times before it.
type StreamEvent struct {
	Kind EventKind

	// progress / error
	Message string

	// result (one book per event) and completed (inline result array)
	Books []Book

	// completed, when the result array is not inline
	ResultsURL string

	// segmented
	Preview       []byte
	TotalDetected int

	// book_progress
	Index int
	Total int

	// enrichment_degraded
	Reason  string
	Partial *Book

	// error
	Code      string
	Retryable bool
}

// Terminal reports whether the event ends the stream for its job.
func (e StreamEvent) Terminal() bool {
	switch e.Kind {
	case EventCompleted, EventError, EventCanceled:
		return true
	}
	return false
}
