// SPDX-License-Identifier: MIT

// Package stream decodes a job's text/event-stream connection and drives the
// consume loop from stream open to terminal event, reconnecting with bounded
// exponential backoff on connection-level failures.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shelfkit/shelfscan/internal/model"
)

// maxFrameSize bounds one SSE line; segmented previews arrive base64-inline.
const maxFrameSize = 4 << 20

// Decoder parses server-sent event frames into StreamEvent values.
// Malformed frames are logged and skipped; unknown event names decode to
// EventUnknown and never terminate the stream.
type Decoder struct {
	s   *bufio.Scanner
	log zerolog.Logger
}

// NewDecoder wraps a stream response body.
func NewDecoder(r io.Reader, logger zerolog.Logger) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), maxFrameSize)
	return &Decoder{s: s, log: logger}
}

// Next returns the next decodable event, or io.EOF when the stream ends.
func (d *Decoder) Next() (model.StreamEvent, error) {
	name := ""
	var data strings.Builder

	dispatch := func() (model.StreamEvent, bool) {
		if name == "" && data.Len() == 0 {
			return model.StreamEvent{}, false
		}
		ev, ok := decodeEvent(name, data.String())
		if !ok {
			d.log.Warn().
				Str("event", name).
				Int("data_len", data.Len()).
				Msg("skipping malformed stream event")
		}
		name = ""
		data.Reset()
		return ev, ok
	}

	for d.s.Scan() {
		line := strings.TrimSuffix(d.s.Text(), "\r")
		switch {
		case line == "":
			if ev, ok := dispatch(); ok {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:, retry:, unknown fields: ignored
		}
	}
	if err := d.s.Err(); err != nil {
		return model.StreamEvent{}, err
	}
	// Trailing frame without a final blank line still counts.
	if ev, ok := dispatch(); ok {
		return ev, nil
	}
	return model.StreamEvent{}, io.EOF
}

// decodeEvent maps one frame to a StreamEvent. ok is false when the payload
// for a known event kind does not parse.
func decodeEvent(name, data string) (model.StreamEvent, bool) {
	if data == "" {
		data = "{}"
	}
	switch name {
	case "progress":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventProgress, Message: p.Message}, true

	case "result":
		var b model.Book
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventResult, Books: []model.Book{b}}, true

	case "completed", "complete":
		var p struct {
			Books      []model.Book `json:"books"`
			ResultsURL string       `json:"resultsUrl"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventCompleted, Books: p.Books, ResultsURL: p.ResultsURL}, true

	case "segmented":
		var p struct {
			Preview       []byte `json:"previewImage"`
			TotalDetected int    `json:"totalDetected"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventSegmented, Preview: p.Preview, TotalDetected: p.TotalDetected}, true

	case "book_progress":
		var p struct {
			Index int `json:"currentIndex"`
			Total int `json:"totalCount"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventBookProgress, Index: p.Index, Total: p.Total}, true

	case "enrichment_degraded":
		var p struct {
			Reason  string      `json:"reason"`
			Partial *model.Book `json:"partialMetadata"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventEnrichmentDegraded, Reason: p.Reason, Partial: p.Partial}, true

	case "error":
		var p struct {
			Message   string `json:"message"`
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.StreamEvent{}, false
		}
		return model.StreamEvent{Kind: model.EventError, Message: p.Message, Code: p.Code, Retryable: p.Retryable}, true

	case "canceled", "cancelled":
		return model.StreamEvent{Kind: model.EventCanceled}, true

	case "ping":
		return model.StreamEvent{Kind: model.EventPing}, true

	default:
		return model.StreamEvent{Kind: model.EventUnknown}, true
	}
}
