// SPDX-License-Identifier: MIT
package scanapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/shelfkit/shelfscan/internal/model"
)

// MockServer is a configurable recognition-service mock for testing. Submit
// outcomes are scripted per call, streams are scripted per job and per
// connection attempt, and cleanup calls are recorded.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	jobSeq   int
	submits  []SubmitScript
	streams  map[string][]StreamAttempt
	attempts map[string]int
	results  map[string][]model.Book
	cleanups []string
	nSubmits int
}

// SubmitScript describes one scripted submit response. The zero value means
// "accept with a generated job ID".
type SubmitScript struct {
	Status     int    // 0 or 202 accepts; 429, 4xx, 5xx reject
	RetryAfter int    // seconds, sent with 429
	JobID      string // optional fixed job ID on accept
	AuthToken  string // optional token on accept
	Message    string // problem-details message on 4xx/5xx
	Code       string // problem-details code on 4xx/5xx
}

// StreamAttempt is the script for one stream connection. Frames are raw SSE
// frames; a script without a terminal frame ends the response early, which a
// client observes as a dropped connection.
type StreamAttempt struct {
	Frames []string
}

// NewMockServer starts a mock recognition service.
func NewMockServer() *MockServer {
	m := &MockServer{
		streams:  make(map[string][]StreamAttempt),
		attempts: make(map[string]int),
		results:  make(map[string][]model.Book),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/jobs/scans", m.handleSubmit)
	mux.HandleFunc("GET /v3/jobs/scans/{id}/events", m.handleStream)
	mux.HandleFunc("GET /v3/jobs/scans/{id}/results", m.handleResults)
	mux.HandleFunc("DELETE /v3/jobs/scans/{id}/cleanup", m.handleCleanup)

	m.Server = httptest.NewServer(mux)
	return m
}

// QueueSubmit appends a scripted submit outcome. Unscripted submits accept.
func (m *MockServer) QueueSubmit(s SubmitScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, s)
}

// ScriptStream sets per-attempt stream scripts for a job. When a connection
// attempt index exceeds the script list, the last script repeats.
func (m *MockServer) ScriptStream(jobID string, attempts ...StreamAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[jobID] = attempts
}

// SetResults configures the body served at the job's results URL.
func (m *MockServer) SetResults(jobID string, books []model.Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[jobID] = books
}

// Cleanups returns the job IDs for which cleanup was called, in call order.
func (m *MockServer) Cleanups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cleanups))
	copy(out, m.cleanups)
	return out
}

// SubmitCount returns how many submit calls the server has seen.
func (m *MockServer) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nSubmits
}

// StreamAttempts returns how many stream connections a job has opened.
func (m *MockServer) StreamAttempts(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[jobID]
}

func (m *MockServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}
	if r.Header.Get(headerDeviceID) == "" {
		http.Error(w, "missing device id", http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	m.nSubmits++
	var script SubmitScript
	if len(m.submits) > 0 {
		script = m.submits[0]
		m.submits = m.submits[1:]
	}
	jobID := script.JobID
	if jobID == "" {
		m.jobSeq++
		jobID = fmt.Sprintf("job-%d", m.jobSeq)
	}
	m.mu.Unlock()

	switch {
	case script.Status == 0 || script.Status == http.StatusAccepted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"jobId":     jobID,
				"sseUrl":    "/v3/jobs/scans/" + jobID + "/events",
				"authToken": script.AuthToken,
				"statusUrl": "/v3/jobs/scans/" + jobID + "/status",
			},
		})
	case script.Status == http.StatusTooManyRequests:
		if script.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(script.RetryAfter))
		}
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(script.Status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":   script.Message,
			"code":      script.Code,
			"retryable": script.Status >= 500,
		})
	}
}

func (m *MockServer) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	m.mu.Lock()
	scripts := m.streams[jobID]
	attempt := m.attempts[jobID]
	m.attempts[jobID] = attempt + 1
	m.mu.Unlock()

	if len(scripts) == 0 {
		http.Error(w, "no stream scripted", http.StatusNotFound)
		return
	}
	if attempt >= len(scripts) {
		attempt = len(scripts) - 1
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, frame := range scripts[attempt].Frames {
		_, _ = fmt.Fprint(w, frame)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (m *MockServer) handleResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	m.mu.Lock()
	books, ok := m.results[jobID]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "no results", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(books)
}

func (m *MockServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	m.mu.Lock()
	m.cleanups = append(m.cleanups, jobID)
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// SSE frame helpers for stream scripts.

// Frame renders one SSE frame with the given event name and data payload.
func Frame(event string, data any) string {
	buf, _ := json.Marshal(data)
	return "event: " + event + "\ndata: " + string(buf) + "\n\n"
}

// ProgressFrame renders a progress event.
func ProgressFrame(message string) string {
	return Frame("progress", map[string]string{"message": message})
}

// CompletedInline renders a completed event carrying its result array inline.
func CompletedInline(books []model.Book) string {
	return Frame("completed", map[string]any{"books": books})
}

// CompletedRef renders a completed event pointing at a results URL.
func CompletedRef(resultsURL string) string {
	return Frame("completed", map[string]string{"resultsUrl": resultsURL})
}

// ErrorFrame renders a terminal error event.
func ErrorFrame(message, code string) string {
	return Frame("error", map[string]any{"message": message, "code": code, "retryable": false})
}

// PingFrame renders a keep-alive ping.
func PingFrame() string {
	return "event: ping\ndata: {}\n\n"
}
