// SPDX-License-Identifier: MIT

// scanmock is a local stand-in for the recognition service: it accepts scan
// submissions, emits a scripted progress stream per job, and honors the
// cleanup contract. scanprobe and manual engine testing run against it.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/model"
)

var (
	addrFlag       = flag.String("addr", ":8787", "listen address")
	booksFlag      = flag.Int("books", 3, "books recognized per job")
	eventDelayFlag = flag.Duration("event-delay", 500*time.Millisecond, "delay between stream events")
	inlineFlag     = flag.Bool("inline", true, "deliver results inline in the completed event")
	rateFlag       = flag.Int("rate", 30, "submits allowed per minute per device before a 429")
	retryAfterFlag = flag.Int("retry-after", 30, "Retry-After seconds sent with a 429")
	failEveryFlag  = flag.Int("fail-every", 0, "make every Nth job fail terminally (0 disables)")
)

type server struct {
	mu      sync.Mutex
	jobs    map[string]bool // jobID -> cleaned
	counter int
}

func main() {
	flag.Parse()
	log.Configure(log.Config{Service: "scanmock"})
	logger := log.WithComponent("scanmock")

	s := &server{jobs: make(map[string]bool)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	limit := httprate.Limit(*rateFlag, time.Minute,
		httprate.WithKeyFuncs(deviceKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(*retryAfterFlag))
			w.WriteHeader(http.StatusTooManyRequests)
		}),
	)

	r.With(limit).Post("/v3/jobs/scans", s.handleSubmit)
	r.Get("/v3/jobs/scans/{jobID}/events", s.handleStream)
	r.Get("/v3/jobs/scans/{jobID}/results", s.handleResults)
	r.Delete("/v3/jobs/scans/{jobID}/cleanup", s.handleCleanup)

	logger.Info().Str("addr", *addrFlag).Msg("mock recognition service listening")
	srv := &http.Server{
		Addr:              *addrFlag,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func deviceKey(r *http.Request) (string, error) {
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return id, nil
	}
	return httprate.KeyByIP(r)
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Device-ID") == "" {
		writeProblem(w, http.StatusUnauthorized, "missing X-Device-ID header", "auth.device_missing")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeProblem(w, http.StatusBadRequest, "body is not valid multipart", "submit.bad_body")
		return
	}
	files := r.MultipartForm.File["photos[]"]
	if len(files) == 0 {
		writeProblem(w, http.StatusUnprocessableEntity, "no photos in submission", "submit.no_photos")
		return
	}

	jobID := uuid.NewString()
	s.mu.Lock()
	s.counter++
	s.jobs[jobID] = false
	s.mu.Unlock()

	logger := log.WithComponent("scanmock")
	logger.Info().
		Str(log.FieldJobID, jobID).
		Int("photos", len(files)).
		Msg("scan accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data": map[string]any{
			"jobId":     jobID,
			"sseUrl":    "/v3/jobs/scans/" + jobID + "/events",
			"authToken": "mock-" + jobID[:8],
			"statusUrl": "/v3/jobs/scans/" + jobID + "/status",
		},
	})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	s.mu.Lock()
	_, known := s.jobs[jobID]
	n := s.counter
	s.mu.Unlock()
	if !known {
		writeProblem(w, http.StatusNotFound, "unknown job", "stream.unknown_job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	emit := func(event string, data any) bool {
		buf, _ := json.Marshal(data)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, buf); err != nil {
			return false
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return false
		case <-time.After(*eventDelayFlag):
			return true
		}
	}

	if !emit("progress", map[string]string{"message": "analyzing shelf photo"}) {
		return
	}
	if !emit("segmented", map[string]any{"totalDetected": *booksFlag}) {
		return
	}

	if *failEveryFlag > 0 && n%*failEveryFlag == 0 {
		emit("error", map[string]any{
			"message":   "segmentation could not isolate any spines",
			"code":      "recognition.no_spines",
			"retryable": false,
		})
		return
	}

	books := fakeBooks(*booksFlag)
	for i, b := range books {
		if !emit("book_progress", map[string]int{"currentIndex": i + 1, "totalCount": len(books)}) {
			return
		}
		if !emit("result", b) {
			return
		}
	}
	if !emit("ping", map[string]any{}) {
		return
	}

	if *inlineFlag {
		emit("completed", map[string]any{"books": books})
	} else {
		emit("completed", map[string]string{"resultsUrl": "/v3/jobs/scans/" + jobID + "/results"})
	}
}

func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.mu.Lock()
	_, known := s.jobs[jobID]
	s.mu.Unlock()
	if !known {
		writeProblem(w, http.StatusNotFound, "unknown job", "results.unknown_job")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fakeBooks(*booksFlag))
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.mu.Lock()
	cleaned, known := s.jobs[jobID]
	if known {
		s.jobs[jobID] = true
	}
	s.mu.Unlock()

	switch {
	case !known || cleaned:
		w.WriteHeader(http.StatusNotFound)
	default:
		logger := log.WithComponent("scanmock")
		logger.Info().Str(log.FieldJobID, jobID).Msg("job cleaned up")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeProblem(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message":   message,
		"code":      code,
		"retryable": status >= 500,
	})
}

var sampleShelf = []model.Book{
	{Title: "The Left Hand of Darkness", Authors: []string{"Ursula K. Le Guin"}, ISBN: "9780441478125", Confidence: 0.97},
	{Title: "Invisible Cities", Authors: []string{"Italo Calvino"}, ISBN: "9780156453806", Confidence: 0.94},
	{Title: "The Name of the Rose", Authors: []string{"Umberto Eco"}, ISBN: "9780544176560", Confidence: 0.91},
	{Title: "Kindred", Authors: []string{"Octavia E. Butler"}, ISBN: "9780807083697", Confidence: 0.89},
	{Title: "Pale Fire", Authors: []string{"Vladimir Nabokov"}, ISBN: "9780679723424", Confidence: 0.85},
}

func fakeBooks(n int) []model.Book {
	if n <= 0 {
		n = 1
	}
	out := make([]model.Book, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sampleShelf[i%len(sampleShelf)])
	}
	return out
}
