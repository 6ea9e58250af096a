// SPDX-License-Identifier: MIT

// scanprobe submits image files to a recognition service through the full
// engine (scheduler, cooldown, durable queue) and follows each job's stream
// to its terminal event. It prints per-job outcomes and writes a JSON report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shelfkit/shelfscan/internal/config"
	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/orchestrator"
)

type ProbeReport struct {
	Timestamp time.Time    `json:"timestamp"`
	BaseURL   string       `json:"base_url"`
	DeviceID  string       `json:"device_id"`
	Jobs      []JobResult  `json:"jobs"`
	Queue     QueueSummary `json:"queue"`
}

type JobResult struct {
	File      string       `json:"file"`
	JobID     string       `json:"job_id,omitempty"`
	Books     []model.Book `json:"books,omitempty"`
	Failure   string       `json:"failure,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
}

type QueueSummary struct {
	Deferred int `json:"deferred"`
}

var (
	baseURLFlag  = flag.String("base-url", "", "override SHELFSCAN_BASE_URL")
	deviceIDFlag = flag.String("device-id", "", "override SHELFSCAN_DEVICE_ID")
	dataDirFlag  = flag.String("data-dir", "", "durable queue directory (default: temp dir)")
	configFlag   = flag.String("config", "", "optional YAML config file")
	reportFlag   = flag.String("report", "", "write a JSON report to this path")
	timeoutFlag  = flag.Duration("timeout", 2*time.Minute, "overall deadline")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: scanprobe [flags] image.jpg [image.jpg ...]")
		os.Exit(2)
	}
	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "scanprobe: %v\n", err)
		os.Exit(1)
	}
}

// sink collects terminal callbacks and wakes the waiter when all jobs ended.
type sink struct {
	mu       sync.Mutex
	pending  int
	deferred int
	results  map[string]JobResult // keyed by jobID
	done     chan struct{}
}

func newSink(pending int) *sink {
	return &sink{pending: pending, results: make(map[string]JobResult), done: make(chan struct{})}
}

func (s *sink) OnBooks(jobID string, books []model.Book) {
	s.finish(jobID, JobResult{JobID: jobID, Books: books})
}

func (s *sink) OnFailure(jobID string, reason string) {
	s.finish(jobID, JobResult{JobID: jobID, Failure: reason})
}

func (s *sink) finish(jobID string, res JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = res
	s.pending--
	if s.pending == 0 {
		close(s.done)
	}
}

// skip marks one job as never reaching a terminal (e.g. deferred to the
// durable queue within this run).
func (s *sink) skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred++
	s.pending--
	if s.pending == 0 {
		close(s.done)
	}
}

type progressPrinter struct{}

func (progressPrinter) OnStreamEvent(jobID string, ev model.StreamEvent) {
	switch ev.Kind {
	case model.EventProgress:
		fmt.Printf("  [%s] %s\n", jobID, ev.Message)
	case model.EventSegmented:
		fmt.Printf("  [%s] segmented: %d spines detected\n", jobID, ev.TotalDetected)
	case model.EventBookProgress:
		fmt.Printf("  [%s] book %d/%d\n", jobID, ev.Index, ev.Total)
	case model.EventEnrichmentDegraded:
		fmt.Printf("  [%s] degraded enrichment: %s\n", jobID, ev.Reason)
	}
}

func run(files []string) error {
	cfg := config.FromEnv()
	if *configFlag != "" {
		var err error
		if cfg, err = config.LoadFile(cfg, *configFlag); err != nil {
			return err
		}
	}
	if *baseURLFlag != "" {
		cfg.BaseURL = *baseURLFlag
	}
	if *deviceIDFlag != "" {
		cfg.DeviceID = *deviceIDFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	} else if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "scanprobe-queue-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.DataDir = dir
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "scanprobe"})

	collector := newSink(len(files))
	engine, err := orchestrator.New(cfg, collector, orchestrator.WithProgressSink(progressPrinter{}))
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()

	// Resubmit anything a previous run left behind.
	if err := engine.DrainQueue(ctx); err != nil {
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, file := range files {
		g.Go(func() error {
			image, err := os.ReadFile(file) // #nosec G304 -- operator-supplied path
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			adm, err := engine.HandleCapture(gctx, image)
			if err != nil {
				return fmt.Errorf("submit %s: %w", file, err)
			}
			if adm.Queued {
				fmt.Printf("deferred %s (cooldown active, %s remaining)\n",
					file, engine.Cooldown().SecondsRemaining().Round(time.Second))
				collector.skip()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-collector.done:
	case <-ctx.Done():
		engine.CancelAll()
		return ctx.Err()
	}

	report := ProbeReport{
		Timestamp: time.Now(),
		BaseURL:   cfg.BaseURL,
		DeviceID:  cfg.DeviceID,
	}
	collector.mu.Lock()
	report.Queue.Deferred = collector.deferred
	for _, res := range collector.results {
		res.LatencyMs = time.Since(start).Milliseconds()
		report.Jobs = append(report.Jobs, res)
		if res.Failure != "" {
			fmt.Printf("FAIL: %s (%s)\n", res.JobID, res.Failure)
		} else {
			fmt.Printf("PASS: %s (%d books)\n", res.JobID, len(res.Books))
		}
	}
	collector.mu.Unlock()

	if *reportFlag != "" {
		if err := writeReport(*reportFlag, report); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", *reportFlag)
	}
	return nil
}

// writeReport persists the report atomically so a crash never leaves a
// half-written file.
func writeReport(path string, report ProbeReport) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}
