// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkit/shelfscan/internal/config"
	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/queue"
	"github.com/shelfkit/shelfscan/internal/scanapi"
	"github.com/shelfkit/shelfscan/internal/scheduler"
)

type catalogCall struct {
	jobID  string
	books  []model.Book
	reason string
}

// recordingCatalog captures terminal callbacks for assertions.
type recordingCatalog struct {
	mu       sync.Mutex
	books    []catalogCall
	failures []catalogCall
}

func (c *recordingCatalog) OnBooks(jobID string, books []model.Book) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = append(c.books, catalogCall{jobID: jobID, books: books})
}

func (c *recordingCatalog) OnFailure(jobID string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, catalogCall{jobID: jobID, reason: reason})
}

func (c *recordingCatalog) bookCalls() []catalogCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalogCall, len(c.books))
	copy(out, c.books)
	return out
}

func (c *recordingCatalog) failureCalls() []catalogCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalogCall, len(c.failures))
	copy(out, c.failures)
	return out
}

type recordingProgress struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (p *recordingProgress) OnStreamEvent(jobID string, ev model.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingProgress) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.DeviceID = "device-test"
	cfg.DataDir = t.TempDir()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.DrainRatePerSec = 100
	return cfg
}

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestCaptureToCatalog(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.QueueSubmit(scanapi.SubmitScript{JobID: "J1", AuthToken: "tok"})
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.PingFrame(),
		scanapi.ProgressFrame("analyzing shelf photo"),
		scanapi.CompletedInline([]model.Book{{Title: "Solaris"}, {Title: "Beloved"}}),
	}})

	catalog := &recordingCatalog{}
	progress := &recordingProgress{}
	eng, err := New(testConfig(t, srv.URL), catalog, WithProgressSink(progress))
	require.NoError(t, err)
	defer eng.Close()

	adm, err := eng.HandleCapture(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.False(t, adm.Queued)
	assert.NotEmpty(t, adm.LocalID)

	require.Eventually(t, func() bool { return len(catalog.bookCalls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	call := catalog.bookCalls()[0]
	assert.Equal(t, "J1", call.jobID)
	require.Len(t, call.books, 2)
	assert.Equal(t, "Solaris", call.books[0].Title)
	assert.Empty(t, catalog.failureCalls())

	// Progress reaches the sink; pings and terminals do not.
	assert.Equal(t, []model.EventKind{model.EventProgress}, progress.kinds())

	require.Eventually(t, func() bool { return len(srv.Cleanups()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"J1"}, srv.Cleanups())
}

func TestRecognitionErrorReachesCatalogAsFailure(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.QueueSubmit(scanapi.SubmitScript{JobID: "J1"})
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.ErrorFrame("no spines found", "recognition.no_spines"),
	}})

	catalog := &recordingCatalog{}
	eng, err := New(testConfig(t, srv.URL), catalog)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.HandleCapture(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(catalog.failureCalls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	fail := catalog.failureCalls()[0]
	assert.Equal(t, "J1", fail.jobID)
	assert.Contains(t, fail.reason, "no spines found")
	assert.Contains(t, fail.reason, "recognition.no_spines")
	assert.Empty(t, catalog.bookCalls())

	// A failed job still releases its server-side resources.
	require.Eventually(t, func() bool { return len(srv.Cleanups()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRateLimitedSubmitDefersFollowingCaptures(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.QueueSubmit(scanapi.SubmitScript{Status: 429, RetryAfter: 30})

	catalog := &recordingCatalog{}
	q := openTestQueue(t)
	eng, err := New(testConfig(t, srv.URL), catalog, WithQueue(q))
	require.NoError(t, err)
	defer eng.Close()

	adm, err := eng.HandleCapture(context.Background(), []byte("first"))
	require.NoError(t, err)
	assert.False(t, adm.Queued, "first capture admits before the 429 arrives")

	// The 429 outcome persists the payload and opens the cooldown window.
	require.Eventually(t, func() bool {
		n, lerr := q.Len()
		return lerr == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !eng.Cooldown().Admit() }, 5*time.Second, 10*time.Millisecond)

	remaining := eng.Cooldown().SecondsRemaining()
	assert.Greater(t, remaining, 25*time.Second)
	assert.LessOrEqual(t, remaining, 30*time.Second)

	// Captures during the cooldown go straight to the durable queue.
	adm, err = eng.HandleCapture(context.Background(), []byte("second"))
	require.NoError(t, err)
	assert.True(t, adm.Queued)
	assert.NotEmpty(t, adm.QueueHandle)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Nothing reached the catalog; the payloads are parked, not failed.
	assert.Empty(t, catalog.bookCalls())
	assert.Empty(t, catalog.failureCalls())
}

func TestDrainQueueResubmitsAndRemovesEntries(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.QueueSubmit(scanapi.SubmitScript{JobID: "J1"})
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.CompletedInline([]model.Book{{Title: "Dune"}}),
	}})

	q := openTestQueue(t)
	_, err := q.Enqueue(model.QueuedPayload{Image: []byte("parked"), DeviceID: "device-test", EnqueuedAt: time.Now()})
	require.NoError(t, err)

	catalog := &recordingCatalog{}
	eng, err := New(testConfig(t, srv.URL), catalog, WithQueue(q))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.DrainQueue(context.Background()))

	require.Eventually(t, func() bool { return len(catalog.bookCalls()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// The durable entry is gone once its payload submitted successfully.
	require.Eventually(t, func() bool {
		n, lerr := q.Len()
		return lerr == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOverlappingDrainsSubmitEachEntryOnce(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	for _, jobID := range []string{"job-1", "job-2", "job-3"} {
		srv.ScriptStream(jobID, scanapi.StreamAttempt{Frames: []string{
			scanapi.CompletedInline([]model.Book{{Title: "Solaris"}}),
		}})
	}

	q := openTestQueue(t)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(model.QueuedPayload{Image: []byte{byte(i)}, DeviceID: "device-test", EnqueuedAt: time.Now()})
		require.NoError(t, err)
	}

	cfg := testConfig(t, srv.URL)
	cfg.MaxConcurrentStreams = 1

	catalog := &recordingCatalog{}
	eng, err := New(cfg, catalog, WithQueue(q))
	require.NoError(t, err)
	defer eng.Close()

	// A second sweep kicking in while the first sweep's jobs are still
	// waiting on the scheduler must not resubmit their payloads.
	require.NoError(t, eng.DrainQueue(context.Background()))
	require.NoError(t, eng.DrainQueue(context.Background()))

	require.Eventually(t, func() bool { return len(catalog.bookCalls()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, lerr := q.Len()
		return lerr == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Give any stray duplicate a chance to surface before counting.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, srv.SubmitCount())
	assert.Len(t, catalog.bookCalls(), 3)
}

func TestFinishedHistoryStaysBounded(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	eng, err := New(testConfig(t, srv.URL), &recordingCatalog{})
	require.NoError(t, err)
	defer eng.Close()

	for i := 0; i < finishedHistory+10; i++ {
		require.True(t, eng.markFinished(fmt.Sprintf("local-%d", i)))
	}

	eng.mu.Lock()
	size := len(eng.finished)
	eng.mu.Unlock()
	assert.Equal(t, finishedHistory, size)

	// Evicted entries no longer suppress; recent ones still do.
	assert.True(t, eng.markFinished("local-0"))
	assert.False(t, eng.markFinished(fmt.Sprintf("local-%d", finishedHistory+9)))
}

func TestDuplicateTerminalIsIgnored(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	catalog := &recordingCatalog{}
	eng, err := New(testConfig(t, srv.URL), catalog)
	require.NoError(t, err)
	defer eng.Close()

	job := &model.ScanJob{LocalID: "local-1", JobID: "J1"}
	out := scheduler.Outcome{
		Job:      job,
		Terminal: model.StreamEvent{Kind: model.EventCompleted, Books: []model.Book{{Title: "Kindred"}}},
	}

	eng.handleOutcome(out)
	eng.handleOutcome(out)

	require.Len(t, catalog.bookCalls(), 1)
	assert.Empty(t, catalog.failureCalls())
}

func TestEmptyCaptureRejected(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	eng, err := New(testConfig(t, srv.URL), &recordingCatalog{})
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.HandleCapture(context.Background(), nil)
	require.Error(t, err)
}

func TestClosedEngineRefusesCaptures(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	eng, err := New(testConfig(t, srv.URL), &recordingCatalog{})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.HandleCapture(context.Background(), []byte("jpeg-bytes"))
	require.Error(t, err)
}
