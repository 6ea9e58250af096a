// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shelfkit/shelfscan/internal/model"
	"github.com/shelfkit/shelfscan/internal/scanapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runConsumer drives one job through the consumer, collecting every forwarded
// event until out closes.
func runConsumer(t *testing.T, srv *scanapi.MockServer, jobID string, opts ...Option) ([]model.StreamEvent, model.StreamEvent, error) {
	t.Helper()

	api := scanapi.New(srv.URL, "device-1")
	c := NewConsumer(api, opts...)

	job := &model.ScanJob{
		LocalID: "local-1",
		JobID:   jobID,
		SSEURL:  srv.URL + "/v3/jobs/scans/" + jobID + "/events",
	}

	out := make(chan model.StreamEvent, 16)
	collected := make(chan []model.StreamEvent, 1)
	go func() {
		var events []model.StreamEvent
		for ev := range out {
			events = append(events, ev)
		}
		collected <- events
	}()

	term, err := c.Run(context.Background(), job, out)
	return <-collected, term, err
}

func TestRunDeliversEventsInOrder(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	books := []model.Book{{Title: "Solaris"}, {Title: "Beloved"}}
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.ProgressFrame("analyzing shelf photo"),
		scanapi.PingFrame(),
		scanapi.ProgressFrame("recognizing spines"),
		scanapi.CompletedInline(books),
	}})

	events, term, err := runConsumer(t, srv, "J1")
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, model.EventProgress, events[0].Kind)
	assert.Equal(t, "analyzing shelf photo", events[0].Message)
	assert.Equal(t, model.EventPing, events[1].Kind)
	assert.Equal(t, model.EventProgress, events[2].Kind)
	assert.Equal(t, "recognizing spines", events[2].Message)

	assert.Equal(t, model.EventCompleted, term.Kind)
	require.Len(t, term.Books, 2)
	assert.Equal(t, "Solaris", term.Books[0].Title)
	assert.Equal(t, 1, srv.StreamAttempts("J1"))
}

func TestRunReconnectsAfterDrops(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	// Two connections die mid-stream, the third completes.
	srv.ScriptStream("J1",
		scanapi.StreamAttempt{Frames: []string{scanapi.ProgressFrame("first attempt")}},
		scanapi.StreamAttempt{Frames: []string{scanapi.ProgressFrame("second attempt")}},
		scanapi.StreamAttempt{Frames: []string{
			scanapi.ProgressFrame("third attempt"),
			scanapi.CompletedInline([]model.Book{{Title: "Dune"}}),
		}},
	)

	base := 20 * time.Millisecond
	start := time.Now()
	events, term, err := runConsumer(t, srv, "J1", WithBackoffBase(base))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, model.EventCompleted, term.Kind)
	assert.Equal(t, 3, srv.StreamAttempts("J1"))

	// base + 2*base of backoff between the three attempts.
	assert.GreaterOrEqual(t, elapsed, 3*base)

	// Non-terminal events from the failed attempts are still forwarded.
	messages := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Kind == model.EventProgress {
			messages = append(messages, ev.Message)
		}
	}
	assert.Equal(t, []string{"first attempt", "second attempt", "third attempt"}, messages)
}

func TestRunExhaustsRetries(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	// Every connection drops before a terminal event.
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{scanapi.ProgressFrame("still working")}})

	_, _, err := runConsumer(t, srv, "J1", WithBackoffBase(time.Millisecond))
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, srv.StreamAttempts("J1"))
}

func TestRunErrorEventEndsRetries(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.ErrorFrame("no spines found", "recognition.no_spines"),
	}})

	_, term, err := runConsumer(t, srv, "J1", WithBackoffBase(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, model.EventError, term.Kind)
	assert.Equal(t, "no spines found", term.Message)
	assert.Equal(t, 1, srv.StreamAttempts("J1"), "terminal error must not trigger reconnects")
}

func TestRunResolvesResultsReference(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()

	srv.SetResults("J1", []model.Book{{Title: "Piranesi", ISBN: "9781635575637"}})
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{
		scanapi.CompletedRef(srv.URL + "/v3/jobs/scans/J1/results"),
	}})

	_, term, err := runConsumer(t, srv, "J1")
	require.NoError(t, err)
	require.Len(t, term.Books, 1)
	assert.Equal(t, "Piranesi", term.Books[0].Title)
}

func TestRunCanceledContextStopsImmediately(t *testing.T) {
	srv := scanapi.NewMockServer()
	defer srv.Close()
	srv.ScriptStream("J1", scanapi.StreamAttempt{Frames: []string{scanapi.ProgressFrame("working")}})

	api := scanapi.New(srv.URL, "device-1")
	c := NewConsumer(api, WithBackoffBase(time.Second))

	job := &model.ScanJob{LocalID: "local-1", JobID: "J1", SSEURL: srv.URL + "/v3/jobs/scans/J1/events"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan model.StreamEvent, 16)
	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()

	start := time.Now()
	_, err := c.Run(ctx, job, out)
	<-done

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), time.Second, "cancellation must not wait out the backoff")
}
