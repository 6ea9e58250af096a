// SPDX-License-Identifier: MIT

package scanapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkit/shelfscan/internal/model"
)

func newTestClient(t *testing.T) (*Client, *MockServer) {
	t.Helper()
	srv := NewMockServer()
	t.Cleanup(srv.Close)
	return New(srv.URL, "device-test", WithTimeout(5*time.Second)), srv
}

// httptestNotFoundServer serves 404 for every request.
func httptestNotFoundServer(t *testing.T) string {
	t.Helper()
	return httptestStatusServer(t, http.StatusNotFound)
}

func httptestStatusServer(t *testing.T, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSubmitSuccess(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{JobID: "J1", AuthToken: "tok-1"})

	ack, err := c.Submit(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "J1", ack.JobID)
	assert.Equal(t, "tok-1", ack.AuthToken)
	assert.Equal(t, srv.URL+"/v3/jobs/scans/J1/events", ack.SSEURL)
	assert.Equal(t, srv.URL+"/v3/jobs/scans/J1/status", ack.StatusURL)
	assert.Equal(t, 1, srv.SubmitCount())
}

func TestSubmitRateLimited(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{Status: http.StatusTooManyRequests, RetryAfter: 30})

	_, err := c.Submit(context.Background(), []byte("jpeg"))
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 30*time.Second, RetryAfter(err))
}

func TestSubmitRateLimitedWithoutHeaderUsesFallback(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{Status: http.StatusTooManyRequests})

	_, err := c.Submit(context.Background(), []byte("jpeg"))
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, defaultRetryAfter, RetryAfter(err))
}

func TestSubmitClientErrorIsNotRetryable(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{
		Status:  http.StatusUnprocessableEntity,
		Message: "image too small",
		Code:    "submit.image_too_small",
	})

	_, err := c.Submit(context.Background(), []byte("jpeg"))
	require.ErrorIs(t, err, ErrClient)
	assert.False(t, IsRetryable(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "image too small", apiErr.Message)
	assert.Equal(t, "submit.image_too_small", apiErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestSubmitServerErrorIsRetryable(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{Status: http.StatusBadGateway})

	_, err := c.Submit(context.Background(), []byte("jpeg"))
	require.ErrorIs(t, err, ErrUpstream)
	assert.True(t, IsRetryable(err))
}

func TestSubmitTransportFailureIsRetryable(t *testing.T) {
	c := New("http://127.0.0.1:1", "device-test", WithTimeout(500*time.Millisecond))

	_, err := c.Submit(context.Background(), []byte("jpeg"))
	require.ErrorIs(t, err, ErrUpstream)
	assert.True(t, IsRetryable(err))
}

func TestOpenStreamDeliversFrames(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{JobID: "J1"})
	srv.ScriptStream("J1", StreamAttempt{Frames: []string{
		ProgressFrame("working"),
		CompletedInline([]model.Book{{Title: "Pale Fire"}}),
	}})

	ack, err := c.Submit(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	body, err := c.OpenStream(context.Background(), ack.SSEURL, ack.AuthToken)
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: progress")
	assert.Contains(t, string(raw), "event: completed")
}

func TestFetchResultsBareArray(t *testing.T) {
	c, srv := newTestClient(t)
	srv.QueueSubmit(SubmitScript{JobID: "J1"})
	want := []model.Book{
		{Title: "Invisible Cities", Authors: []string{"Italo Calvino"}, ISBN: "9780156453806"},
		{Title: "Kindred", Authors: []string{"Octavia E. Butler"}},
	}
	srv.SetResults("J1", want)

	got, err := c.FetchResults(context.Background(), srv.URL+"/v3/jobs/scans/J1/results", "")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupRecordsCallAndAcceptsMockStatus(t *testing.T) {
	c, srv := newTestClient(t)

	require.NoError(t, c.Cleanup(context.Background(), "J9", "tok"))
	assert.Equal(t, []string{"J9"}, srv.Cleanups())
}

func TestCleanup404IsSuccess(t *testing.T) {
	srv := httptestNotFoundServer(t)
	c := New(srv, "device-test", WithTimeout(2*time.Second))

	require.NoError(t, c.Cleanup(context.Background(), "gone", "tok"))
}

func TestCleanupServerErrorSurfacesError(t *testing.T) {
	srv := httptestStatusServer(t, http.StatusInternalServerError)
	c := New(srv, "device-test", WithTimeout(2*time.Second))

	err := c.Cleanup(context.Background(), "J1", "tok")
	require.ErrorIs(t, err, ErrUpstream)
}
