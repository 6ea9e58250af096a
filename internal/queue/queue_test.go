// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkit/shelfscan/internal/model"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, dir
}

func payload(n int) model.QueuedPayload {
	return model.QueuedPayload{
		Image:      []byte(fmt.Sprintf("jpeg-bytes-%d", n)),
		DeviceID:   "device-1",
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, n, 0, time.UTC),
	}
}

func TestEnqueueDrainOrder(t *testing.T) {
	q, _ := openTestQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(payload(i))
		require.NoError(t, err)
	}

	entries, err := q.DrainAll()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, ent := range entries {
		assert.Equal(t, payload(i).Image, ent.Payload.Image, "entry %d out of order", i)
		assert.Equal(t, "device-1", ent.Payload.DeviceID)
	}
}

func TestDrainDoesNotDelete(t *testing.T) {
	q, _ := openTestQueue(t)

	_, err := q.Enqueue(payload(0))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		entries, err := q.DrainAll()
		require.NoError(t, err)
		require.Len(t, entries, 1, "drain %d must not consume entries", i)
	}
}

func TestRemoveDeletesExactlyOne(t *testing.T) {
	q, _ := openTestQueue(t)

	h0, err := q.Enqueue(payload(0))
	require.NoError(t, err)
	_, err = q.Enqueue(payload(1))
	require.NoError(t, err)

	require.NoError(t, q.Remove(h0))

	entries, err := q.DrainAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payload(1).Image, entries[0].Payload.Image)

	// Removing an already-removed handle is a no-op.
	require.NoError(t, q.Remove(h0))
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir)
	require.NoError(t, err)
	_, err = q.Enqueue(payload(0))
	require.NoError(t, err)
	_, err = q.Enqueue(payload(1))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = q2.Close() }()

	entries, err := q2.DrainAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, payload(0).Image, entries[0].Payload.Image)
	assert.Equal(t, payload(1).Image, entries[1].Payload.Image)

	// The sequence keeps counting after reopen: new entries sort last.
	_, err = q2.Enqueue(payload(2))
	require.NoError(t, err)
	entries, err = q2.DrainAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, payload(2).Image, entries[2].Payload.Image)
}

func TestLen(t *testing.T) {
	q, _ := openTestQueue(t)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	h, err := q.Enqueue(payload(0))
	require.NoError(t, err)
	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Remove(h))
	n, err = q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
