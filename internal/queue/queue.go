// SPDX-License-Identifier: MIT

// Package queue persists not-yet-submitted scan payloads so they survive
// process restarts. Entries are retrieved in enqueue order; deletion is
// explicit, so a crash between submit-success and Remove replays the payload
// on the next drain (at-least-once semantics).
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/shelfkit/shelfscan/internal/log"
	"github.com/shelfkit/shelfscan/internal/metrics"
	"github.com/shelfkit/shelfscan/internal/model"
)

// Entry keys carry a monotonic sequence number so badger's key order is the
// enqueue order. The sequence counter lives outside the entry prefix.
const (
	entryPrefix = "scan:"
	seqKey      = "!seq:scan"
)

// Queue is a durable FIFO of queued scan payloads backed by badger.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Entry is one drained payload together with the handle that removes it.
type Entry struct {
	Handle  string
	Payload model.QueuedPayload
}

// Open opens (or creates) the queue at dir.
func Open(dir string) (*Queue, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: open sequence: %w", err)
	}
	q := &Queue{db: db, seq: seq}
	q.publishDepth()
	return q, nil
}

// Close releases the sequence lease and closes the store.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		logger := log.WithComponent("queue")
		logger.Warn().Err(err).Msg("sequence release failed")
	}
	return q.db.Close()
}

// Enqueue persists one payload and returns its handle. Safe to call
// repeatedly; prior entries are never touched.
func (q *Queue) Enqueue(p model.QueuedPayload) (string, error) {
	n, err := q.seq.Next()
	if err != nil {
		return "", fmt.Errorf("queue: next sequence: %w", err)
	}
	key := fmt.Sprintf("%s%016x", entryPrefix, n)

	buf, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
	if err != nil {
		return "", fmt.Errorf("queue: persist payload: %w", err)
	}

	q.publishDepth()
	logger := log.WithComponent("queue")
	logger.Debug().
		Str(log.FieldHandle, key).
		Int("image_bytes", len(p.Image)).
		Msg("payload enqueued")
	return key, nil
}

// DrainAll returns every queued payload in enqueue order without deleting
// anything. Callers attempt submission and Remove only the entries that
// succeeded.
func (q *Queue) DrainAll() ([]Entry, error) {
	logger := log.WithComponent("queue")
	var out []Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			var p model.QueuedPayload
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				// A corrupt entry must not wedge the whole queue.
				logger.Error().
					Err(err).
					Str(log.FieldHandle, key).
					Msg("skipping undecodable queue entry")
				continue
			}
			out = append(out, Entry{Handle: key, Payload: p})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: drain: %w", err)
	}
	return out, nil
}

// Remove deletes one entry after its submission succeeded. Removing an
// already-removed handle is a no-op.
func (q *Queue) Remove(handle string) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(handle))
	})
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", handle, err)
	}
	q.publishDepth()
	return nil
}

// Len returns the number of queued payloads.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

func (q *Queue) publishDepth() {
	if n, err := q.Len(); err == nil {
		metrics.SetDurableQueueDepth(n)
	}
}
