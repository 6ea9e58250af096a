// SPDX-License-Identifier: MIT

// Package model defines the scan job lifecycle and the event records
// delivered over a job's progress stream.
package model

import "time"

// JobState is the client-visible lifecycle of a scan job.
// It is intentionally coarse-grained and stable.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobSubmitted JobState = "SUBMITTED"
	JobStreaming JobState = "STREAMING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCanceled  JobState = "CANCELED"
)

// Terminal reports whether the state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// ScanJob is one user-submitted capture awaiting recognition.
//
// JobID, AuthToken and StatusURL are assigned exactly once, from the submit
// acknowledgement, and never mutated afterwards. LocalID identifies the job
// before the server has seen it.
type ScanJob struct {
	LocalID   string
	JobID     string
	AuthToken string
	SSEURL    string
	StatusURL string
	Image     []byte
	DeviceID  string
	State     JobState
	CreatedAt time.Time

	// QueueHandle links a job drained from the durable queue back to its
	// on-disk entry so the entry can be removed once submit succeeds.
	QueueHandle string
}

// QueuedPayload is the durable, on-disk form of a not-yet-submitted job.
type QueuedPayload struct {
	Image      []byte    `json:"image"`
	DeviceID   string    `json:"deviceId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
