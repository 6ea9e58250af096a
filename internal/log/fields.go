// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID     = "job_id"
	FieldLocalID   = "local_id"
	FieldDeviceID  = "device_id"
	FieldCaptureID = "capture_id"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldAttempt   = "attempt"
	FieldOutcome   = "outcome"

	// Queue / scheduler fields
	FieldHandle     = "queue_handle"
	FieldQueueDepth = "queue_depth"
	FieldActive     = "active_streams"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldStatus  = "status"
	FieldBaseURL = "base_url"
	FieldURL     = "url"
)
