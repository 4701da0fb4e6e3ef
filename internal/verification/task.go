// Package verification implements the bounded, auto-scaling queue that runs
// identity checks asynchronously from the enrollment path.
package verification

import (
	"time"

	"github.com/google/uuid"
)

// Task is one unit of verification work. It is created when a participant's
// probe passes the OTP and geofence checks, consumed exactly once by a queue
// worker, and discarded after its result has been delivered.
type Task struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	SessionCode   string
	ParticipantID string
	Probe         []byte
	SubmittedAt   time.Time
	Attempt       int
	RequestID     string
}

// Outcome classifies a completed task.
type Outcome string

const (
	// OutcomePassed means the comparison met the confidence threshold and the
	// attendance write was handed to the submission coordinator.
	OutcomePassed Outcome = "passed"
	// OutcomeFailed means the comparison completed below threshold. Counts
	// against the participant's retry budget.
	OutcomeFailed Outcome = "failed"
	// OutcomeError means an infrastructure fault (timeout, malformed media,
	// missing reference). Never counts against the retry budget.
	OutcomeError Outcome = "error"
	// OutcomeDiscarded means the session expired while the task was in
	// flight; the result is dropped without side effects.
	OutcomeDiscarded Outcome = "discarded"
)

// Result is delivered exactly once per task through the ResultHub.
type Result struct {
	TaskID        uuid.UUID
	SessionCode   string
	ParticipantID string
	Outcome       Outcome
	Score         float64
	AttemptsLeft  int
	Reason        string
	CompletedAt   time.Time
}
