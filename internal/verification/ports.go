package verification

import (
	"context"

	"github.com/google/uuid"
)

// Match is the comparison service's verdict for one probe/reference pair.
type Match struct {
	Matched bool
	Score   float64
}

// Comparer is the black-box identity comparison service. Implementations must
// honor ctx cancellation; workers call it with a per-task timeout.
type Comparer interface {
	Compare(ctx context.Context, probe, reference []byte, threshold float64) (Match, error)
}

// ReferenceStore resolves a participant's stored reference image.
// Returns sentinel.ErrNotFound when no object resolves for the participant.
type ReferenceStore interface {
	Fetch(ctx context.Context, participantID string) ([]byte, error)
}

// Recorder receives passing verifications. The submission coordinator
// implements this; its failures surface on the owner path, never back to the
// participant, so workers treat Record errors as logged-and-done.
type Recorder interface {
	RecordPresence(ctx context.Context, task Task) error
}

// SessionGuard lets workers drop results for sessions that expired while the
// task was in flight.
type SessionGuard interface {
	IsActive(ctx context.Context, code string) bool
}

// FailureTracker charges failed comparisons against the participant's retry
// budget. Infrastructure errors are never charged.
type FailureTracker interface {
	RegisterFailure(sessionID uuid.UUID, participantID string) (remaining int)
}
