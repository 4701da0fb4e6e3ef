package session

import (
	"context"
	"time"
)

// Store persists sessions keyed by OTP code. Implementations must be safe for
// concurrent use; the in-memory store backs unit tests, the Redis store is
// the production default and the Postgres store serves deployments that
// already run a database.
//
// Stores are interface-driven so the state machine stays testable and
// persistence can be swapped without rewiring business code.
type Store interface {
	// Save inserts a session. A session already stored under the same code
	// returns sentinel.ErrConflict, making the insert the code reservation:
	// two creators drawing the same code cannot both win.
	Save(ctx context.Context, sess *Session) error
	// FindByCode returns the session with the given code or sentinel.ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Session, error)
	// FindActiveByOwnerDay returns an Active session matching the duplicate
	// guard key (owner, scope, day) or sentinel.ErrNotFound.
	FindActiveByOwnerDay(ctx context.Context, ownerID, scope, day string) (*Session, error)
	// UpdateStatus transitions the session status, enforcing the legal
	// transitions (Active->Expired, Expired->ReportSent). Illegal transitions
	// return sentinel.ErrInvalidState; the first caller wins.
	UpdateStatus(ctx context.Context, code string, from, to Status) error
	// FindOverdueActive returns the codes of Active sessions whose expiry
	// instant has passed. The sweep uses it to recover sessions whose
	// expiry timer died with a previous process.
	FindOverdueActive(ctx context.Context, now time.Time) ([]string, error)
	// DeleteExpiredBefore garbage-collects Expired/ReportSent sessions whose
	// expiry predates cutoff. Returns the number removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
