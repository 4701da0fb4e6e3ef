// Package retry tracks failed verification attempts per participant per
// session. A participant gets a fixed total attempt budget; once it is
// spent, further enrollments for that session are rejected up front instead
// of consuming queue capacity.
package retry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 2

type key struct {
	sessionID     uuid.UUID
	participantID string
}

type record struct {
	failures  int
	updatedAt time.Time
}

// Tracker is an in-process failure ledger. Records outlive their session
// only until the next sweep.
type Tracker struct {
	mu          sync.Mutex
	maxAttempts int
	records     map[key]record
	now         func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxAttempts overrides the total attempt budget per participant.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a Tracker with the default two-attempt budget.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		maxAttempts: defaultMaxAttempts,
		records:     make(map[key]record),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterFailure records one failed attempt and returns how many attempts
// remain. The count never goes negative.
func (t *Tracker) RegisterFailure(sessionID uuid.UUID, participantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{sessionID: sessionID, participantID: participantID}
	rec := t.records[k]
	if rec.failures < t.maxAttempts {
		rec.failures++
	}
	rec.updatedAt = t.now()
	t.records[k] = rec
	return t.maxAttempts - rec.failures
}

// CanRetry reports whether the participant still has attempt budget left
// for the session.
func (t *Tracker) CanRetry(sessionID uuid.UUID, participantID string) bool {
	return t.Remaining(sessionID, participantID) > 0
}

// Remaining returns the participant's unused attempts for the session.
func (t *Tracker) Remaining(sessionID uuid.UUID, participantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[key{sessionID: sessionID, participantID: participantID}]
	return t.maxAttempts - rec.failures
}

// Forget drops every record for a session, typically after its report is
// sent.
func (t *Tracker) Forget(sessionID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.records {
		if k.sessionID == sessionID {
			delete(t.records, k)
		}
	}
}

// PurgeBefore removes records not touched since cutoff and returns how many
// were dropped. The sweep calls this alongside session expiry cleanup.
func (t *Tracker) PurgeBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, rec := range t.records {
		if rec.updatedAt.Before(cutoff) {
			delete(t.records, k)
			removed++
		}
	}
	return removed
}
