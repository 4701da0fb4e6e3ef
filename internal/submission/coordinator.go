// Package submission turns verified attendance into records on the external
// record API. The first verified participant of a session creates the
// session's record; everyone after that updates it. Creation must happen
// exactly once per session no matter how many verifications land at once.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/submission/metrics"
	"rollcall/internal/verification"
	"rollcall/pkg/platform/circuit"
	"rollcall/pkg/platform/sentinel"
)

// Outcome of one submission.
type Outcome string

const (
	// OutcomeCreated means this submission created the session's record.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means the record existed and was updated.
	OutcomeUpdated Outcome = "updated"
	// OutcomeDuplicate means the remote side already held this entry.
	OutcomeDuplicate Outcome = "duplicate"
)

// Submission is one verified participant bound for the record API.
type Submission struct {
	SessionID     uuid.UUID
	SessionCode   string
	ParticipantID string
	VerifiedAt    time.Time
}

// RecordAPI is the external attendance record service. Implementations
// signal "the entry already exists" with sentinel.ErrConflict and transient
// faults with sentinel.ErrUnavailable.
type RecordAPI interface {
	CreateRecord(ctx context.Context, sub Submission) error
	UpdateRecord(ctx context.Context, sub Submission) error
}

const (
	defaultMaxCalls  = 3
	defaultCallDelay = 250 * time.Millisecond
)

type sessionState struct {
	mu      sync.Mutex
	created bool
	// pending is non-nil while a create call is in flight; it is closed
	// when the call settles so waiting writers can re-read the decision.
	pending chan struct{}
}

// Coordinator serializes record API writes per session. It satisfies
// verification.Recorder so the verification pool can hand off passes
// directly.
type Coordinator struct {
	api     RecordAPI
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxCalls  int
	callDelay time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCallBudget overrides the per-submission call attempt count and the
// delay between attempts.
func WithCallBudget(maxCalls int, delay time.Duration) Option {
	return func(c *Coordinator) {
		if maxCalls > 0 {
			c.maxCalls = maxCalls
		}
		if delay >= 0 {
			c.callDelay = delay
		}
	}
}

// NewCoordinator builds a Coordinator over the given record API.
func NewCoordinator(api RecordAPI, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:       api,
		breaker:   circuit.New("record-api"),
		logger:    logger,
		maxCalls:  defaultMaxCalls,
		callDelay: defaultCallDelay,
		sessions:  make(map[uuid.UUID]*sessionState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit writes one verified participant to the record API. The session's
// lock guards only the create-vs-update reservation; it is released before
// any network call, so writers for one session never serialize on each
// other's I/O. Writers that arrive while a create is in flight wait for it
// to settle and then re-read the decision. A failed create clears the
// reservation, leaving the session uncreated for the next writer to retry.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	for {
		st := c.state(sub.SessionID)
		st.mu.Lock()
		if st.created {
			st.mu.Unlock()
			return c.update(ctx, sub)
		}
		if st.pending != nil {
			settled := st.pending
			st.mu.Unlock()
			select {
			case <-settled:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		settled := make(chan struct{})
		st.pending = settled
		st.mu.Unlock()

		err := c.call(ctx, c.api.CreateRecord, sub)

		st.mu.Lock()
		st.pending = nil
		if err == nil || errors.Is(err, sentinel.ErrConflict) {
			// A remote conflict means the record already exists,
			// likely from a previous run; either way the session is
			// created and later writers update.
			st.created = true
		}
		st.mu.Unlock()
		close(settled)

		switch {
		case err == nil:
			c.metrics.IncrementSubmission(string(OutcomeCreated))
			return OutcomeCreated, nil
		case errors.Is(err, sentinel.ErrConflict):
			c.metrics.IncrementSubmission(string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		default:
			return "", fmt.Errorf("creating attendance record for session %s: %w", sub.SessionCode, err)
		}
	}
}

func (c *Coordinator) update(ctx context.Context, sub Submission) (Outcome, error) {
	err := c.call(ctx, c.api.UpdateRecord, sub)
	switch {
	case err == nil:
		c.metrics.IncrementSubmission(string(OutcomeUpdated))
		return OutcomeUpdated, nil
	case errors.Is(err, sentinel.ErrConflict):
		c.metrics.IncrementSubmission(string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	default:
		return "", fmt.Errorf("updating attendance record for session %s: %w", sub.SessionCode, err)
	}
}

// RecordPresence adapts a verification task into a submission.
func (c *Coordinator) RecordPresence(ctx context.Context, task verification.Task) error {
	_, err := c.Submit(ctx, Submission{
		SessionID:     task.SessionID,
		SessionCode:   task.SessionCode,
		ParticipantID: task.ParticipantID,
		VerifiedAt:    time.Now(),
	})
	return err
}

// Forget drops a session's submission state, typically after its report is
// sent.
func (c *Coordinator) Forget(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Coordinator) state(sessionID uuid.UUID) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		c.sessions[sessionID] = st
	}
	return st
}

// call runs one record API operation behind the breaker, retrying transient
// failures within the attempt budget. Conflicts are final and never retried.
func (c *Coordinator) call(ctx context.Context, op func(context.Context, Submission) error, sub Submission) error {
	if c.breaker.IsOpen() {
		// Probe with a single attempt so the breaker can close again.
		return c.attempt(ctx, op, sub)
	}

	var err error
	for i := 0; i < c.maxCalls; i++ {
		if i > 0 {
			c.metrics.IncrementRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.callDelay):
			}
		}
		err = c.attempt(ctx, op, sub)
		if err == nil || errors.Is(err, sentinel.ErrConflict) || !errors.Is(err, sentinel.ErrUnavailable) {
			return err
		}
	}
	return err
}

func (c *Coordinator) attempt(ctx context.Context, op func(context.Context, Submission) error, sub Submission) error {
	start := time.Now()
	err := op(ctx, sub)
	c.metrics.ObserveCall(time.Since(start))

	if err != nil && !errors.Is(err, sentinel.ErrConflict) {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.Warn("record API circuit opened")
			c.metrics.SetBreakerOpen(true)
		}
		return err
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("record API circuit closed")
		c.metrics.SetBreakerOpen(false)
	}
	return err
}
