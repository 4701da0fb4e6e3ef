// Package session owns the attendance session lifecycle: creation with OTP
// codes, enrollment gating, time-driven expiry, report dispatch and sweep.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/session/metrics"
	"rollcall/internal/verification"
	"rollcall/pkg/apperr"
	"rollcall/pkg/platform/sentinel"
)

// TaskSubmitter admits verification tasks. The queue rejects immediately
// when full; the service surfaces that to the participant untouched.
type TaskSubmitter interface {
	Submit(task verification.Task) error
}

// ReportSource supplies the authoritative attendance marks for a finished
// session.
type ReportSource interface {
	FetchAttendance(ctx context.Context, sessionCode string) ([]AttendanceMark, error)
}

// Notifier delivers the formatted report to the session owner's address.
type Notifier interface {
	Notify(ctx context.Context, chatID, message string) error
}

// RetryPolicy answers and clears per-participant attempt budgets.
type RetryPolicy interface {
	CanRetry(sessionID uuid.UUID, participantID string) bool
	Remaining(sessionID uuid.UUID, participantID string) int
	Forget(sessionID uuid.UUID)
	PurgeBefore(cutoff time.Time) int
}

// Forgetter releases per-session state held by downstream components once a
// session is fully finished.
type Forgetter interface {
	Forget(sessionID uuid.UUID)
}

// Config carries the session service tunables.
type Config struct {
	DefaultRadiusMeters float64
	DefaultTTL          time.Duration
	ReportBuffer        time.Duration
	Retention           time.Duration
	MaxAttempts         int
	CodeRetries         int
}

func (c Config) withDefaults() Config {
	if c.DefaultRadiusMeters <= 0 {
		c.DefaultRadiusMeters = 50
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 150 * time.Second
	}
	if c.ReportBuffer <= 0 {
		c.ReportBuffer = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.CodeRetries <= 0 {
		c.CodeRetries = 5
	}
	return c
}

// CreateRequest opens a new session.
type CreateRequest struct {
	OwnerID      string
	OwnerChatID  string
	Scope        string
	Center       geo.Coordinate
	RadiusMeters float64
	TTL          time.Duration
	Roster       []Participant
}

// EnrollRequest is one participant's attempt to mark themselves present.
type EnrollRequest struct {
	Code          string
	ParticipantID string
	Location      geo.Coordinate
	Probe         []byte
	RequestID     string
}

// EnrollResult hands back the task identity and a single-delivery mailbox
// the caller can wait on for the verification outcome.
type EnrollResult struct {
	TaskID  uuid.UUID
	Attempt int
	Outcome <-chan verification.Result
}

// Service is the session state machine. It owns per-session expiry timers;
// all status transitions go through the store's CAS so each happens exactly
// once even with a timer and an explicit close racing.
type Service struct {
	cfg     Config
	store   Store
	queue   TaskSubmitter
	hub     *verification.ResultHub
	retries RetryPolicy
	reports ReportSource
	notify  Notifier
	logger  *slog.Logger
	metrics *metrics.Metrics
	cleanup []Forgetter
	now     func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source, for tests. Timers still use real
// time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithForgetters registers components whose per-session state is released
// when a session finishes.
func WithForgetters(f ...Forgetter) Option {
	return func(s *Service) { s.cleanup = append(s.cleanup, f...) }
}

// NewService wires the session state machine.
func NewService(
	cfg Config,
	store Store,
	queue TaskSubmitter,
	hub *verification.ResultHub,
	retries RetryPolicy,
	reports ReportSource,
	notify Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		queue:   queue,
		hub:     hub,
		retries: retries,
		reports: reports,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a session for an owner. One active session per (owner, scope,
// day); the OTP code is unique among live sessions.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := s.validateCreate(req); err != nil {
		s.metrics.IncrementCreated("invalid")
		return nil, err
	}

	day := s.now().Format("2006-01-02")
	if _, err := s.store.FindActiveByOwnerDay(ctx, req.OwnerID, req.Scope, day); err == nil {
		s.metrics.IncrementCreated("duplicate")
		return nil, apperr.New(apperr.CodeDuplicateSession,
			fmt.Sprintf("an active session for %s already exists today", req.Scope))
	} else if !errorsIsNotFound(err) {
		return nil, fmt.Errorf("checking for duplicate session: %w", err)
	}

	radius := req.RadiusMeters
	if radius <= 0 {
		radius = s.cfg.DefaultRadiusMeters
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	roster := make(map[string]Participant, len(req.Roster))
	for _, p := range req.Roster {
		roster[p.ID] = p
	}

	now := s.now()
	sess := &Session{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		OwnerChatID:  req.OwnerChatID,
		Scope:        req.Scope,
		Day:          day,
		Center:       req.Center,
		RadiusMeters: radius,
		Roster:       roster,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Status:       StatusActive,
	}

	// The store's insert is the code reservation: a conflict means another
	// live session holds the code, so draw a fresh one and try again.
	saved := false
	for i := 0; i < s.cfg.CodeRetries && !saved; i++ {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("generating session code: %w", err)
		}
		sess.Code = code
		switch err := s.store.Save(ctx, sess); {
		case err == nil:
			saved = true
		case errors.Is(err, sentinel.ErrConflict):
		default:
			return nil, fmt.Errorf("saving session: %w", err)
		}
	}
	if !saved {
		s.metrics.IncrementCreated("code_exhaustion")
		return nil, apperr.New(apperr.CodeCodeExhaustion, "could not allocate a unique session code")
	}

	s.scheduleExpiry(sess.Code, ttl)
	s.metrics.IncrementCreated("created")
	s.logger.Info("session created",
		"session", sess.Code,
		"owner", sess.OwnerID,
		"scope", sess.Scope,
		"roster_size", len(roster),
		"expires_at", sess.ExpiresAt,
	)
	return sess, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.OwnerID == "" || req.Scope == "" {
		return apperr.New(apperr.CodeInvalidInput, "owner and scope are required")
	}
	if len(req.Roster) == 0 {
		return apperr.New(apperr.CodeInvalidInput, "roster must not be empty")
	}
	if !req.Center.Valid() {
		return apperr.New(apperr.CodeInvalidInput, "session center coordinate is malformed")
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Enroll validates a participant against the session gates and, when all
// pass, queues a verification task. It never waits for verification itself.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	sess, err := s.store.FindByCode(ctx, req.Code)
	if errorsIsNotFound(err) {
		s.metrics.IncrementEnrollment("unknown_code")
		return nil, apperr.New(apperr.CodeUnknownCode, "no session with that code")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	if sess.Status != StatusActive || sess.Expired(s.now()) {
		s.metrics.IncrementEnrollment("expired")
		return nil, apperr.New(apperr.CodeSessionExpired, "session has ended")
	}
	if !sess.Enrolled(req.ParticipantID) {
		s.metrics.IncrementEnrollment("not_enrolled")
		return nil, apperr.New(apperr.CodeNotEnrolled, "participant is not on the session roster")
	}

	within, dist, err := s.withinFence(sess, req.Location)
	if err != nil {
		s.metrics.IncrementEnrollment("invalid_location")
		return nil, apperr.Wrap(apperr.CodeInvalidInput, "location coordinate is malformed", err)
	}
	if !within {
		s.metrics.IncrementEnrollment("out_of_range")
		return nil, apperr.New(apperr.CodeOutOfRange,
			fmt.Sprintf("too far from the session location: %.0fm (limit %.0fm)", dist, sess.RadiusMeters))
	}

	if !s.retries.CanRetry(sess.ID, req.ParticipantID) {
		s.metrics.IncrementEnrollment("retry_exhausted")
		return nil, apperr.New(apperr.CodeRetryExhausted, "no verification attempts left for this session")
	}
	attempt := s.cfg.MaxAttempts - s.retries.Remaining(sess.ID, req.ParticipantID) + 1

	task := verification.Task{
		ID:            uuid.New(),
		SessionID:     sess.ID,
		SessionCode:   sess.Code,
		ParticipantID: req.ParticipantID,
		Probe:         req.Probe,
		SubmittedAt:   s.now(),
		Attempt:       attempt,
		RequestID:     req.RequestID,
	}

	outcome := s.hub.Register(task.ID)
	if err := s.queue.Submit(task); err != nil {
		s.hub.Deregister(task.ID)
		s.metrics.IncrementEnrollment("queue_full")
		return nil, apperr.Wrap(apperr.CodeQueueFull, "verification is overloaded, try again shortly", err)
	}

	s.metrics.IncrementEnrollment("queued")
	s.logger.Debug("verification task queued",
		"session", sess.Code,
		"participant", req.ParticipantID,
		"attempt", attempt,
	)
	return &EnrollResult{TaskID: task.ID, Attempt: attempt, Outcome: outcome}, nil
}

func (s *Service) withinFence(sess *Session, loc geo.Coordinate) (bool, float64, error) {
	dist, err := geo.Distance(sess.Center, loc)
	if err != nil {
		return false, 0, err
	}
	return dist <= sess.RadiusMeters, dist, nil
}

// Close ends a session early at the owner's request. The report still fires
// after the usual buffer.
func (s *Service) Close(ctx context.Context, code, ownerID string) error {
	sess, err := s.store.FindByCode(ctx, code)
	if errorsIsNotFound(err) {
		return apperr.New(apperr.CodeUnknownCode, "no session with that code")
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}
	if sess.OwnerID != ownerID {
		return apperr.New(apperr.CodeUnauthorized, "only the session owner can close it")
	}

	s.cancelTimer(code)
	s.expire(code)
	return nil
}

// IsActive satisfies verification.SessionGuard: it reports whether a
// session can still accept verification results.
func (s *Service) IsActive(ctx context.Context, code string) bool {
	sess, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return false
	}
	return sess.Status == StatusActive && !sess.Expired(s.now())
}

// Sweep expires overdue sessions whose timer died with a previous process,
// then garbage-collects finished sessions past retention and stale retry
// records. Wired to the cron scheduler.
func (s *Service) Sweep(ctx context.Context) {
	overdue, err := s.store.FindOverdueActive(ctx, s.now())
	if err != nil {
		s.logger.Error("overdue session scan failed", "error", err)
	}
	for _, code := range overdue {
		// CAS inside expire keeps this safe against a live timer racing
		// the sweep; whoever wins also schedules the report.
		s.expire(code)
	}

	cutoff := s.now().Add(-s.cfg.Retention)

	removed, err := s.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
	} else if removed > 0 {
		s.metrics.AddSweepRemoved("session", removed)
	}

	purged := s.retries.PurgeBefore(cutoff)
	if purged > 0 {
		s.metrics.AddSweepRemoved("retry_record", purged)
	}

	if removed > 0 || purged > 0 {
		s.logger.Info("sweep completed", "sessions_removed", removed, "retry_records_purged", purged)
	}
}

// Stop cancels all pending expiry timers.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, t := range s.timers {
		t.Stop()
		delete(s.timers, code)
	}
}

func (s *Service) scheduleExpiry(code string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[code] = time.AfterFunc(ttl, func() {
		s.expire(code)
	})
}

func (s *Service) cancelTimer(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[code]; ok {
		t.Stop()
		delete(s.timers, code)
	}
}

// expire applies Active -> Expired exactly once and schedules the report.
// Losing the CAS means another path already expired the session.
func (s *Service) expire(code string) {
	ctx := context.Background()
	err := s.store.UpdateStatus(ctx, code, StatusActive, StatusExpired)
	if err != nil {
		if !errorsIsInvalidState(err) && !errorsIsNotFound(err) {
			s.logger.Error("session expiry failed", "session", code, "error", err)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.SessionsExpired.Inc()
	}
	s.logger.Info("session expired", "session", code)

	time.AfterFunc(s.cfg.ReportBuffer, func() {
		s.dispatchReport(context.Background(), code)
	})
}

// dispatchReport fetches the authoritative attendance, delivers the report
// and applies Expired -> ReportSent. Any failure leaves the session in
// Expired; the sweep will reclaim it and the owner can request the report
// manually.
func (s *Service) dispatchReport(ctx context.Context, code string) {
	sess, err := s.store.FindByCode(ctx, code)
	if err != nil {
		s.logger.Error("report dispatch: session lookup failed", "session", code, "error", err)
		return
	}

	marks, err := s.reports.FetchAttendance(ctx, code)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ReportFailures.Inc()
		}
		s.logger.Error("report dispatch: attendance fetch failed", "session", code, "error", err)
		return
	}

	report := BuildReport(sess, marks)
	if err := s.notify.Notify(ctx, sess.OwnerChatID, report.Format()); err != nil {
		if s.metrics != nil {
			s.metrics.ReportFailures.Inc()
		}
		s.logger.Error("report dispatch: delivery failed", "session", code, "error", err)
		return
	}

	if err := s.store.UpdateStatus(ctx, code, StatusExpired, StatusReportSent); err != nil {
		if !errorsIsInvalidState(err) {
			s.logger.Error("report dispatch: status update failed", "session", code, "error", err)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.ReportsSent.Inc()
	}
	s.logger.Info("report delivered",
		"session", code,
		"present", len(report.Present),
		"absent", len(report.Absent),
	)

	s.retries.Forget(sess.ID)
	for _, f := range s.cleanup {
		f.Forget(sess.ID)
	}
	s.cancelTimer(code)
}

// Report builds the current report on demand, for the owner-facing report
// endpoint.
func (s *Service) Report(ctx context.Context, code, ownerID string) (*Report, error) {
	sess, err := s.store.FindByCode(ctx, code)
	if errorsIsNotFound(err) {
		return nil, apperr.New(apperr.CodeUnknownCode, "no session with that code")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if sess.OwnerID != ownerID {
		return nil, apperr.New(apperr.CodeUnauthorized, "only the session owner can read the report")
	}

	marks, err := s.reports.FetchAttendance(ctx, code)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSubmissionError, "attendance record is unavailable", err)
	}

	report := BuildReport(sess, marks)
	return &report, nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}

func errorsIsInvalidState(err error) bool {
	return errors.Is(err, sentinel.ErrInvalidState)
}
