package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"rollcall/internal/geo"
	"rollcall/internal/verification"
	"rollcall/pkg/apperr"
	"rollcall/pkg/platform/sentinel"
)

type fakeStore struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	saveErr       error
	saveAttempts  int
	conflicts     int
	allCodesTaken bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (f *fakeStore) Save(_ context.Context, sess *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveAttempts++
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.allCodesTaken {
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	if _, ok := f.sessions[sess.Code]; ok {
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	cp := *sess
	f.sessions[sess.Code] = &cp
	return nil
}

func (f *fakeStore) FindByCode(_ context.Context, code string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[code]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", code, sentinel.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) FindActiveByOwnerDay(_ context.Context, ownerID, scope, day string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.OwnerID == ownerID && sess.Scope == scope && sess.Day == day && sess.Status == StatusActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (f *fakeStore) UpdateStatus(_ context.Context, code string, from, to Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[code]
	if !ok {
		return sentinel.ErrNotFound
	}
	if sess.Status != from {
		return sentinel.ErrInvalidState
	}
	sess.Status = to
	return nil
}

func (f *fakeStore) FindOverdueActive(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var codes []string
	for code, sess := range f.sessions {
		if sess.Status == StatusActive && !now.Before(sess.ExpiresAt) {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (f *fakeStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for code, sess := range f.sessions {
		if sess.Status != StatusActive && sess.ExpiresAt.Before(cutoff) {
			delete(f.sessions, code)
			removed++
		}
	}
	return removed, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []verification.Task
	err   error
}

func (f *fakeQueue) Submit(task verification.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeRetryPolicy struct {
	mu        sync.Mutex
	remaining int
	forgotten []uuid.UUID
	purged    int
}

func (f *fakeRetryPolicy) CanRetry(uuid.UUID, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining > 0
}

func (f *fakeRetryPolicy) Remaining(uuid.UUID, string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

func (f *fakeRetryPolicy) Forget(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeRetryPolicy) PurgeBefore(time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
	return 3
}

type fakeReportSource struct {
	marks []AttendanceMark
	err   error
}

func (f *fakeReportSource) FetchAttendance(context.Context, string) ([]AttendanceMark, error) {
	return f.marks, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	chatID   string
	messages []string
	err      error
}

func (f *fakeNotifier) Notify(_ context.Context, chatID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chatID = chatID
	f.messages = append(f.messages, message)
	return nil
}

type fakeForgetter struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeForgetter) Forget(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

var vijayawada = geo.Coordinate{Lat: 16.5062, Lon: 80.6480}

type ServiceSuite struct {
	suite.Suite

	store     *fakeStore
	queue     *fakeQueue
	retries   *fakeRetryPolicy
	reports   *fakeReportSource
	notifier  *fakeNotifier
	forgetter *fakeForgetter
	hub       *verification.ResultHub
	svc       *Service
	now       time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = newFakeStore()
	s.queue = &fakeQueue{}
	s.retries = &fakeRetryPolicy{remaining: 2}
	s.reports = &fakeReportSource{}
	s.notifier = &fakeNotifier{}
	s.forgetter = &fakeForgetter{}
	s.hub = verification.NewResultHub(logger, nil)
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.svc = NewService(
		Config{DefaultTTL: time.Hour, MaxAttempts: 2},
		s.store, s.queue, s.hub, s.retries, s.reports, s.notifier, logger,
		WithClock(func() time.Time { return s.now }),
		WithForgetters(s.forgetter),
	)
	s.T().Cleanup(s.svc.Stop)
}

func (s *ServiceSuite) createRequest() CreateRequest {
	return CreateRequest{
		OwnerID:     "mentor-1",
		OwnerChatID: "chat-42",
		Scope:       "python",
		Center:      vijayawada,
		Roster: []Participant{
			{ID: "22BQ1A0501", Name: "Anil", Group: "batch-7"},
			{ID: "22BQ1A0502", Name: "Bhavna", Group: "batch-7"},
		},
	}
}

func (s *ServiceSuite) mustCreate() *Session {
	sess, err := s.svc.Create(context.Background(), s.createRequest())
	s.Require().NoError(err)
	return sess
}

func (s *ServiceSuite) enrollRequest(code string) EnrollRequest {
	return EnrollRequest{
		Code:          code,
		ParticipantID: "22BQ1A0501",
		Location:      vijayawada,
		Probe:         []byte("probe"),
	}
}

func (s *ServiceSuite) TestCreateAppliesDefaults() {
	sess := s.mustCreate()

	s.Regexp(regexp.MustCompile(`^\d{6}$`), sess.Code)
	s.Equal(StatusActive, sess.Status)
	s.Equal("2026-03-10", sess.Day)
	s.InDelta(50.0, sess.RadiusMeters, 0.001)
	s.Equal(s.now.Add(time.Hour), sess.ExpiresAt)
	s.Len(sess.Roster, 2)
	s.Equal("Anil", sess.Roster["22BQ1A0501"].Name)
}

func (s *ServiceSuite) TestCreateRejectsSecondSessionSameOwnerScopeDay() {
	s.mustCreate()

	_, err := s.svc.Create(context.Background(), s.createRequest())
	s.Require().Error(err)
	s.Equal(apperr.CodeDuplicateSession, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestCreateAllowsDifferentScopeSameDay() {
	s.mustCreate()

	req := s.createRequest()
	req.Scope = "golang"
	_, err := s.svc.Create(context.Background(), req)
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestCreateValidation() {
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{name: "missing owner", mutate: func(r *CreateRequest) { r.OwnerID = "" }},
		{name: "missing scope", mutate: func(r *CreateRequest) { r.Scope = "" }},
		{name: "empty roster", mutate: func(r *CreateRequest) { r.Roster = nil }},
		{name: "malformed center", mutate: func(r *CreateRequest) { r.Center.Lat = 123 }},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := s.createRequest()
			tc.mutate(&req)
			_, err := s.svc.Create(context.Background(), req)
			s.Require().Error(err)
			s.Equal(apperr.CodeInvalidInput, apperr.CodeOf(err))
		})
	}
}

func (s *ServiceSuite) TestCreateCodeExhaustion() {
	// Every insert collides; generation gives up after its budget.
	s.store.allCodesTaken = true

	_, err := s.svc.Create(context.Background(), s.createRequest())
	s.Require().Error(err)
	s.Equal(apperr.CodeCodeExhaustion, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestCreateRedrawsCodeOnInsertConflict() {
	// Two creators drawing the same code race to insert; the loser gets a
	// conflict from the store and must try a fresh code, not overwrite.
	s.store.conflicts = 2

	sess, err := s.svc.Create(context.Background(), s.createRequest())
	s.Require().NoError(err)
	s.Equal(3, s.store.saveAttempts)
	s.Regexp(regexp.MustCompile(`^\d{6}$`), sess.Code)

	stored, err := s.store.FindByCode(context.Background(), sess.Code)
	s.Require().NoError(err)
	s.Equal(sess.ID, stored.ID)
}

func (s *ServiceSuite) TestEnrollUnknownCode() {
	_, err := s.svc.Enroll(context.Background(), s.enrollRequest("000000"))
	s.Require().Error(err)
	s.Equal(apperr.CodeUnknownCode, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestEnrollAfterExpiry() {
	sess := s.mustCreate()
	s.now = s.now.Add(2 * time.Hour)

	_, err := s.svc.Enroll(context.Background(), s.enrollRequest(sess.Code))
	s.Require().Error(err)
	s.Equal(apperr.CodeSessionExpired, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestEnrollNotOnRoster() {
	sess := s.mustCreate()
	req := s.enrollRequest(sess.Code)
	req.ParticipantID = "23BQ1A9999"

	_, err := s.svc.Enroll(context.Background(), req)
	s.Require().Error(err)
	s.Equal(apperr.CodeNotEnrolled, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestEnrollOutsideGeofence() {
	sess := s.mustCreate()
	req := s.enrollRequest(sess.Code)
	// About 75 meters north of the center against a 50 meter fence.
	req.Location = geo.Coordinate{Lat: vijayawada.Lat + 75.0/111320.0, Lon: vijayawada.Lon}

	_, err := s.svc.Enroll(context.Background(), req)
	s.Require().Error(err)
	s.Equal(apperr.CodeOutOfRange, apperr.CodeOf(err))
	s.Contains(err.Error(), "too far")
}

func (s *ServiceSuite) TestEnrollJustInsideGeofence() {
	sess := s.mustCreate()
	req := s.enrollRequest(sess.Code)
	// About 22 meters north, well inside the 50 meter fence.
	req.Location = geo.Coordinate{Lat: vijayawada.Lat + 22.0/111320.0, Lon: vijayawada.Lon}

	_, err := s.svc.Enroll(context.Background(), req)
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestEnrollMalformedLocation() {
	sess := s.mustCreate()
	req := s.enrollRequest(sess.Code)
	req.Location = geo.Coordinate{Lat: 200, Lon: 80}

	_, err := s.svc.Enroll(context.Background(), req)
	s.Require().Error(err)
	s.Equal(apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestEnrollRetryBudgetSpent() {
	sess := s.mustCreate()
	s.retries.remaining = 0

	_, err := s.svc.Enroll(context.Background(), s.enrollRequest(sess.Code))
	s.Require().Error(err)
	s.Equal(apperr.CodeRetryExhausted, apperr.CodeOf(err))
	s.Empty(s.queue.tasks)
}

func (s *ServiceSuite) TestEnrollQueueFullSurfaced() {
	sess := s.mustCreate()
	s.queue.err = verification.ErrQueueFull

	_, err := s.svc.Enroll(context.Background(), s.enrollRequest(sess.Code))
	s.Require().Error(err)
	s.Equal(apperr.CodeQueueFull, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestEnrollQueuesTaskAndOpensMailbox() {
	sess := s.mustCreate()

	res, err := s.svc.Enroll(context.Background(), s.enrollRequest(sess.Code))
	s.Require().NoError(err)
	s.Equal(1, res.Attempt)
	s.Require().Len(s.queue.tasks, 1)

	task := s.queue.tasks[0]
	s.Equal(res.TaskID, task.ID)
	s.Equal(sess.ID, task.SessionID)
	s.Equal(sess.Code, task.SessionCode)
	s.Equal("22BQ1A0501", task.ParticipantID)

	s.hub.Publish(verification.Result{TaskID: task.ID, Outcome: verification.OutcomePassed})
	delivered := <-res.Outcome
	s.Equal(verification.OutcomePassed, delivered.Outcome)
}

func (s *ServiceSuite) TestSecondAttemptNumbered() {
	sess := s.mustCreate()
	s.retries.remaining = 1

	res, err := s.svc.Enroll(context.Background(), s.enrollRequest(sess.Code))
	s.Require().NoError(err)
	s.Equal(2, res.Attempt)
}

func (s *ServiceSuite) TestCloseByOwnerExpiresOnce() {
	sess := s.mustCreate()

	s.Require().NoError(s.svc.Close(context.Background(), sess.Code, "mentor-1"))

	stored, err := s.store.FindByCode(context.Background(), sess.Code)
	s.Require().NoError(err)
	s.Equal(StatusExpired, stored.Status)

	// Closing again is a no-op, not an error surge.
	s.Require().NoError(s.svc.Close(context.Background(), sess.Code, "mentor-1"))
	stored, _ = s.store.FindByCode(context.Background(), sess.Code)
	s.Equal(StatusExpired, stored.Status)
}

func (s *ServiceSuite) TestCloseByStrangerRejected() {
	sess := s.mustCreate()

	err := s.svc.Close(context.Background(), sess.Code, "mentor-2")
	s.Require().Error(err)
	s.Equal(apperr.CodeUnauthorized, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestIsActiveTracksLifecycle() {
	sess := s.mustCreate()
	s.True(s.svc.IsActive(context.Background(), sess.Code))

	s.now = s.now.Add(2 * time.Hour)
	s.False(s.svc.IsActive(context.Background(), sess.Code))
	s.False(s.svc.IsActive(context.Background(), "000000"))
}

func (s *ServiceSuite) TestDispatchReportDeliversAndFinishes() {
	sess := s.mustCreate()
	s.Require().NoError(s.store.UpdateStatus(context.Background(), sess.Code, StatusActive, StatusExpired))
	s.reports.marks = []AttendanceMark{{ParticipantID: "22BQ1A0501", Present: true}}

	s.svc.dispatchReport(context.Background(), sess.Code)

	s.Equal("chat-42", s.notifier.chatID)
	s.Require().Len(s.notifier.messages, 1)
	s.Contains(s.notifier.messages[0], "Present: 1 / 2")
	s.Contains(s.notifier.messages[0], "Anil")
	s.Contains(s.notifier.messages[0], "Bhavna")

	stored, _ := s.store.FindByCode(context.Background(), sess.Code)
	s.Equal(StatusReportSent, stored.Status)
	s.Equal([]uuid.UUID{sess.ID}, s.retries.forgotten)
	s.Equal([]uuid.UUID{sess.ID}, s.forgetter.ids)
}

func (s *ServiceSuite) TestDispatchReportFetchFailureLeavesExpired() {
	sess := s.mustCreate()
	s.Require().NoError(s.store.UpdateStatus(context.Background(), sess.Code, StatusActive, StatusExpired))
	s.reports.err = fmt.Errorf("record api down: %w", sentinel.ErrUnavailable)

	s.svc.dispatchReport(context.Background(), sess.Code)

	s.Empty(s.notifier.messages)
	stored, _ := s.store.FindByCode(context.Background(), sess.Code)
	s.Equal(StatusExpired, stored.Status)
}

func (s *ServiceSuite) TestDispatchReportDeliveryFailureLeavesExpired() {
	sess := s.mustCreate()
	s.Require().NoError(s.store.UpdateStatus(context.Background(), sess.Code, StatusActive, StatusExpired))
	s.notifier.err = fmt.Errorf("chat unreachable")

	s.svc.dispatchReport(context.Background(), sess.Code)

	stored, _ := s.store.FindByCode(context.Background(), sess.Code)
	s.Equal(StatusExpired, stored.Status)
	s.Empty(s.forgetter.ids)
}

func (s *ServiceSuite) TestReportOnDemand() {
	sess := s.mustCreate()
	s.reports.marks = []AttendanceMark{{ParticipantID: "22BQ1A0502", Present: true}}

	report, err := s.svc.Report(context.Background(), sess.Code, "mentor-1")
	s.Require().NoError(err)
	s.Len(report.Present, 1)
	s.Len(report.Absent, 1)
	s.Equal("22BQ1A0502", report.Present[0].ParticipantID)

	_, err = s.svc.Report(context.Background(), sess.Code, "mentor-2")
	s.Equal(apperr.CodeUnauthorized, apperr.CodeOf(err))
}

func (s *ServiceSuite) TestSweepRemovesFinishedSessionsAndRetryRecords() {
	sess := s.mustCreate()
	s.Require().NoError(s.store.UpdateStatus(context.Background(), sess.Code, StatusActive, StatusExpired))

	// Move past expiry plus retention.
	s.now = s.now.Add(3 * time.Hour)
	s.svc.Sweep(context.Background())

	_, err := s.store.FindByCode(context.Background(), sess.Code)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	s.Equal(1, s.retries.purged)
}

func (s *ServiceSuite) TestSweepExpiresSessionsWhoseTimerDied() {
	// A session left Active by a crashed process has no in-memory timer.
	// The sweep must find it and drive the usual expiry transition.
	orphan := &Session{
		ID:          uuid.New(),
		Code:        "424242",
		OwnerID:     "mentor-9",
		OwnerChatID: "chat-9",
		Scope:       "python",
		Day:         "2026-03-10",
		Status:      StatusActive,
		CreatedAt:   s.now.Add(-time.Hour),
		ExpiresAt:   s.now.Add(-30 * time.Minute),
	}
	s.store.mu.Lock()
	s.store.sessions[orphan.Code] = orphan
	s.store.mu.Unlock()

	s.svc.Sweep(context.Background())

	stored, err := s.store.FindByCode(context.Background(), orphan.Code)
	s.Require().NoError(err)
	s.Equal(StatusExpired, stored.Status)
}

func (s *ServiceSuite) TestSweepLeavesLiveSessionsActive() {
	sess := s.mustCreate()

	s.svc.Sweep(context.Background())

	stored, err := s.store.FindByCode(context.Background(), sess.Code)
	s.Require().NoError(err)
	s.Equal(StatusActive, stored.Status)
}
