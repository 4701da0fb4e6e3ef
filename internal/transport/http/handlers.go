// Package http is the HTTP surface: session management for owners,
// enrollment for participants, and operational endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rollcall/internal/session"
	"rollcall/internal/verification"
	"rollcall/pkg/apperr"
	"rollcall/pkg/platform/httputil"
	"rollcall/pkg/requestcontext"
)

// ownerHeader carries the caller's owner identity on owner-scoped routes.
const ownerHeader = "X-Owner-ID"

// defaultResultWait bounds how long an enrollment request blocks waiting
// for its verification outcome before answering pending.
const defaultResultWait = 30 * time.Second

// SessionService is the session state machine surface the handlers need.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Session, error)
	Enroll(ctx context.Context, req session.EnrollRequest) (*session.EnrollResult, error)
	Close(ctx context.Context, code, ownerID string) error
	Report(ctx context.Context, code, ownerID string) (*session.Report, error)
}

// StatsSource exposes the verification queue snapshot for /status.
type StatsSource interface {
	Stats() verification.Stats
}

// Handler wires the HTTP routes to the session service.
type Handler struct {
	sessions   SessionService
	stats      StatsSource
	logger     *slog.Logger
	resultWait time.Duration
	startedAt  time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithResultWait overrides how long enrollment blocks for a verification
// outcome.
func WithResultWait(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.resultWait = d
		}
	}
}

// NewHandler constructs the HTTP handler set.
func NewHandler(sessions SessionService, stats StatsSource, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		sessions:   sessions,
		stats:      stats,
		logger:     logger,
		resultWait: defaultResultWait,
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts all routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/sessions", h.HandleCreateSession)
	r.Delete("/sessions/{code}", h.HandleCloseSession)
	r.Post("/sessions/{code}/enrollments", h.HandleEnroll)
	r.Get("/sessions/{code}/report", h.HandleReport)
	r.Get("/status", h.HandleStatus)
}

// HandleCreateSession handles POST /sessions.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	var req CreateSessionRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	domainReq, err := req.toDomain()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := h.sessions.Create(ctx, domainReq)
	if err != nil {
		h.logger.ErrorContext(ctx, "session creation failed",
			"request_id", requestID,
			"owner", req.OwnerID,
			"scope", req.Scope,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusCreated, newSessionResponse(sess))
}

// HandleCloseSession handles DELETE /sessions/{code}.
func (h *Handler) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")
	ownerID := r.Header.Get(ownerHeader)
	if ownerID == "" {
		httputil.WriteError(w, apperr.New(apperr.CodeUnauthorized, "missing "+ownerHeader+" header"))
		return
	}

	if err := h.sessions.Close(ctx, code, ownerID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnroll handles POST /sessions/{code}/enrollments. The request
// blocks up to the wait window for the verification outcome; a task still
// in flight after that answers 202 with a pending status.
func (h *Handler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	code := chi.URLParam(r, "code")

	var req EnrollRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	domainReq, err := req.toDomain(code, requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	enrolled, err := h.sessions.Enroll(ctx, domainReq)
	if err != nil {
		h.logger.WarnContext(ctx, "enrollment rejected",
			"request_id", requestID,
			"session", code,
			"participant", req.ParticipantID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	taskID := enrolled.TaskID.String()
	// The task is already queued; this wait only reads the result mailbox,
	// so a slow verification never holds up admission of other requests.
	select {
	case res := <-enrolled.Outcome:
		_ = httputil.WriteJSON(w, http.StatusOK, newEnrollResponse(taskID, enrolled.Attempt, &res))
	case <-time.After(h.resultWait):
		_ = httputil.WriteJSON(w, http.StatusAccepted, newEnrollResponse(taskID, enrolled.Attempt, nil))
	case <-ctx.Done():
		// Client went away; the verification still completes server-side.
	}
}

// HandleReport handles GET /sessions/{code}/report.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")
	ownerID := r.Header.Get(ownerHeader)
	if ownerID == "" {
		httputil.WriteError(w, apperr.New(apperr.CodeUnauthorized, "missing "+ownerHeader+" header"))
		return
	}

	report, err := h.sessions.Report(ctx, code, ownerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, newReportResponse(report))
}

// HandleStatus handles GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Queue:  h.stats.Stats(),
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	})
}
