package http

import (
	"time"

	"rollcall/internal/session"
	"rollcall/internal/verification"
)

// SessionResponse is returned on session creation.
type SessionResponse struct {
	Code         string    `json:"code"`
	Scope        string    `json:"scope"`
	Day          string    `json:"day"`
	RadiusMeters float64   `json:"radius_meters"`
	RosterSize   int       `json:"roster_size"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func newSessionResponse(sess *session.Session) SessionResponse {
	return SessionResponse{
		Code:         sess.Code,
		Scope:        sess.Scope,
		Day:          sess.Day,
		RadiusMeters: sess.RadiusMeters,
		RosterSize:   len(sess.Roster),
		ExpiresAt:    sess.ExpiresAt,
	}
}

// EnrollResponse reports the verification outcome, or a pending marker when
// verification outlives the wait window.
type EnrollResponse struct {
	TaskID       string  `json:"task_id"`
	Attempt      int     `json:"attempt"`
	Status       string  `json:"status"`
	Score        float64 `json:"score,omitempty"`
	AttemptsLeft int     `json:"attempts_left,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

func newEnrollResponse(taskID string, attempt int, res *verification.Result) EnrollResponse {
	if res == nil {
		return EnrollResponse{TaskID: taskID, Attempt: attempt, Status: "pending"}
	}
	return EnrollResponse{
		TaskID:       taskID,
		Attempt:      attempt,
		Status:       string(res.Outcome),
		Score:        res.Score,
		AttemptsLeft: res.AttemptsLeft,
		Reason:       res.Reason,
	}
}

// ReportResponse is the owner-facing attendance report.
type ReportResponse struct {
	SessionCode string           `json:"session_code"`
	Scope       string           `json:"scope"`
	Day         string           `json:"day"`
	Present     []ReportLineBody `json:"present"`
	Absent      []ReportLineBody `json:"absent"`
	Total       int              `json:"total"`
}

// ReportLineBody is one roster row in the report.
type ReportLineBody struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Group         string `json:"group"`
}

func newReportResponse(rep *session.Report) ReportResponse {
	return ReportResponse{
		SessionCode: rep.SessionCode,
		Scope:       rep.Scope,
		Day:         rep.Day,
		Present:     toLineBodies(rep.Present),
		Absent:      toLineBodies(rep.Absent),
		Total:       len(rep.Present) + len(rep.Absent),
	}
}

func toLineBodies(lines []session.ReportLine) []ReportLineBody {
	out := make([]ReportLineBody, 0, len(lines))
	for _, line := range lines {
		out = append(out, ReportLineBody{
			ParticipantID: line.ParticipantID,
			Name:          line.Name,
			Group:         line.Group,
		})
	}
	return out
}

// StatusResponse is the operational snapshot served on /status.
type StatusResponse struct {
	Queue  verification.Stats `json:"queue"`
	Uptime string             `json:"uptime"`
}
