package session

import (
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
)

// Status tracks a session through its lifecycle. A session becomes Expired
// exactly once (TTL elapse or explicit close) and ReportSent only after the
// report has been delivered to the owner.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusReportSent Status = "report_sent"
)

// Participant is one roster entry. Name and Group are carried through to the
// report so owners see readable lines, not bare identifiers.
type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// Session is the unit of attendance coordination. It is keyed by Code (the
// OTP participants type in) and owned by the Store; only the state machine
// service mutates it. Sessions are retained after expiry until the report has
// been sent and the retention window has passed.
type Session struct {
	ID           uuid.UUID              `json:"id"`
	Code         string                 `json:"code"`
	OwnerID      string                 `json:"owner_id"`
	OwnerChatID  string                 `json:"owner_chat_id"`
	Scope        string                 `json:"scope"`
	Day          string                 `json:"day"`
	Center       geo.Coordinate         `json:"center"`
	RadiusMeters float64                `json:"radius_meters"`
	Roster       map[string]Participant `json:"roster"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	Status       Status                 `json:"status"`
}

// Expired reports whether the session TTL has elapsed at t, regardless of
// whether the status transition has been applied yet.
func (s *Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// Enrolled reports whether the participant is on the roster.
func (s *Session) Enrolled(participantID string) bool {
	_, ok := s.Roster[participantID]
	return ok
}
