package http

import (
	"encoding/base64"
	"regexp"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/session"
	"rollcall/pkg/apperr"
)

// Participant IDs are institutional roll numbers: uppercase alphanumerics,
// bounded length.
var participantIDPattern = regexp.MustCompile(`^[A-Z0-9]{4,32}$`)

type coordinatePayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c coordinatePayload) toCoordinate() geo.Coordinate {
	return geo.Coordinate{Lat: c.Lat, Lon: c.Lon}
}

type rosterEntryPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// CreateSessionRequest is the owner-facing session open payload.
type CreateSessionRequest struct {
	OwnerID      string               `json:"owner_id"`
	OwnerChatID  string               `json:"owner_chat_id"`
	Scope        string               `json:"scope"`
	Center       coordinatePayload    `json:"center"`
	RadiusMeters float64              `json:"radius_meters"`
	TTLSeconds   int                  `json:"ttl_seconds"`
	Roster       []rosterEntryPayload `json:"roster"`
}

func (r CreateSessionRequest) toDomain() (session.CreateRequest, error) {
	roster := make([]session.Participant, 0, len(r.Roster))
	for _, entry := range r.Roster {
		if !participantIDPattern.MatchString(entry.ID) {
			return session.CreateRequest{}, apperr.New(apperr.CodeInvalidInput,
				"roster contains a malformed participant id")
		}
		roster = append(roster, session.Participant{ID: entry.ID, Name: entry.Name, Group: entry.Group})
	}
	return session.CreateRequest{
		OwnerID:      r.OwnerID,
		OwnerChatID:  r.OwnerChatID,
		Scope:        r.Scope,
		Center:       r.Center.toCoordinate(),
		RadiusMeters: r.RadiusMeters,
		TTL:          time.Duration(r.TTLSeconds) * time.Second,
		Roster:       roster,
	}, nil
}

// EnrollRequest is the participant-facing attendance payload. Probe carries
// the verification image, base64-encoded.
type EnrollRequest struct {
	ParticipantID string            `json:"participant_id"`
	Location      coordinatePayload `json:"location"`
	Probe         string            `json:"probe"`
}

func (r EnrollRequest) toDomain(code, requestID string) (session.EnrollRequest, error) {
	if !participantIDPattern.MatchString(r.ParticipantID) {
		return session.EnrollRequest{}, apperr.New(apperr.CodeInvalidInput, "malformed participant id")
	}
	if r.Probe == "" {
		return session.EnrollRequest{}, apperr.New(apperr.CodeInvalidInput, "probe image is required")
	}
	probe, err := base64.StdEncoding.DecodeString(r.Probe)
	if err != nil {
		return session.EnrollRequest{}, apperr.Wrap(apperr.CodeInvalidInput, "probe is not valid base64", err)
	}
	return session.EnrollRequest{
		Code:          code,
		ParticipantID: r.ParticipantID,
		Location:      r.Location.toCoordinate(),
		Probe:         probe,
		RequestID:     requestID,
	}, nil
}
