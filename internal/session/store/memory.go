// Package store provides the session store implementations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rollcall/internal/session"
	"rollcall/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in a mutex-guarded map. It favors clarity over
// performance and backs unit tests and single-process deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewInMemory returns an empty in-memory session store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*session.Session)}
}

func (s *InMemoryStore) Save(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Code]; ok {
		return fmt.Errorf("session code %s taken: %w", sess.Code, sentinel.ErrConflict)
	}
	s.sessions[sess.Code] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) FindByCode(_ context.Context, code string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[code]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) FindActiveByOwnerDay(_ context.Context, ownerID, scope, day string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Status == session.StatusActive && sess.OwnerID == ownerID && sess.Scope == scope && sess.Day == day {
			return cloneSession(sess), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, code string, from, to session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return sentinel.ErrNotFound
	}
	if sess.Status != from {
		return sentinel.ErrInvalidState
	}
	sess.Status = to
	return nil
}

func (s *InMemoryStore) FindOverdueActive(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var codes []string
	for code, sess := range s.sessions {
		if sess.Status == session.StatusActive && !now.Before(sess.ExpiresAt) {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (s *InMemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, sess := range s.sessions {
		if sess.Status == session.StatusActive {
			continue
		}
		if sess.ExpiresAt.Before(cutoff) {
			delete(s.sessions, code)
			removed++
		}
	}
	return removed, nil
}

// cloneSession copies the session and its roster so callers cannot mutate
// stored state behind the lock.
func cloneSession(in *session.Session) *session.Session {
	out := *in
	out.Roster = make(map[string]session.Participant, len(in.Roster))
	for id, p := range in.Roster {
		out.Roster[id] = p
	}
	return &out
}
