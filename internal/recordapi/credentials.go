package recordapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialSource supplies bearer tokens for the record API. Refresh is
// called after a 401 so sources backed by an auth server can re-login.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

const signerLifetime = 15 * time.Minute

// Signer mints short-lived HS256 service tokens locally. It covers
// deployments where the record API shares a signing secret with its
// callers.
type Signer struct {
	secret    []byte
	serviceID string
	now       func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewSigner builds a Signer for the given service identity.
func NewSigner(secret []byte, serviceID string) *Signer {
	return &Signer{secret: secret, serviceID: serviceID, now: time.Now}
}

// Token returns the cached token, minting a fresh one when it is close to
// expiry.
func (s *Signer) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(time.Minute).Before(s.expiresAt) {
		return s.token, nil
	}
	return s.mint()
}

// Refresh discards the cached token and mints a new one.
func (s *Signer) Refresh(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mint()
}

func (s *Signer) mint() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.serviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(signerLifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing record API token: %w", err)
	}
	s.token = token
	s.expiresAt = now.Add(signerLifetime)
	return token, nil
}
