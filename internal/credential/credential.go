// Package credential supplies bearer tokens for replayed mutations.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider returns the current bearer token. An empty token means signed out.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a Provider backed by a configured token that can be swapped at runtime.
type Static struct {
	mu    sync.RWMutex
	token string
}

// NewStatic creates a provider that returns token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Set replaces the token, e.g. after a login.
func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Expired reports whether token is a JWT whose exp claim is at or before now.
// Tokens that are not JWTs, or carry no exp, never expire here. The signature
// is not checked; only the server can do that.
func Expired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}

// Select picks the token to replay a mutation with. The snapshot taken at
// enqueue time wins unless it is missing or expired, in which case the
// provider's current token is used. A provider error falls back to the snapshot.
func Select(ctx context.Context, snapshot string, p Provider, now time.Time) string {
	if snapshot != "" && !Expired(snapshot, now) {
		return snapshot
	}
	if p == nil {
		return snapshot
	}
	current, err := p.Token(ctx)
	if err != nil || current == "" {
		return snapshot
	}
	return current
}
