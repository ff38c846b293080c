// Package auth supplies bearer credentials for game master API calls.
//
// The engine never refreshes credentials itself; expiry is surfaced as an
// auth-kind failure and the caller prompts re-authentication.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/emberlane/storyloom/internal/errors"
)

// TokenSource supplies the bearer credential attached to each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed credential.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a source around a fixed credential.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: strings.TrimSpace(token)}
}

// Token implements TokenSource.
func (s *StaticTokenSource) Token(context.Context) (string, error) {
	if s == nil || s.token == "" {
		return "", apperrors.New(apperrors.KindAuth, "no credential configured")
	}
	return s.token, nil
}

// ExpiryGuard decorates a TokenSource with a local JWT expiry check so an
// already-expired credential fails fast as an auth failure instead of
// burning a network round trip on a guaranteed 401.
//
// The signature is not verified here; the server stays authoritative. A
// token whose expiry cannot be read passes through untouched.
type ExpiryGuard struct {
	Source TokenSource
	Clock  func() time.Time
}

// NewExpiryGuard wraps source with the expiry check.
func NewExpiryGuard(source TokenSource) *ExpiryGuard {
	return &ExpiryGuard{Source: source, Clock: time.Now}
}

// Token implements TokenSource.
func (g *ExpiryGuard) Token(ctx context.Context) (string, error) {
	if g == nil || g.Source == nil {
		return "", apperrors.New(apperrors.KindAuth, "no credential configured")
	}
	token, err := g.Source.Token(ctx)
	if err != nil {
		return "", err
	}

	expiry, ok := tokenExpiry(token)
	if !ok {
		return token, nil
	}
	now := time.Now
	if g.Clock != nil {
		now = g.Clock
	}
	if !now().Before(expiry) {
		return "", apperrors.New(apperrors.KindAuth, "credential expired")
	}
	return token, nil
}

// tokenExpiry reads the exp claim from a JWT without verifying it.
func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
