package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIdentity resolves the signed-in user from the access token the client holds. The
// client cannot verify the signature; the server does that on every request. It only
// refuses tokens that are malformed or already expired.
type TokenIdentity struct {
	token   string
	subject string
	expires time.Time
	clock   func() time.Time
}

// NewTokenIdentity parses token once and keeps its subject.
func NewTokenIdentity(token string, clock func() time.Time) (*TokenIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMissingSubject
	}
	if clock == nil {
		clock = time.Now
	}
	identity := &TokenIdentity{token: token, subject: claims.Subject, clock: clock}
	if claims.ExpiresAt != nil {
		identity.expires = claims.ExpiresAt.Time
	}
	return identity, nil
}

// CurrentUserID returns the token subject while the token is unexpired.
func (i *TokenIdentity) CurrentUserID(_ context.Context) (string, error) {
	if !i.expires.IsZero() && !i.clock().Before(i.expires) {
		return "", ErrExpiredToken
	}
	return i.subject, nil
}

// Token returns the raw bearer token.
func (i *TokenIdentity) Token() string {
	return i.token
}
