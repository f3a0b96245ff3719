package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesTokens(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := mustIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.Issue(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}

	if _, _, err := issuer.Issue(context.Background(), " "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	valid := TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      5 * time.Minute,
	}
	testCases := []struct {
		name   string
		mutate func(*TokenIssuerConfig)
		target error
	}{
		{name: "missing secret", mutate: func(cfg *TokenIssuerConfig) { cfg.SigningSecret = nil }, target: ErrMissingSigningSecret},
		{name: "missing issuer", mutate: func(cfg *TokenIssuerConfig) { cfg.Issuer = "" }, target: ErrMissingIssuer},
		{name: "blank audience", mutate: func(cfg *TokenIssuerConfig) { cfg.Audience = " " }, target: ErrMissingAudience},
		{name: "zero ttl", mutate: func(cfg *TokenIssuerConfig) { cfg.TokenTTL = 0 }, target: ErrInvalidTTL},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := valid
			testCase.mutate(&cfg)
			if _, err := NewTokenIssuer(cfg); !errors.Is(err, testCase.target) {
				t.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	current := now
	issuer := mustIssuer(t, func() time.Time { return current })

	tokenString, _, err := issuer.Issue(context.Background(), "user-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "user-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected a foreign signature rejected, got %v", err)
	}
	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected validation to fail for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	current = now.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := mustIssuer(t, nil)
	tokenString, _, err := issuer.Issue(context.Background(), "user-9")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	testCases := []struct {
		name    string
		header  string
		subject string
		target  error
	}{
		{name: "bearer", header: "Bearer " + tokenString, subject: "user-9"},
		{name: "lowercase scheme", header: "bearer " + tokenString, subject: "user-9"},
		{name: "missing header", header: "", target: ErrMissingToken},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", target: ErrMissingToken},
		{name: "empty bearer", header: "Bearer    ", target: ErrMissingToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest("GET", "/v1/regions", nil)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			subject, err := issuer.ValidateRequest(request)
			if testCase.target != nil {
				if !errors.Is(err, testCase.target) {
					t.Fatalf("expected %v, got %v", testCase.target, err)
				}
				return
			}
			if err != nil || subject != testCase.subject {
				t.Fatalf("expected subject %s, got %s (%v)", testCase.subject, subject, err)
			}
		})
	}
}
