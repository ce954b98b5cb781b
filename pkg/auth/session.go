// Package auth issues and validates the bearer tokens that identify
// educators calling the generation API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"teachforge/internal/util"
)

const (
	defaultIssuer   = "teachforge-auth"
	defaultAudience = "teachforge-api"
	defaultTTL      = 24 * time.Hour
	defaultLeeway   = 30 * time.Second
)

// ErrInvalidToken covers every validation failure: expired, malformed,
// wrong signature, wrong audience. Callers surface it as an
// authentication-required condition, never retried.
var ErrInvalidToken = errors.New("invalid session token")

// SessionTokens signs and verifies HS256 session JWTs.
type SessionTokens struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
}

// Options tunes claim validation. Zero values fall back to defaults.
type Options struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// NewSessionTokens builds a token signer/verifier from a shared secret.
func NewSessionTokens(secret string, opts Options) (*SessionTokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return &SessionTokens{
		secret:   []byte(secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TTL,
		leeway:   opts.Leeway,
	}, nil
}

// Issue creates a signed token for the user ID.
func (s *SessionTokens) Issue(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.NewID(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its subject user ID.
func (s *SessionTokens) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
