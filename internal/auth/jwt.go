// Package auth is the relay's credential service: it issues and verifies the
// bearer tokens clients present in the handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "chatsync/internal/errors"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Options control signing.
type Options struct {
	Secret []byte
	Alg    string // HS256, HS384 or HS512
	TTL    time.Duration
	Issuer string
}

// Service issues and verifies HMAC-signed JWTs. Revoking a user invalidates
// every token issued to them up to that moment.
type Service struct {
	opts   Options
	method jwtlib.SigningMethod
	now    func() time.Time

	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	if len(opts.Secret) == 0 {
		return nil, apperrors.NewConfigError("auth.jwt_secret", "must not be empty")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, apperrors.NewConfigError("auth.algorithm", err.Error())
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "chatsync"
	}
	return &Service{
		opts:    opts,
		method:  method,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}, nil
}

// Issue signs a token for userID.
func (s *Service) Issue(userID string) (token string, expiresAt time.Time, err error) {
	if userID == "" {
		return "", time.Time{}, apperrors.NewValidationError("user_id", "must not be empty")
	}
	now := s.now()
	expiresAt = now.Add(s.opts.TTL)
	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.opts.Issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(expiresAt),
	}
	token, err = jwtlib.NewWithClaims(s.method, claims).SignedString(s.opts.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify returns the user the token was issued to.
func (s *Service) Verify(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", apperrors.NewAuthError("missing token")
	}

	var claims jwtlib.RegisteredClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return s.opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{s.method.Alg()}),
		jwtlib.WithIssuer(s.opts.Issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return "", apperrors.NewAuthError("token expired")
		}
		return "", apperrors.NewAuthError("invalid token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", apperrors.NewAuthError("invalid token")
	}

	s.mu.RLock()
	revokedAt, revoked := s.revoked[claims.Subject]
	s.mu.RUnlock()
	if revoked && claims.IssuedAt != nil && !claims.IssuedAt.After(revokedAt) {
		return "", apperrors.NewAuthError("session revoked")
	}
	return claims.Subject, nil
}

// Revoke invalidates every token issued to userID so far.
func (s *Service) Revoke(userID string) {
	s.mu.Lock()
	s.revoked[userID] = s.now().Truncate(time.Second)
	s.mu.Unlock()
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg %q (use HS256/HS384/HS512)", alg)
	}
}
