package auth

import (
	"context"
	"testing"
	"time"

	apperrors "chatsync/internal/errors"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndVerify(t *testing.T) {
	for _, alg := range []string{"HS256", "hs384", "HS512", ""} {
		t.Run(alg, func(t *testing.T) {
			s, err := NewService(Options{Secret: secret, Alg: alg})
			require.NoError(t, err)

			token, exp, err := s.Issue("alice")
			require.NoError(t, err)
			assert.True(t, exp.After(time.Now()))

			user, err := s.Verify(context.Background(), token)
			require.NoError(t, err)
			assert.Equal(t, "alice", user)
		})
	}
}

func TestNewService_Errors(t *testing.T) {
	_, err := NewService(Options{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))

	_, err = NewService(Options{Secret: secret, Alg: "RS256"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}

func TestVerify_Rejects(t *testing.T) {
	s, err := NewService(Options{Secret: secret, TTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	other, err := NewService(Options{Secret: []byte("another-secret-another-secret-xx"), TTL: time.Hour})
	require.NoError(t, err)
	foreign, _, err := other.Issue("alice")
	require.NoError(t, err)

	hs512, err := NewService(Options{Secret: secret, Alg: "HS512"})
	require.NoError(t, err)
	wrongAlg, _, err := hs512.Issue("alice")
	require.NoError(t, err)

	none, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{Subject: "alice"}).
		SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-token",
		"foreign":   foreign,
		"wrong alg": wrongAlg,
		"none":      none,
	} {
		_, err := s.Verify(ctx, token)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthentication), name)
	}
}

func TestVerify_Expired(t *testing.T) {
	s, err := NewService(Options{Secret: secret, TTL: time.Minute})
	require.NoError(t, err)

	start := time.Now()
	s.now = func() time.Time { return start }
	token, _, err := s.Issue("alice")
	require.NoError(t, err)

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = s.Verify(context.Background(), token)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeAuthentication, appErr.Code)
	assert.Equal(t, "token expired", appErr.Context["reason"])
}

func TestRevoke(t *testing.T) {
	s, err := NewService(Options{Secret: secret})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Now()
	s.now = func() time.Time { return start }
	old, _, err := s.Issue("alice")
	require.NoError(t, err)
	bobs, _, err := s.Issue("bob")
	require.NoError(t, err)

	s.Revoke("alice")

	_, err = s.Verify(ctx, old)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthentication))
	_, err = s.Verify(ctx, bobs)
	assert.NoError(t, err)

	s.now = func() time.Time { return start.Add(2 * time.Second) }
	fresh, _, err := s.Issue("alice")
	require.NoError(t, err)
	user, err := s.Verify(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}
