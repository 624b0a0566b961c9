package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTSessions(t *testing.T) {
	sessions := NewJWTSessions([]byte("secret"))

	token, err := sessions.Issue(42, time.Minute)
	require.NoError(t, err, "expected token to be issued")

	userId, err := sessions.ValidateToken(token)
	assert.NoError(t, err, "expected token to validate")
	assert.Equal(t, 42, userId, "expected user id claim to round trip")
}

func TestValidateTokenFailures(t *testing.T) {
	sessions := NewJWTSessions([]byte("secret"))

	expired, err := sessions.Issue(1, -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewJWTSessions([]byte("other")).Issue(1, time.Minute)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		expClaim: time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tcases := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage", token: "not.a.token"},
		{name: "expired", token: expired},
		{name: "wrong key", token: otherKey},
		{name: "missing user claim", token: noUser},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sessions.ValidateToken(tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, VerifyPassword(hash, "hunter2"), "expected matching password to verify")
	assert.False(t, VerifyPassword(hash, "hunter3"), "expected wrong password to fail")
}
