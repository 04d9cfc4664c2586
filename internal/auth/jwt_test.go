package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("10086", "operator", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "10086", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestParseRejects(t *testing.T) {
	tok, err := SignJWT("1", "", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "other")
	assert.Error(t, err)

	expired, err := SignJWT("1", "", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	assert.Error(t, err)

	noSubject, err := SignJWT("", "user", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(noSubject, "secret")
	assert.Error(t, err)

	_, err = ParseJWT("not-a-token", "secret")
	assert.Error(t, err)
}
