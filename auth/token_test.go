package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func validClaims() Claims {
	return Claims{
		Sub:  "user-1",
		Name: "Ada",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Sub)
	assert.Equal(t, "Ada", claims.Name)
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	_, err = ParseToken([]byte("other-secret"), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenTampered(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	_, err = ParseToken(testSecret, tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenMalformed(t *testing.T) {
	for _, token := range []string{"", "abc", "a.b.c"} {
		_, err := ParseToken(testSecret, token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestParseTokenExpired(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(testSecret, claims)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseTokenMissingFields(t *testing.T) {
	claims := validClaims()
	claims.Name = ""
	token, err := IssueToken(testSecret, claims)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
}
