package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{Username: "admin", Password: "s3cret", Secret: "test-secret", TTL: time.Hour})
	require.NoError(t, err)
	return a
}

func TestNew_RequiresPassword(t *testing.T) {
	_, err := New(Config{Username: "admin", TTL: time.Hour})
	require.Error(t, err)
}

func TestNew_RejectsMalformedHash(t *testing.T) {
	_, err := New(Config{Username: "admin", PasswordHash: "not-bcrypt", TTL: time.Hour})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password hash")
}

func TestNew_EphemeralSecret(t *testing.T) {
	a, err := New(Config{Username: "admin", Password: "pw", TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, a.Ephemeral())
	assert.Len(t, a.secret, 32)

	assert.False(t, newTestAuth(t).Ephemeral())
}

func TestLogin_Success(t *testing.T) {
	a := newTestAuth(t)

	tok, err := a.Login("admin", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, time.Hour, tok.ExpiresIn)

	claims, err := a.Parse(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 2*time.Second)
}

func TestLogin_WithPasswordHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-pw"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := New(Config{Username: "root", PasswordHash: string(hash), Secret: "x", TTL: time.Minute})
	require.NoError(t, err)

	_, err = a.Login("root", "hashed-pw")
	assert.NoError(t, err)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	a := newTestAuth(t)

	_, err := a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Login("someone", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssue_DistinctTokenIDs(t *testing.T) {
	a := newTestAuth(t)

	t1, err := a.Issue("admin")
	require.NoError(t, err)
	t2, err := a.Issue("admin")
	require.NoError(t, err)

	c1, err := a.Parse(t1.AccessToken)
	require.NoError(t, err)
	c2, err := a.Parse(t2.AccessToken)
	require.NoError(t, err)
	assert.NotEqual(t, c1.TokenID, c2.TokenID)
}

func TestParse_Expired(t *testing.T) {
	a := newTestAuth(t)
	tok, err := a.Issue("admin")
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.Parse(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_WrongSecret(t *testing.T) {
	a := newTestAuth(t)
	other, err := New(Config{Username: "admin", Password: "s3cret", Secret: "other-secret", TTL: time.Hour})
	require.NoError(t, err)

	tok, err := other.Issue("admin")
	require.NoError(t, err)
	_, err = a.Parse(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_WrongSubject(t *testing.T) {
	a := newTestAuth(t)
	tok, err := a.Issue("intruder")
	require.NoError(t, err)

	_, err = a.Parse(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsNoneAlgorithm(t *testing.T) {
	a := newTestAuth(t)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Garbage(t *testing.T) {
	a := newTestAuth(t)

	for _, raw := range []string{"", "abc", strings.Repeat("x.", 3)} {
		_, err := a.Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidToken, raw)
	}
}
