package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"opstracker/backend/internal/domain"
)

func TestAddUserHashesPlainPassword(t *testing.T) {
	auth := NewAuthManager("auth-test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, auth.AddUser("Operator", "plain-secret", RoleOperator))

	stored := auth.accounts["operator"].hash
	_, err := bcrypt.Cost([]byte(stored))
	assert.NoError(t, err)
	assert.NotEqual(t, "plain-secret", stored)

	resp, err := auth.Login(domain.LoginRequest{Username: "operator", Password: "plain-secret"})
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, resp.Role)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAddUserKeepsExistingHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewAuthManager("auth-test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, auth.AddUser("viewer", string(hash), RoleViewer))
	assert.Equal(t, string(hash), auth.accounts["viewer"].hash)

	_, err = auth.Login(domain.LoginRequest{Username: "viewer", Password: "hashed-secret"})
	assert.NoError(t, err)
}

func TestAddUserRejectsBadInput(t *testing.T) {
	auth := NewAuthManager("auth-test-secret-0123456789abcdef", time.Hour)
	assert.Error(t, auth.AddUser("", "secret", RoleOperator))
	assert.Error(t, auth.AddUser("two words", "secret", RoleOperator))
	assert.Error(t, auth.AddUser("someone", "secret", "admin"))
	assert.Error(t, auth.AddUser("someone", "  ", RoleViewer))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	auth := NewAuthManager("auth-test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, auth.AddUser("operator", "right-password", RoleOperator))

	_, err := auth.Login(domain.LoginRequest{Username: "operator", Password: "wrong-password"})
	assert.Error(t, err)
	_, err = auth.Login(domain.LoginRequest{Username: "nobody", Password: "right-password"})
	assert.Error(t, err)
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("auth-test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, auth.AddUser("operator", "right-password", RoleOperator))
	resp, err := auth.Login(domain.LoginRequest{Username: "operator", Password: "right-password"})
	require.NoError(t, err)

	actor, err := auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "operator", Role: RoleOperator}, actor)
}

func TestParseTokenRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := NewAuthManager("issuer-secret-0123456789abcdefghij", time.Hour)
	require.NoError(t, issuer.AddUser("operator", "right-password", RoleOperator))
	resp, err := issuer.Login(domain.LoginRequest{Username: "operator", Password: "right-password"})
	require.NoError(t, err)

	other := NewAuthManager("another-secret-0123456789abcdefghi", time.Hour)
	_, err = other.ParseToken(resp.AccessToken)
	assert.Error(t, err)

	expired := NewAuthManager("issuer-secret-0123456789abcdefghij", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	require.NoError(t, expired.AddUser("operator", "right-password", RoleOperator))
	old, err := expired.Login(domain.LoginRequest{Username: "operator", Password: "right-password"})
	require.NoError(t, err)
	_, err = issuer.ParseToken(old.AccessToken)
	assert.Error(t, err)

	_, err = issuer.ParseToken("not-a-token")
	assert.Error(t, err)
}
