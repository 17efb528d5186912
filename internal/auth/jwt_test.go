package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerhub/lockerd/internal/auth"
	"github.com/lockerhub/lockerd/internal/locker/service"
)

const (
	testSecret = "test-secret"
	testIssuer = "lockerd"
)

func TestVerify_RoundTrip(t *testing.T) {
	id := service.Identity{
		UserID:      "u1",
		Email:       "u1@example.com",
		DisplayName: "User One",
		Admin:       true,
	}

	token, err := auth.Mint(testSecret, testIssuer, id, time.Hour)
	require.NoError(t, err)

	got, err := auth.NewVerifier(testSecret, testIssuer).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := auth.Mint(testSecret, testIssuer, service.Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	_, err = auth.NewVerifier("other-secret", testIssuer).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_WrongIssuer(t *testing.T) {
	token, err := auth.Mint(testSecret, "someone-else", service.Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	_, err = auth.NewVerifier(testSecret, testIssuer).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	now := time.Now().Add(-2 * time.Hour)
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = auth.NewVerifier(testSecret, testIssuer).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_RejectsUnsignedAlgorithm(t *testing.T) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.NewVerifier(testSecret, testIssuer).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_MissingSubject(t *testing.T) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = auth.NewVerifier(testSecret, testIssuer).Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := auth.NewVerifier(testSecret, testIssuer).Verify("not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMint_RequiresSubject(t *testing.T) {
	_, err := auth.Mint(testSecret, testIssuer, service.Identity{}, time.Hour)
	require.Error(t, err)
}
