package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func signHS256(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestNewSecretValidatorRejectsShortSecret(t *testing.T) {
	_, err := NewSecretValidator("too-short")
	assert.Error(t, err)
}

func TestSecretValidatorAcceptsValidToken(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := signHS256(t, testSecret, &customClaims{
		Name:  "Alice",
		Email: "alice@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestInsecureValidator(t *testing.T) {
	v := NewInsecureValidator()

	claims, err := v.ValidateToken("dev-user")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", claims.Subject)

	_, err = v.ValidateToken("")
	assert.Error(t, err)
}

func TestSecretValidatorRejectsWrongSecret(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := signHS256(t, "another-secret-also-32-bytes-long!!!", &customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestSecretValidatorRejectsExpiredToken(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := signHS256(t, testSecret, &customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestSecretValidatorRejectsMissingSubject(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := signHS256(t, testSecret, &customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestSecretValidatorRejectsNoneAlgorithm(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(unsigned)
	assert.Error(t, err)
}

func TestSecretValidatorRejectsGarbage(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	_, err = v.ValidateToken("not.a.jwt")
	assert.Error(t, err)

	_, err = v.ValidateToken("")
	assert.Error(t, err)
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Run("uses defaults when unset", func(t *testing.T) {
		t.Setenv("TEST_ORIGINS", "")
		got := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://localhost:3000"})
		assert.Equal(t, []string{"http://localhost:3000"}, got)
	})

	t.Run("splits and trims configured origins", func(t *testing.T) {
		t.Setenv("TEST_ORIGINS", "https://app.example.com, http://localhost:5173")
		got := GetAllowedOriginsFromEnv("TEST_ORIGINS", nil)
		assert.Equal(t, []string{"https://app.example.com", "http://localhost:5173"}, got)
	})
}
