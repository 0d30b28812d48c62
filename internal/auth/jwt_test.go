package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

func TestCreateAndValidateToken(t *testing.T) {
	userID := uuid.New()

	tokenString, err := CreateToken(userID, "user@example.com", testSecret, 7)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := ValidateToken(tokenString, testSecret)
	require.NoError(t, err)
	require.Equal(t, userID, claims.UserID)
	require.Equal(t, "user@example.com", claims.Email)
	require.Equal(t, userID.String(), claims.Subject)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	tokenString, err := CreateToken(uuid.New(), "user@example.com", testSecret, 7)
	require.NoError(t, err)

	_, err = ValidateToken(tokenString, "a-different-secret")
	require.Error(t, err)
}

func TestValidateTokenMalformed(t *testing.T) {
	_, err := ValidateToken("not-a-jwt", testSecret)
	require.Error(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	require.NoError(t, VerifyPassword(hash, "correct horse battery staple"))
	require.Error(t, VerifyPassword(hash, "wrong password"))
}
