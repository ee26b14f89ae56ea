package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret-key-for-testing-purposes"

func TestNewService(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	assert.NotNil(t, service)
	assert.Equal(t, testSecret, service.secret)
	assert.Equal(t, time.Hour, service.accessTokenExpiry)
}

func TestGenerateAccessToken(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	userID := uuid.New()
	email := "traveller@example.com"
	roles := []string{"buyer"}

	token, err := service.GenerateAccessToken(userID, email, roles)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, email, claims.Email)
	assert.Equal(t, roles, claims.Roles)
	assert.Equal(t, AccessToken, claims.TokenType)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.True(t, claims.HasRole("buyer"))
	assert.False(t, claims.HasRole("operator"))
}

func TestValidateAccessToken(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	token, err := service.GenerateAccessToken(uuid.New(), "", []string{"buyer", "operator"})
	require.NoError(t, err)

	// Test invalid token
	_, err = service.ValidateAccessToken("invalid.token.here")
	assert.Error(t, err)

	// Test token with wrong secret
	wrongService := NewService("wrong-secret", time.Hour)
	_, err = wrongService.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	service := NewService(testSecret, -time.Minute)

	token, err := service.GenerateAccessToken(uuid.New(), "", []string{"buyer"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	assert.Error(t, err)
	assert.True(t, service.IsTokenExpired(token))
}

func TestValidateAccessToken_RejectsForeignTokens(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	now := time.Now()

	sign := func(claims Claims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}
	registered := func(issuer string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		}
	}

	t.Run("refresh token", func(t *testing.T) {
		token := sign(Claims{UserID: uuid.New(), TokenType: "refresh", RegisteredClaims: registered(Issuer)})
		_, err := service.ValidateAccessToken(token)
		assert.ErrorContains(t, err, "invalid token type")
	})

	t.Run("other issuer", func(t *testing.T) {
		token := sign(Claims{UserID: uuid.New(), TokenType: AccessToken, RegisteredClaims: registered("someone-else")})
		_, err := service.ValidateAccessToken(token)
		assert.Error(t, err)
	})

	t.Run("missing user id", func(t *testing.T) {
		token := sign(Claims{TokenType: AccessToken, RegisteredClaims: registered(Issuer)})
		_, err := service.ValidateAccessToken(token)
		assert.ErrorContains(t, err, "no user id")
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			UserID:           uuid.New(),
			TokenType:        AccessToken,
			RegisteredClaims: registered(Issuer),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = service.ValidateAccessToken(token)
		assert.Error(t, err)
	})
}

func TestExtractClaims(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	userID := uuid.New()

	token, err := service.GenerateAccessToken(userID, "ops@example.com", []string{"operator"})
	require.NoError(t, err)

	claims, err := service.ExtractClaims(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.False(t, service.IsTokenExpired(token))

	_, err = service.ExtractClaims("not-a-token")
	assert.Error(t, err)
	assert.False(t, service.IsTokenExpired("not-a-token"))
}
