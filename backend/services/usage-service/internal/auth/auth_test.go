package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository/memory"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "aquatrack", time.Minute)

	token, err := svc.GenerateToken("acct-1", RoleAdmin)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.True(t, claims.IsAdmin())
}

func TestTokenDefaultsToUserRole(t *testing.T) {
	svc := NewTokenService("secret", "", 0)
	token, err := svc.GenerateToken("acct-1", "")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, claims.Role)
	assert.False(t, claims.IsAdmin())

	_, err = svc.GenerateToken("", RoleUser)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("secret", "aquatrack", time.Minute)
	other := NewTokenService("other", "aquatrack", time.Minute)
	foreign, err := other.GenerateToken("acct-1", RoleUser)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID: "acct-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "aquatrack",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	wrongIssuer, err := NewTokenService("secret", "elsewhere", time.Minute).GenerateToken("acct-1", RoleUser)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      expiredToken,
		"wrong issuer": wrongIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestDeviceKeysAuthenticate(t *testing.T) {
	store := memory.New()
	keys := NewDeviceKeys(store.Devices(), bcrypt.MinCost)

	hash, err := keys.Hash("k3y")
	require.NoError(t, err)
	store.PutDevice(models.Device{ID: "dev-1", Type: models.ResourceWater, APIKeyHash: hash})
	store.PutDevice(models.Device{ID: "dev-2", Type: models.ResourceWater})

	device, err := keys.Authenticate(context.Background(), "dev-1", "k3y")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.ID)

	for _, tc := range []struct{ id, key string }{
		{"dev-1", "wrong"},
		{"dev-2", "k3y"},
		{"dev-9", "k3y"},
		{"dev-1", ""},
	} {
		_, err := keys.Authenticate(context.Background(), tc.id, tc.key)
		assert.ErrorIs(t, err, ErrDeviceUnauthorized, "%s/%s", tc.id, tc.key)
	}

	_, err = keys.Hash("")
	assert.Error(t, err)
}
