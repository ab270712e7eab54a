package api

import (
	"testing"
	"time"

	"soundsense/config"
	"soundsense/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.JWTExpiry = time.Hour
	return cfg
}

func TestJWTRoundTrip(t *testing.T) {
	cfg := authConfig()

	token, err := generateJWT("admin", core.RoleAdmin, "", cfg)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := validateJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, string(core.RoleAdmin), claims.Role)
	assert.Empty(t, claims.DeviceID)
	assert.Equal(t, "soundsense", claims.Issuer)
}

func TestJWTDeviceToken(t *testing.T) {
	cfg := authConfig()

	token, err := generateJWT("esp32-01", core.RoleDevice, "esp32-01", cfg)
	require.NoError(t, err)

	claims, err := validateJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "esp32-01", claims.DeviceID)

	actor := actorFromClaims(claims)
	assert.Equal(t, core.RoleDevice, actor.Role)
	assert.Equal(t, "device:esp32-01", actor.ID)
}

func TestJWTWrongSecretRejected(t *testing.T) {
	cfg := authConfig()
	token, err := generateJWT("admin", core.RoleAdmin, "", cfg)
	require.NoError(t, err)

	other := authConfig()
	other.Auth.JWTSecret = "ffffffffffffffffffffffffffffffff"
	_, err = validateJWT(token, other)
	assert.Error(t, err)
}

func TestJWTExpiredRejected(t *testing.T) {
	cfg := authConfig()
	cfg.Auth.JWTExpiry = -time.Minute

	token, err := generateJWT("admin", core.RoleAdmin, "", cfg)
	require.NoError(t, err)

	_, err = validateJWT(token, cfg)
	assert.Error(t, err)
}

func TestJWTGarbageRejected(t *testing.T) {
	_, err := validateJWT("not.a.token", authConfig())
	assert.Error(t, err)
}

func TestActorFromClaimsUnknownRoleDefaultsToUser(t *testing.T) {
	claims := &Claims{Role: "superuser"}
	claims.Subject = "eve"
	actor := actorFromClaims(claims)
	assert.Equal(t, core.RoleUser, actor.Role)
	assert.Equal(t, "eve", actor.ID)
}
