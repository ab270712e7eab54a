package api

import (
	"errors"
	"time"

	"soundsense/config"
	"soundsense/core"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the authenticated identity. Role drives authorization;
// DeviceID is set only on device tokens.
type Claims struct {
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// generateJWT issues an HS256 token for the subject with the given role.
func generateJWT(subject string, role core.ActorRole, deviceID string, cfg *config.Config) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:     string(role),
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Auth.JWTExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "soundsense",
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Auth.JWTSecret))
}

// validateJWT parses and verifies a token, returning its claims.
func validateJWT(tokenString string, cfg *config.Config) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(cfg.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, errors.New("token has expired")
	}
	if claims.NotBefore != nil && claims.NotBefore.After(time.Now()) {
		return nil, errors.New("token not yet valid")
	}
	return claims, nil
}

// actorFromClaims maps token claims onto the audit actor model.
func actorFromClaims(claims *Claims) core.Actor {
	role := core.ActorRole(claims.Role)
	switch role {
	case core.RoleAdmin, core.RoleUser, core.RoleDevice, core.RoleSystem:
	default:
		role = core.RoleUser
	}
	id := claims.Subject
	if role == core.RoleDevice && claims.DeviceID != "" {
		id = "device:" + claims.DeviceID
	}
	return core.Actor{ID: id, Role: role}
}
