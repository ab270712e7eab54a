package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"soundsense/core"

	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

type deviceTokenRequest struct {
	AdminSecret string `json:"admin_secret" validate:"required"`
	DeviceID    string `json:"device_id" validate:"required"`
}

// handleLogin checks credentials against the configured admin account and
// issues an admin JWT. Both outcomes are audited.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.config.Auth.Enabled {
		writeError(w, http.StatusNotFound, "Authentication is disabled", nil, a.logger)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, a.logger)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Username and password are required", err, a.logger)
		return
	}

	entry := core.NewAuditEntry(core.ActionLogin, "Session")
	entry.ActorID = req.Username
	entry.ActorRole = core.RoleAdmin
	entry.RequestContext = a.requestContext(r)

	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.config.Auth.Username)) == 1
	passwordErr := bcrypt.CompareHashAndPassword([]byte(a.config.Auth.HashedPassword), []byte(req.Password))
	if !usernameMatch || passwordErr != nil {
		entry.Action = core.ActionAccessDenied
		entry.StatusCode = http.StatusUnauthorized
		entry.ErrorMessage = "invalid credentials"
		a.pipeline.RecordAccess(r.Context(), entry)

		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil, a.logger)
		return
	}

	token, err := generateJWT(req.Username, core.RoleAdmin, "", a.config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err, a.logger)
		return
	}

	entry.StatusCode = http.StatusOK
	a.pipeline.RecordAccess(r.Context(), entry)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(a.config.Auth.JWTExpiry.Seconds()),
	}, a.logger)
}

// handleDeviceToken issues a device-scoped JWT for sensor gateways, gated by
// the shared admin secret so provisioning does not need an interactive login.
func (a *API) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if !a.config.Auth.Enabled {
		writeError(w, http.StatusNotFound, "Authentication is disabled", nil, a.logger)
		return
	}
	if a.config.Auth.DeviceTokenSecret == "" {
		writeError(w, http.StatusNotFound, "Device token issuance is not configured", nil, a.logger)
		return
	}

	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, a.logger)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "admin_secret and device_id are required", err, a.logger)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.AdminSecret), []byte(a.config.Auth.DeviceTokenSecret)) != 1 {
		a.auditAccessDenied(r, "device:"+req.DeviceID, "invalid admin secret", http.StatusUnauthorized)
		writeError(w, http.StatusUnauthorized, "Invalid admin secret", nil, a.logger)
		return
	}

	token, err := generateJWT(req.DeviceID, core.RoleDevice, req.DeviceID, a.config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err, a.logger)
		return
	}

	entry := core.NewAuditEntry(core.ActionCreate, "DeviceToken")
	entry.ActorID = "device:" + req.DeviceID
	entry.ActorRole = core.RoleDevice
	entry.RequestContext = a.requestContext(r)
	entry.StatusCode = http.StatusOK
	a.pipeline.RecordAccess(r.Context(), entry)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(a.config.Auth.JWTExpiry.Seconds()),
	}, a.logger)
}
