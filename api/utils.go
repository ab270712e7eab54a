package api

import (
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// maxErrorMessageLength bounds how much error text reaches a client.
const maxErrorMessageLength = 200

var (
	filePathPattern = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])*[^\\/:*?"<>|\s]+`)
	secretPattern   = regexp.MustCompile(`(?i)(password|secret|token|key|credential)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage strips file paths and credential-looking fragments from
// error text before it reaches a client.
func sanitizeErrorMessage(message string) string {
	message = filePathPattern.ReplaceAllString(message, "[FILE_PATH]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError logs the full error internally and sends a sanitized JSON error
// to the client.
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Errorw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Errorw(message, "status_code", statusCode)
		}
	}
	writeJSON(w, statusCode, errorResponse{Error: sanitizeErrorMessage(message)}, logger)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

// getRealIP extracts the client IP, honoring X-Forwarded-For only when the
// deployment fronts the service with a trusted proxy.
func getRealIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return xrip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
