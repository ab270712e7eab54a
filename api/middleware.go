package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"soundsense/core"
	"soundsense/util/goroutine"

	"golang.org/x/time/rate"
)

// contextKey avoids collisions in request contexts.
type contextKey string

const claimsContextKey contextKey = "soundsense.claims"

// rateLimiterEntry pairs a limiter with its last activity for cleanup.
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware applies a per-IP token bucket.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r, a.config.API.TrustProxy)

		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter:  rate.NewLimiter(rate.Limit(a.config.API.RateLimit.RequestsPerSecond), a.config.API.RateLimit.Burst),
				lastSeen: time.Now(),
			}
			a.rateLimiters[ip] = entry
		} else {
			entry.lastSeen = time.Now()
		}
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically removes limiters for idle IPs.
func (a *API) cleanupRateLimiters() {
	defer goroutine.Recover("rate-limiter-cleanup", a.logger)
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > 1*time.Hour {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// corsMiddleware adds CORS headers for allow-listed origins.
func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.config.API.AllowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jwtAuthMiddleware requires a valid bearer token on /api routes. A failed
// check writes an ACCESS_DENIED audit entry before rejecting.
func (a *API) jwtAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.auditAccessDenied(r, "", "missing bearer token", http.StatusUnauthorized)
			writeError(w, http.StatusUnauthorized, "Authorization required", nil, a.logger)
			return
		}

		claims, err := validateJWT(token, a.config)
		if err != nil {
			a.auditAccessDenied(r, "", "invalid token", http.StatusUnauthorized)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", err, a.logger)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a handler on the token role.
func (a *API) requireRole(role core.ActorRole, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			handler(w, r)
			return
		}
		claims := claimsFromContext(r.Context())
		if claims == nil || core.ActorRole(claims.Role) != role {
			actorID := ""
			if claims != nil {
				actorID = actorFromClaims(claims).ID
			}
			a.auditAccessDenied(r, actorID, "insufficient role", http.StatusForbidden)
			writeError(w, http.StatusForbidden, "Forbidden", nil, a.logger)
			return
		}
		handler(w, r)
	}
}

// claimsFromContext returns the claims the auth middleware attached, or nil.
func claimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// auditAccessDenied records a rejected access attempt with the status code
// actually sent to the client. Best effort like every audit write.
func (a *API) auditAccessDenied(r *http.Request, actorID, reason string, status int) {
	entry := core.NewAuditEntry(core.ActionAccessDenied, "API")
	entry.ActorID = actorID
	entry.ActorRole = core.RoleUser
	entry.RequestContext = a.requestContext(r)
	entry.StatusCode = status
	entry.ErrorMessage = reason
	a.pipeline.RecordAccess(r.Context(), entry)
}

// requestContext extracts the transport facts for audit entries.
func (a *API) requestContext(r *http.Request) core.RequestContext {
	return core.RequestContext{
		IP:        getRealIP(r, a.config.API.TrustProxy),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	}
}
