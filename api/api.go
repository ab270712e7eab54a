package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"soundsense/config"
	"soundsense/core"
	"soundsense/storage"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// API is the HTTP boundary: ingest, FHIR query, audit review, auth, live feed.
type API struct {
	router       *mux.Router
	server       *http.Server
	config       *config.Config
	logger       *zap.SugaredLogger
	validate     *validator.Validate
	pipeline     *core.Pipeline
	observations core.ObservationStore
	audit        *storage.SQLiteAuditStorage
	db           *storage.SQLite
	hub          *Hub

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI wires the HTTP layer. The hub must be the same instance registered
// as the pipeline's broadcaster.
func NewAPI(pipeline *core.Pipeline, observations core.ObservationStore, audit *storage.SQLiteAuditStorage, db *storage.SQLite, hub *Hub, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		pipeline:     pipeline,
		observations: observations,
		audit:        audit,
		db:           db,
		hub:          hub,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	// Public surface: device ingest, auth, health, metrics, live feed.
	a.router.HandleFunc("/ingest", a.handleIngest).Methods("POST")
	a.router.HandleFunc("/auth/login", a.handleLogin).Methods("POST")
	a.router.HandleFunc("/auth/token", a.handleDeviceToken).Methods("POST")
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	a.router.HandleFunc("/ws/live", func(w http.ResponseWriter, r *http.Request) {
		serveWs(a.hub, a.logger, w, r)
	}).Methods("GET")

	// Authenticated surface.
	apiRouter := a.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(a.jwtAuthMiddleware)
	apiRouter.HandleFunc("/ingest", a.handleAuthedIngest).Methods("POST")
	apiRouter.HandleFunc("/fhir/Observation", a.handleObservations).Methods("GET")
	apiRouter.HandleFunc("/fhir/Observation/{id}/status", a.handleUpdateStatus).Methods("PATCH")
	apiRouter.HandleFunc("/audit", a.requireRole(core.RoleAdmin, a.handleAuditLog)).Methods("GET")
	apiRouter.HandleFunc("/stats", a.handleStats).Methods("GET")
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start begins serving. Blocks until the server stops.
func (a *API) Start() error {
	go a.cleanupRateLimiters()

	addr := fmt.Sprintf(":%d", a.config.API.Port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server starting", "addr", addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	close(a.stopCh)
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}
