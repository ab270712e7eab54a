package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soundsense/api"
	"soundsense/config"
	"soundsense/core"
	"soundsense/ingest"
	"soundsense/storage"

	"go.uber.org/zap"
)

// App wires the full service: storage, pipeline, ingest sources, hub, API.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite       *storage.SQLite
	Observations *storage.SQLiteObservationStorage
	Audit        *storage.SQLiteAuditStorage

	Pipeline *core.Pipeline
	Hub      *api.Hub

	Listener     *ingest.LineListener
	SerialSource *ingest.SerialSource
	APIServer    *api.API
}

// NewApp creates the application and initializes all components. Nothing is
// serving yet when it returns; call Start.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("SoundSense starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	sqlite, err := storage.NewSQLite(cfg.Storage.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.SQLite = sqlite
	app.Observations = storage.NewSQLiteObservationStorage(sqlite)
	app.Audit = storage.NewSQLiteAuditStorage(sqlite)

	app.Hub = api.NewHub(cfg.Stream.QueueCapacity, sugar)
	app.Pipeline = core.NewPipeline(app.Observations, app.Audit, app.Hub, sugar)

	app.APIServer = api.NewAPI(app.Pipeline, app.Observations, app.Audit, sqlite, app.Hub, cfg, sugar)

	defaults := ingest.SampleDefaults{
		PatientID: cfg.Ingest.PatientID,
		DeviceID:  cfg.Ingest.DeviceID,
		Unit:      cfg.Ingest.Unit,
	}
	if cfg.Ingest.Listener.Enabled {
		listener, err := ingest.NewLineListener(
			cfg.Ingest.Listener.Host, cfg.Ingest.Listener.Port,
			cfg.Ingest.RateLimit, app.Pipeline, defaults, sugar,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create sensor listener: %w", err)
		}
		app.Listener = listener
	}
	if cfg.Ingest.Serial.Enabled {
		app.SerialSource = ingest.NewSerialSource(
			cfg.Ingest.Serial.Target, cfg.Ingest.RateLimit,
			app.Pipeline, defaults, sugar,
		)
	}

	return app, nil
}

// Start brings up the ingest sources and the API server.
func (a *App) Start(ctx context.Context) error {
	if a.Listener != nil {
		if err := a.Listener.Start(); err != nil {
			return fmt.Errorf("failed to start sensor listener: %w", err)
		}
	}
	if a.SerialSource != nil {
		a.SerialSource.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.APIServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Surface immediate bind failures instead of running half up.
	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed to start: %w", err)
	case <-time.After(250 * time.Millisecond):
	}

	a.Sugar.Info("SoundSense started")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in dependency order: sources first so no new
// samples enter, then the API and hub, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping ingest sources...")
	if a.Listener != nil {
		a.Listener.Stop()
	}
	if a.SerialSource != nil {
		a.SerialSource.Stop()
	}

	a.Sugar.Info("Phase 2: Stopping API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.APIServer != nil {
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("API server shutdown error", "error", err)
		}
	}

	a.Sugar.Info("Phase 3: Stopping live feed hub...")
	if a.Hub != nil {
		a.Hub.Stop()
	}

	a.Sugar.Info("Phase 4: Closing storage...")
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Storage close error", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
