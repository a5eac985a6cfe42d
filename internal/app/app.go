package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"ImageGuard/internal/config"
	"ImageGuard/internal/domain"
	"ImageGuard/internal/infrastructure/loader"
	"ImageGuard/internal/infrastructure/messaging"
	"ImageGuard/internal/infrastructure/ml"
	"ImageGuard/internal/infrastructure/parser"
	"ImageGuard/internal/infrastructure/scheduler"
	"ImageGuard/internal/infrastructure/storage"
	"ImageGuard/internal/logging"
	"ImageGuard/internal/ports"
	"ImageGuard/internal/transport/httpapi"
	"ImageGuard/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg         config.Config
	logger      *slog.Logger
	db          *sql.DB
	classifier  *ml.Client
	coordinator *usecase.Coordinator
	sweeper     *usecase.Sweeper
	server      *httpapi.Server
}

// New builds a runnable application. The verdict store is opened only when a DSN is configured.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Application{cfg: cfg, logger: baseLogger}

	var verdicts ports.VerdictRepository
	if cfg.Storage.DSN != "" {
		db, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("verdict store: %w", err)
		}
		repo := storage.NewVerdictRepository(db, cfg.Storage.Driver)
		if err := repo.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("verdict store: %w", err)
		}
		a.db = db
		verdicts = repo
		baseLogger.Info("verdict store enabled", "driver", cfg.Storage.Driver)
	}

	minSize := domain.MinDimensions{Width: cfg.Images.MinWidth, Height: cfg.Images.MinHeight}
	httpClient := &http.Client{Timeout: cfg.Engine.Timeout}

	a.classifier = ml.NewClient(cfg.Engine.InferenceURL, cfg.Engine.APIKey, cfg.Engine.Timeout, baseLogger.With("component", "engine"))
	hub := messaging.NewHub(baseLogger.With("component", "messaging"))

	a.coordinator = usecase.NewCoordinator(usecase.CoordinatorConfig{
		Concurrency:    cfg.Engine.Concurrency,
		CacheTTL:       cfg.Cache.TTL,
		ReadyBackoff:   cfg.Engine.ReadyBackoff,
		MinSize:        minSize,
		BlockingLabels: cfg.Blocking.Labels,
	}, usecase.CoordinatorDeps{
		Classifier: a.classifier,
		Loader:     loader.NewHTTPLoader(httpClient, cfg.Images.MaxBytes, minSize),
		Messenger:  hub,
		Verdicts:   verdicts,
		Logger:     baseLogger.With("component", "coordinator"),
	})

	a.sweeper = usecase.NewSweeper(scheduler.NewTickerScheduler(cfg.Cache.SweepInterval), a.coordinator, baseLogger.With("component", "sweeper"))

	pages := usecase.NewPageScanner(usecase.PageScanDeps{
		Source:      parser.NewPageScanner(httpClient, baseLogger.With("component", "scanner")),
		Coordinator: a.coordinator,
		Logger:      baseLogger.With("component", "pages"),
	})

	a.server = httpapi.New(cfg.Server.Addr, httpapi.Deps{
		Coordinator: a.coordinator,
		Pages:       pages,
		Hub:         hub,
		Verdicts:    verdicts,
		Logger:      baseLogger.With("component", "http"),
	})

	return a, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	a.coordinator.Start(ctx)
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.classifier.WatchReadiness(watchCtx, a.cfg.Engine.ReadyBackoff)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down", "reason", context.Cause(ctx))
	case runErr = <-serveErr:
	}

	return a.shutdown(runErr)
}

func (a *Application) shutdown(runErr error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if err := a.sweeper.Stop(shutdownCtx); err != nil {
		a.logger.Warn("sweeper shutdown", "error", err)
	}
	a.coordinator.Stop()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close verdict store", "error", err)
		}
	}

	return runErr
}
