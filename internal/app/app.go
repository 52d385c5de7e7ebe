// Package app assembles config, storage, workers and the engine for one
// workspace, shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/events"
	"phaseline/internal/logging"
	"phaseline/internal/migrate"
	"phaseline/internal/worker"
)

type Options struct {
	Workspace string
	// Logger overrides the logger built from the log section.
	Logger *zap.Logger
	// MirrorToNATS connects to nats.url, when set, and mirrors activity.
	MirrorToNATS bool
	// EngineOptions are applied after the defaults.
	EngineOptions []engine.Option
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
	nc        *nats.Conn
}

// Open loads the workspace config (falling back to the default pipeline),
// migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	workers, err := worker.FromConfig(cfg.Workers)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	if err := migrate.Migrate(ctx, conn); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	hubOpts := []events.HubOption{events.WithLogger(logger.Named("hub"))}
	if opts.MirrorToNATS && cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("phaseline"),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		hubOpts = append(hubOpts, events.WithSink(events.NewNATSSink(nc, cfg.NATS.SubjectPrefix)))
		logger.Info("mirroring activity to nats", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
	}
	hub := events.NewHub(events.NewLog(conn), hubOpts...)

	engineOpts := append([]engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithHub(hub),
	}, opts.EngineOptions...)
	eng, err := engine.New(conn, cfg, workers, engineOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

// Close drains the NATS connection and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := logging.Sync(a.Logger); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
