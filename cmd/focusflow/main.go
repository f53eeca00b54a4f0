// Command focusflow watches a directory for billing exports, converts them to
// a normalized schema and accumulates the rows into a SQLite dataset.
//
// Usage:
//
//	focusflow [config.yaml]
//
// Without an argument, focusflow.yaml is read if present; otherwise the
// defaults apply. FOCUSFLOW_* environment variables override both.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/focusflow/observability"
	"github.com/hazyhaar/focusflow/pipeline"
)

func main() {
	if err := run(); err != nil {
		slog.Error("focusflow", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	p, err := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           p.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("focusflow: http listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("focusflow: http", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("focusflow: starting",
		"input_dir", cfg.InputDir, "archive_dir", cfg.ArchiveDir, "db_path", cfg.DBPath, "identity", cfg.Identity)
	return p.Run(ctx)
}

func loadConfig() (*pipeline.Config, error) {
	path := "focusflow.yaml"
	explicit := len(os.Args) > 1
	if explicit {
		path = os.Args[1]
	}

	var cfg *pipeline.Config
	if _, err := os.Stat(path); err != nil && !explicit {
		cfg = pipeline.DefaultConfig()
	} else {
		c, err := pipeline.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
