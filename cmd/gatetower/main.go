// Gatetower control plane — the capability fabric behind the platform's
// access and execution surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/config"
	"github.com/gatetower/gatetower/internal/controlplane/server"
	"github.com/gatetower/gatetower/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML or JSON)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatetower %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server.Version = version
	server.Commit = commit
	server.Date = date

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else if shutdownTracing != nil {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("trace provider shutdown", zap.Error(err))
			}
		}()
	}

	logger.Info("starting gatetower",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("data_root", cfg.DataRoot),
		zap.Bool("tls", cfg.HasTLS()))

	srv := server.New(cfg, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("gatetower stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil && level != "" {
		cfg.Level = lvl
	}
	return cfg.Build()
}
