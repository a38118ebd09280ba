package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/controlapi"
	"github.com/jkaninda/ngome/internal/provisioner"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API server and health monitor",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ngome --config path` and `ngome serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override control API listen address (e.g. :9090)")
	}
}

// runServe starts Ngome in server mode: control API plus the periodic
// health monitor for ready sandboxes.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(goutils.Env("NGOME_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		if cfg.API == nil {
			cfg.API = &config.APIConfig{Enabled: true}
		}
		cfg.API.ListenAddr = serveListenAddr
	}
	if cfg.API == nil {
		// Server mode without an API section still serves on the default
		// address; a config that explicitly disables it is honored below.
		cfg.API = &config.APIConfig{Enabled: true}
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic health monitor (optional).
	monitor := provisioner.NewMonitor(sc.Prov, cfg.Monitor, logger)
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	if !cfg.API.Enabled {
		logger.Info("control api disabled, running monitor only")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	metricsPath := "/metrics"
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		metricsPath = cfg.Observability.Metrics.MetricsPath()
	}

	api := controlapi.NewServer(cfg.API, sc.Prov, sc.Trail, sc.Obs, metricsPath, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- api.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("control api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return api.Stop(shutdownCtx)
}
