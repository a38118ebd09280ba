package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/provisioner"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds all initialized subsystems that the server and the
// one-shot provisioning commands require. Built once by initShared, torn
// down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace

	Obs     *observability.Observability
	Trail   *audit.Store // nil = auditing disabled.
	Secrets secrets.Provider
	Runner  sandbox.Runner
	Prov    *provisioner.Provisioner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process-wide JSON logger.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig reads the config file at path. When path is the default
// location and no file exists there, built-in defaults are used so the CLI
// works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

// initShared performs all common initialization shared between server mode
// and the one-shot commands. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Audit trail. A nil audit section means SQLite in the workspace.
	auditCfg := cfg.Audit
	if auditCfg == nil {
		auditCfg = &config.AuditConfig{}
	}
	trail, err := audit.Open(auditCfg, ws.AuditDBPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	sc.Trail = trail
	sc.addCleanup(func() {
		if err := trail.Close(); err != nil {
			logger.Error("closing audit store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("audit store opened", slog.String("driver", trail.Driver()))

	// Secrets.
	sc.Secrets = buildSecrets(cfg.Secrets)

	// Sandbox runner.
	runner, err := buildRunner(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Runner = runner
	logger.Debug("sandbox runner initialized",
		slog.String("backend", cfg.Sandbox.Backend()),
		slog.Int("max_memory_mb", cfg.Sandbox.MemoryMB()),
	)

	// Provisioner.
	provOpts := provisioner.Options{
		Runner:   runner,
		Analyzer: analyzer.New(logger),
		Secrets:  sc.Secrets,
		Audit:    trail,
		Metrics:  obs.MetricsOrNil(),
	}
	if obs != nil && obs.Tracer != nil {
		provOpts.Tracer = obs.Tracer.Tracer()
	}
	prov, err := provisioner.New(cfg, ws, logger, provOpts)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing provisioner: %w", err)
	}
	sc.Prov = prov

	return sc, nil
}

// initWorkspace resolves the workspace root from config or falls back to
// the default location under the user's home directory.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace != "" {
		return workspace.New(cfg.Workspace)
	}
	return workspace.Default()
}

// buildSecrets assembles the secret provider chain: dotenv file first when
// configured, host environment as the fallback.
func buildSecrets(cfg *config.SecretsConfig) secrets.Provider {
	env := secrets.NewEnvProvider()
	if cfg == nil || cfg.DotenvPath == "" {
		return env
	}
	return secrets.NewCompositeProvider(secrets.NewDotenvProvider(cfg.DotenvPath), env)
}

// buildRunner creates the sandbox backend selected by config.
func buildRunner(cfg *config.Config, logger *slog.Logger) (sandbox.Runner, error) {
	switch cfg.Sandbox.Backend() {
	case "docker":
		return sandbox.NewDockerRunner(sandbox.DockerConfig{
			MemoryMB:       cfg.Sandbox.MemoryMB(),
			CPUCores:       cfg.Sandbox.CPUs(),
			PIDsLimit:      cfg.Sandbox.PIDs(),
			NetworkAllowed: cfg.Sandbox.NetworkAllowed,
		}, logger), nil
	case "process":
		return sandbox.NewProcessRunner(sandbox.ProcessConfig{}, logger), nil
	default:
		return nil, fmt.Errorf("sandbox backend %q is not supported", cfg.Sandbox.Backend())
	}
}
