// Package provisioner boots and maintains bridge sandboxes for external
// repositories. Provisioning is an iterative loop: build a recipe from the
// analyzer's requirements, start the sandbox, wait for the bridge to answer
// health checks, and on failure diagnose the boot output into a conservative
// repair for the next attempt. The loop is bounded; an unrecognized failure
// or an exhausted budget ends in a terminal failed state.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Version is stamped at build time.
var Version = "dev"

const (
	portScanRange    = 200
	logTailLines     = 200
	hostCloneTimeout = 5 * time.Minute
)

// Provisioner owns the full sandbox lifecycle for all agents on this host.
type Provisioner struct {
	cfg      *config.Config
	ws       *workspace.Workspace
	analyzer *analyzer.Analyzer
	runner   sandbox.Runner
	secrets  secrets.Provider
	audit    *audit.Store
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
	logger   *slog.Logger

	bridgeBinary string

	mu sync.Mutex // Serializes port allocation across concurrent Initialize calls.
}

// Options carries the collaborators a Provisioner needs beyond config.
// Audit and Metrics may be nil (disabled).
type Options struct {
	Runner       sandbox.Runner
	Analyzer     *analyzer.Analyzer
	Secrets      secrets.Provider
	Audit        *audit.Store
	Metrics      *observability.MetricsCollector
	Tracer       trace.Tracer
	BridgeBinary string // Host path to the ngome binary. Default: os.Executable().
}

// New creates a Provisioner.
func New(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger, opts Options) (*Provisioner, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("a sandbox runner is required")
	}
	a := opts.Analyzer
	if a == nil {
		a = analyzer.New(logger)
	}
	binary := opts.BridgeBinary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating own binary for bridge mount: %w", err)
		}
		binary = exe
	}
	return &Provisioner{
		cfg:          cfg,
		ws:           ws,
		analyzer:     a,
		runner:       opts.Runner,
		secrets:      opts.Secrets,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger,
		bridgeBinary: binary,
	}, nil
}

// Initialize provisions a sandbox for the repository and blocks until its
// bridge is healthy or the iteration budget is exhausted. The returned
// state is also persisted under the agent's workspace directory.
func (p *Provisioner) Initialize(ctx context.Context, agentID, repository string) (*BridgeState, error) {
	start := time.Now()
	statePath := p.ws.AgentStatePath(agentID)

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "provision.initialize",
			trace.WithAttributes(
				attribute.String("agent_id", agentID),
				attribute.String("repository", repository),
			))
		defer span.End()
	}

	state := &BridgeState{
		AgentID:    agentID,
		Repository: repository,
		Backend:    p.cfg.Sandbox.Backend(),
		Status:     StatusAnalyzing,
		CreatedAt:  time.Now().UTC(),
	}
	if err := SaveState(statePath, state); err != nil {
		return nil, err
	}

	// 1. Materialize the repository on the host.
	repoDir, err := p.prepareRepo(ctx, agentID, repository)
	if err != nil {
		return p.fail(ctx, state, statePath, start, 0, "", fmt.Errorf("preparing repository: %w", err))
	}

	// 2. Static analysis.
	req, err := p.analyzer.Analyze(repoDir)
	if err != nil {
		return p.fail(ctx, state, statePath, start, 0, "", fmt.Errorf("analyzing project: %w", err))
	}

	// 3. Resolve secret values named by the analysis.
	secretEnv, err := p.resolveSecrets(ctx, req.EnvVarNames)
	if err != nil {
		return p.fail(ctx, state, statePath, start, 0, "", err)
	}

	hostPort, err := p.allocatePort()
	if err != nil {
		return p.fail(ctx, state, statePath, start, 0, "", err)
	}
	state.Port = hostPort

	opts := recipeOptions{
		AgentID:      agentID,
		Backend:      p.cfg.Sandbox.Backend(),
		RepoDir:      repoDir,
		HostPort:     hostPort,
		BridgePort:   p.cfg.Bridge.ListenPort(),
		LogPath:      p.ws.AgentLogPath(agentID),
		BridgeBinary: p.bridgeBinary,
		CacheDir:     p.ws.CacheVolumeDir,
		SecretEnv:    secretEnv,

		CPUCores:       p.cfg.Sandbox.CPUs(),
		MemoryMB:       p.cfg.Sandbox.MemoryMB(),
		PIDsLimit:      p.cfg.Sandbox.PIDs(),
		NetworkAllowed: p.cfg.Sandbox.NetworkAllowed,
	}

	// 4. Bounded build-boot-check-repair loop.
	maxIterations := p.cfg.Provisioner.Iterations()
	var extraSetup []string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		iterStart := time.Now()
		opts.ExtraSetup = extraSetup

		iterCtx := ctx
		var iterSpan trace.Span
		if p.tracer != nil {
			iterCtx, iterSpan = p.tracer.Start(ctx, "provision.iteration",
				trace.WithAttributes(attribute.Int("iteration", iteration)))
		}

		state.Status = StatusBuilding
		state.Iterations = iteration
		if err := SaveState(statePath, state); err != nil {
			return nil, err
		}

		p.logger.Info("provisioning iteration",
			slog.String("agent_id", agentID),
			slog.Int("iteration", iteration),
			slog.Int("max_iterations", maxIterations),
		)

		spec := buildSpec(req, opts)
		inst, bootOutput, healthy := p.bootAndCheck(iterCtx, statePath, state, spec)
		if healthy {
			if iterSpan != nil {
				iterSpan.End()
			}
			state.Status = StatusReady
			state.LastHealthCheck = time.Now().UTC()
			if inst != nil {
				state.PID = inst.PID
				state.ContainerID = inst.ContainerID
			}
			if err := SaveState(statePath, state); err != nil {
				return nil, err
			}
			p.recordAttempt(ctx, agentID, iteration, "ready", "", "", iterStart)
			p.metrics.RecordIteration("ready")
			if p.metrics != nil {
				p.metrics.ProvisionDuration.WithLabelValues("ready").Observe(time.Since(start).Seconds())
				p.metrics.ActiveSandboxes.Inc()
			}
			p.logger.Info("sandbox ready",
				slog.String("agent_id", agentID),
				slog.Int("port", state.Port),
				slog.Int("iterations", iteration),
				slog.Duration("elapsed", time.Since(start)),
			)
			return state, nil
		}

		// Tear down the failed attempt before diagnosing.
		if inst != nil {
			if stopErr := p.runner.Stop(ctx, inst); stopErr != nil {
				p.logger.Warn("stopping failed sandbox",
					slog.String("agent_id", agentID),
					slog.String("error", stopErr.Error()),
				)
			}
		}

		repair := diagnose(bootOutput, req)
		if repair == nil {
			if iterSpan != nil {
				iterSpan.SetStatus(codes.Error, "unrepairable boot failure")
				iterSpan.End()
			}
			return p.fail(ctx, state, statePath, start, iteration, "",
				fmt.Errorf("no repair for boot failure on iteration %d; last output:\n%s", iteration, tail(bootOutput, 20)))
		}

		state.Status = StatusRepairing
		if err := SaveState(statePath, state); err != nil {
			return nil, err
		}
		extraSetup = append(extraSetup, repair.Commands...)
		p.recordAttempt(ctx, agentID, iteration, "repairing", repair.Signal, strings.Join(repair.Commands, "; "), iterStart)
		p.metrics.RecordIteration("repairing")
		p.metrics.RecordRepair(repair.Signal)
		p.logger.Warn("boot failed, repairing",
			slog.String("agent_id", agentID),
			slog.Int("iteration", iteration),
			slog.String("signal", repair.Signal),
			slog.String("reason", repair.Reason),
		)
		if iterSpan != nil {
			iterSpan.SetStatus(codes.Error, repair.Signal)
			iterSpan.End()
		}
	}

	return p.fail(ctx, state, statePath, start, maxIterations, "budget_exhausted",
		fmt.Errorf("provisioning failed after %d iterations", maxIterations))
}

// bootAndCheck starts one sandbox and polls its bridge until healthy or the
// health window closes. Returns the instance (nil if start itself failed),
// the boot output for diagnosis, and whether the bridge became healthy.
func (p *Provisioner) bootAndCheck(ctx context.Context, statePath string, state *BridgeState, spec sandbox.Spec) (*sandbox.Instance, string, bool) {
	backend := p.cfg.Sandbox.Backend()

	inst, err := p.runner.Start(ctx, spec)
	if err != nil {
		if p.metrics != nil {
			p.metrics.SandboxStartsTotal.WithLabelValues(backend, "error").Inc()
		}
		return nil, err.Error(), false
	}
	if p.metrics != nil {
		p.metrics.SandboxStartsTotal.WithLabelValues(backend, "success").Inc()
	}

	state.Status = StatusBooting
	state.PID = inst.PID
	state.ContainerID = inst.ContainerID
	_ = SaveState(statePath, state)

	client, err := NewBridgeClient(spec.HostPort, p.metrics, p.logger)
	if err != nil {
		return inst, err.Error(), false
	}
	defer client.Close()

	state.Status = StatusHealthChecking
	_ = SaveState(statePath, state)

	deadline := time.Now().Add(p.cfg.Provisioner.HealthTimeout())
	poll := p.cfg.Provisioner.HealthPoll()
	connected := false
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return inst, ctx.Err().Error(), false
		case <-time.After(poll):
		}

		checkStart := time.Now()
		if !connected {
			if err := client.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
			connected = true
		}
		_, err := client.Health(ctx)
		p.metrics.RecordHealthCheck(time.Since(checkStart).Seconds(), err == nil)
		if err == nil {
			return inst, "", true
		}
		lastErr = err
	}

	// Bridge never answered; collect sandbox output for diagnosis.
	output, logErr := p.runner.Logs(ctx, inst, logTailLines)
	if logErr != nil && lastErr != nil {
		output = lastErr.Error()
	}
	return inst, output, false
}

// GetState returns the persisted state for an agent.
func (p *Provisioner) GetState(agentID string) (*BridgeState, error) {
	return LoadState(p.ws.AgentStatePath(agentID))
}

// List returns persisted state for every agent under the workspace,
// sorted by agent directory name.
func (p *Provisioner) List() ([]*BridgeState, error) {
	entries, err := os.ReadDir(p.ws.AgentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	var states []*BridgeState
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		state, err := LoadState(filepath.Join(p.ws.AgentsDir(), e.Name(), "state.json"))
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// Port returns the host port of a ready agent's bridge.
func (p *Provisioner) Port(agentID string) (int, error) {
	state, err := p.GetState(agentID)
	if err != nil {
		return 0, err
	}
	if state.Status != StatusReady {
		return 0, fmt.Errorf("agent %s is %s: %w", agentID, state.Status, ErrNotReady)
	}
	return state.Port, nil
}

// Client connects to a ready agent's bridge.
func (p *Provisioner) Client(ctx context.Context, agentID string) (*BridgeClient, error) {
	state, err := p.GetState(agentID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusReady {
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, state.Status, ErrNotReady)
	}
	client, err := NewBridgeClient(state.Port, p.metrics, p.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Logs returns the tail of an agent's sandbox output.
func (p *Provisioner) Logs(ctx context.Context, agentID string, lines int) (string, error) {
	state, err := p.GetState(agentID)
	if err != nil {
		return "", err
	}
	return p.runner.Logs(ctx, p.instanceFromState(state), lines)
}

// Destroy stops an agent's sandbox and marks its state stopped. Idempotent
// from any state: a never-provisioned or already-stopped agent is a no-op.
func (p *Provisioner) Destroy(ctx context.Context, agentID string) error {
	state, err := p.GetState(agentID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	if state.Status == StatusStopped {
		return nil
	}

	if err := p.runner.Stop(ctx, p.instanceFromState(state)); err != nil && !errors.Is(err, sandbox.ErrNotRunning) {
		p.logger.Warn("stopping sandbox",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}
	if state.Status == StatusReady && p.metrics != nil {
		p.metrics.ActiveSandboxes.Dec()
	}

	state.Status = StatusStopped
	if err := SaveState(p.ws.AgentStatePath(agentID), state); err != nil {
		return err
	}
	p.logger.Info("sandbox destroyed", slog.String("agent_id", agentID))
	return nil
}

func (p *Provisioner) instanceFromState(state *BridgeState) *sandbox.Instance {
	return &sandbox.Instance{
		Name:        "ngome-" + state.AgentID,
		ContainerID: state.ContainerID,
		PID:         state.PID,
		LogPath:     p.ws.AgentLogPath(state.AgentID),
		HostPort:    state.Port,
	}
}

// prepareRepo materializes the repository on the host: remote references
// are shallow-cloned fresh into the workspace, local paths are used as-is.
func (p *Provisioner) prepareRepo(ctx context.Context, agentID, repository string) (string, error) {
	if !isRemoteRef(repository) {
		info, err := os.Stat(repository)
		if err != nil {
			return "", fmt.Errorf("local repository %s: %w", repository, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("local repository %s is not a directory", repository)
		}
		return repository, nil
	}

	dest := filepath.Join(p.ws.ReposDir(), agentID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clearing previous checkout: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, hostCloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", repository, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GCM_INTERACTIVE=never")
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("cloning %s: %w: %s", repository, err, strings.TrimSpace(string(out)))
	}

	p.analyzer.Invalidate(dest)
	return dest, nil
}

func isRemoteRef(repository string) bool {
	return strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@")
}

// resolveSecrets resolves each env var name through the secrets provider.
// Unresolvable names are skipped — the analysis admits names the operator
// may simply not have configured.
func (p *Provisioner) resolveSecrets(ctx context.Context, names []string) (map[string]string, error) {
	if p.secrets == nil || len(names) == 0 {
		return nil, nil
	}
	env := make(map[string]string)
	for _, name := range names {
		secret, err := p.secrets.Resolve(ctx, name)
		if err != nil {
			continue
		}
		env[name] = secret.Value
	}
	p.logger.Info("resolved sandbox secrets",
		slog.Int("requested", len(names)),
		slog.Int("resolved", len(env)),
	)
	return env, nil
}

// allocatePort finds a free loopback port starting at the configured base.
func (p *Provisioner) allocatePort() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.cfg.Provisioner.PortBase()
	for port := base; port < base+portScanRange; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		if p.portInUse(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", base, base+portScanRange-1)
}

// portInUse reports whether another agent's persisted state already claims
// the port. Closed listeners alone cannot see reservations for sandboxes
// that are still booting.
func (p *Provisioner) portInUse(port int) bool {
	states, err := p.List()
	if err != nil {
		return false
	}
	for _, s := range states {
		if s.Port == port && s.Status != StatusStopped && s.Status != StatusFailed {
			return true
		}
	}
	return false
}

func (p *Provisioner) fail(ctx context.Context, state *BridgeState, statePath string, start time.Time, iteration int, signal string, cause error) (*BridgeState, error) {
	state.Status = StatusFailed
	if err := SaveState(statePath, state); err != nil {
		p.logger.Error("persisting failed state", slog.String("error", err.Error()))
	}
	if iteration > 0 {
		p.recordAttempt(ctx, state.AgentID, iteration, "failed", signal, "", start)
	}
	p.metrics.RecordIteration("failed")
	if p.metrics != nil {
		p.metrics.ProvisionDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
	}
	if p.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	p.logger.Error("provisioning failed",
		slog.String("agent_id", state.AgentID),
		slog.String("error", cause.Error()),
	)
	return nil, cause
}

func (p *Provisioner) recordAttempt(ctx context.Context, agentID string, iteration int, outcome, signal, repair string, start time.Time) {
	err := p.audit.Record(ctx, audit.ProvisionAttempt{
		AgentID:   agentID,
		Iteration: iteration,
		Outcome:   outcome,
		Signal:    signal,
		Repair:    repair,
		Duration:  time.Since(start).Milliseconds(),
	})
	if err != nil {
		p.logger.Warn("recording provision attempt", slog.String("error", err.Error()))
	}
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
