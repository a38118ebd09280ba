package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxSetupOutputBytes caps captured setup output to prevent OOM from
	// chatty install commands.
	maxSetupOutputBytes = 1 << 20 // 1 MB

	defaultSetupTimeout = 5 * time.Minute
)

// ProcessConfig configures the process-based runner.
type ProcessConfig struct {
	SetupTimeout time.Duration // Per setup command. 0 = 5m.
}

// ProcessRunner hosts sandboxes as host processes. Used for development
// and for environments without a Docker daemon; the isolation boundary is
// weaker than the Docker backend.
//
// Security guarantees:
//   - The bridge and every setup command run in their own process group
//   - The whole group is killed on stop, including grandchildren
//   - No environment inheritance from the host — only a minimal safe set
//     plus the spec's explicit entries
//   - Setup output is size-capped
type ProcessRunner struct {
	setupTimeout time.Duration
	logger       *slog.Logger
}

// NewProcessRunner creates a process-based sandbox runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	timeout := cfg.SetupTimeout
	if timeout == 0 {
		timeout = defaultSetupTimeout
	}
	return &ProcessRunner{setupTimeout: timeout, logger: logger}
}

// Start runs the spec's setup commands synchronously, then launches the
// bridge as a detached child process. The bridge's combined output goes
// to spec.LogPath.
func (r *ProcessRunner) Start(ctx context.Context, spec Spec) (*Instance, error) {
	if len(spec.BridgeCommand) == 0 {
		return nil, fmt.Errorf("spec has no bridge command")
	}
	workDir := workspaceSource(spec)
	if workDir == "" {
		return nil, fmt.Errorf("spec has no workspace mount")
	}

	// 1. Setup commands, in order. Any failure aborts the boot.
	for _, setup := range spec.SetupCommands {
		if err := r.runSetup(ctx, spec, workDir, setup); err != nil {
			return nil, err
		}
	}

	// 2. Open the log capture file.
	if spec.LogPath == "" {
		return nil, fmt.Errorf("spec has no log path")
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening sandbox log %s: %w", spec.LogPath, err)
	}

	// 3. Launch the bridge detached, in its own process group.
	cmd := exec.Command(spec.BridgeCommand[0], spec.BridgeCommand[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(workDir, spec.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting bridge process: %w", err)
	}

	pid := cmd.Process.Pid
	r.logger.Info("started process sandbox",
		slog.String("name", spec.Name),
		slog.Int("pid", pid),
		slog.Int("host_port", spec.HostPort),
		slog.String("log", spec.LogPath),
	)

	// Reap the child when it exits so it doesn't linger as a zombie.
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return &Instance{
		Name:      spec.Name,
		PID:       pid,
		LogPath:   spec.LogPath,
		HostPort:  spec.HostPort,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Logs returns the last tail lines from the instance's log file.
func (r *ProcessRunner) Logs(_ context.Context, inst *Instance, tail int) (string, error) {
	if inst == nil {
		return "", ErrNotRunning
	}
	path := inst.LogPath
	if path == "" {
		return "", ErrNotRunning
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotRunning
		}
		return "", fmt.Errorf("reading sandbox log: %w", err)
	}
	if tail <= 0 {
		tail = 100
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// Stop kills the bridge's process group. A group that is already gone is
// treated as success.
func (r *ProcessRunner) Stop(_ context.Context, inst *Instance) error {
	if inst == nil || inst.PID == 0 {
		return nil
	}
	r.logger.Info("stopping process sandbox",
		slog.String("name", inst.Name),
		slog.Int("pid", inst.PID),
	)
	// Negative PID = the entire process group.
	err := syscall.Kill(-inst.PID, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing sandbox process group %d: %w", inst.PID, err)
	}
	return nil
}

// runSetup executes one setup command through the shell, capped and
// group-killed on timeout.
func (r *ProcessRunner) runSetup(ctx context.Context, spec Spec, workDir, setup string) error {
	ctx, cancel := context.WithTimeout(ctx, r.setupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", setup)
	cmd.Dir = workDir
	cmd.Env = buildEnv(workDir, spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, remaining: maxSetupOutputBytes}
	cmd.Stderr = &limitedWriter{w: &out, remaining: maxSetupOutputBytes}

	r.logger.Info("running setup command",
		slog.String("name", spec.Name),
		slog.String("command", setup),
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("setup command timed out after %s: %s", r.setupTimeout, setup)
		}
		return fmt.Errorf("setup command failed: %s: %w: %s",
			setup, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// workspaceSource finds the host directory mounted as the workspace.
func workspaceSource(spec Spec) string {
	for _, m := range spec.Mounts {
		if m.Target == "/workspace" {
			return m.Source
		}
	}
	return ""
}

// buildEnv constructs a minimal, safe environment. The host process's
// environment is NEVER inherited — this prevents credentials from leaking
// into sandboxed commands beyond the ones the spec grants.
func buildEnv(workDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
