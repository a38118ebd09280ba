package bridge

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
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 10 * time.Minute
	defaultOutputCap   = 1 << 20 // 1 MB
)

// ExecResult captures the outcome of one exec_run invocation.
type ExecResult struct {
	Output   string // Stdout, followed by a labeled stderr segment if any.
	ExitCode int
	Duration time.Duration
}

// Executor runs shell commands inside the sandbox on behalf of exec_run.
// The working directory must pass the path guard; the process group is
// killed on timeout so grandchildren cannot linger.
type Executor struct {
	guard          *PathGuard
	defaultTimeout time.Duration
	outputCap      int64
	logger         *slog.Logger
}

// NewExecutor creates a command executor restricted to guarded paths.
func NewExecutor(guard *PathGuard, defaultTimeout time.Duration, outputCap int64, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultExecTimeout
	}
	if outputCap <= 0 {
		outputCap = defaultOutputCap
	}
	return &Executor{
		guard:          guard,
		defaultTimeout: defaultTimeout,
		outputCap:      outputCap,
		logger:         logger,
	}
}

// Run executes command through the shell in workdir (workspace root when
// empty). A zero timeout uses the executor default; timeouts above the
// hard cap are clamped.
func (e *Executor) Run(ctx context.Context, command, workdir string, timeout time.Duration) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}

	dir := e.guard.Workspace()
	if workdir != "" {
		resolved, err := e.guard.Resolve(workdir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	// Process group isolation — kill the whole tree on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, remaining: e.outputCap}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, remaining: e.outputCap}

	e.logger.InfoContext(ctx, "exec_run executing",
		slog.String("command", command),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.WarnContext(ctx, "exec_run timed out",
				slog.String("command", command),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("executing command: %w", runErr)
		}
	}

	e.logger.InfoContext(ctx, "exec_run completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecResult{
		Output:   combineOutput(stdoutBuf.String(), stderrBuf.String()),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// combineOutput joins stdout with a labeled stderr segment so callers can
// tell the streams apart in a single text payload.
func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	var b strings.Builder
	b.WriteString(stdout)
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- stderr ---\n")
	b.WriteString(stderr)
	return b.String()
}

// cappedWriter stops writing after a byte limit; excess is discarded.
type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > cw.remaining {
		p = p[:cw.remaining]
	}
	n, err := cw.w.Write(p)
	cw.remaining -= int64(n)
	return n, err
}
