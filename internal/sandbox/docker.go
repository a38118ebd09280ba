package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerMemoryMB  = 2048

	dockerStartTimeout = 60 * time.Second
	dockerStopTimeout  = 15 * time.Second
)

// DockerConfig configures the Docker-based runner.
type DockerConfig struct {
	MemoryMB       int     // --memory hard limit. 0 = 2048.
	CPUCores       float64 // --cpus rate limit. 0 = 1.0.
	PIDsLimit      int     // --pids-limit. 0 = 256.
	NetworkAllowed bool    // false = --network=none (dependency installs will fail).
}

// DockerRunner hosts sandboxes as detached Docker containers.
//
// Security guarantees:
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - Bridge port published on loopback only
//   - Sanitized environment (no host inheritance)
//   - Container force-removed on stop, even after daemon hiccups
//
// The root filesystem stays writable and the container starts as root:
// setup commands install apt and language packages during boot. The
// resource limits and loopback-only port publishing are the effective
// boundary.
type DockerRunner struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRunner creates a Docker-based sandbox runner.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) *DockerRunner {
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRunner{config: cfg, logger: logger}
}

// Start launches a detached container that runs the spec's setup commands
// and then the bridge server.
func (r *DockerRunner) Start(ctx context.Context, spec Spec) (*Instance, error) {
	if len(spec.BridgeCommand) == 0 {
		return nil, fmt.Errorf("spec has no bridge command")
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("spec has no image")
	}

	ctx, cancel := context.WithTimeout(ctx, dockerStartTimeout)
	defer cancel()

	args := r.buildDockerArgs(spec)

	r.logger.Info("starting docker sandbox",
		slog.String("name", spec.Name),
		slog.String("image", spec.Image),
		slog.Int("host_port", spec.HostPort),
		slog.Int("memory_mb", r.config.MemoryMB),
		slog.Float64("cpu_cores", r.config.CPUCores),
	)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		// Clean up a half-created container before reporting.
		r.forceRemove(spec.Name)
		return nil, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	containerID := strings.TrimSpace(string(out))
	return &Instance{
		Name:        spec.Name,
		ContainerID: containerID,
		HostPort:    spec.HostPort,
		StartedAt:   time.Now().UTC(),
	}, nil
}

// Logs returns the last tail lines of container output. Both the setup
// commands and the bridge process write here.
func (r *DockerRunner) Logs(ctx context.Context, inst *Instance, tail int) (string, error) {
	if inst == nil || inst.Name == "" {
		return "", ErrNotRunning
	}
	if tail <= 0 {
		tail = 100
	}
	out, err := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), inst.Name).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			return "", ErrNotRunning
		}
		return "", fmt.Errorf("docker logs: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Stop force-removes the container. Removing a container that is already
// gone is treated as success.
func (r *DockerRunner) Stop(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.Name == "" {
		return nil
	}
	r.logger.Info("stopping docker sandbox", slog.String("name", inst.Name))
	r.forceRemove(inst.Name)
	return nil
}

// buildDockerArgs constructs the docker run argument list. The boot
// script is passed as the container command via sh -c.
func (r *DockerRunner) buildDockerArgs(spec Spec) []string {
	memoryMB := spec.MemoryMB
	if memoryMB <= 0 {
		memoryMB = r.config.MemoryMB
	}
	cpus := spec.CPUCores
	if cpus <= 0 {
		cpus = r.config.CPUCores
	}
	pids := spec.PIDsLimit
	if pids <= 0 {
		pids = r.config.PIDsLimit
	}
	memoryFlag := strconv.Itoa(memoryMB) + "m"

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--restart=no",

		// --- Security hardening ---
		"--security-opt=no-new-privileges",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(cpus, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(pids),

		// --- Bridge port, loopback only ---
		"--publish", fmt.Sprintf("127.0.0.1:%d:%d", spec.HostPort, spec.BridgePort),

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/root",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--env", "DEBIAN_FRONTEND=noninteractive",
	}

	// Network policy: installs need a network stack, but it can be shut off.
	if spec.NetworkAllowed && r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for _, m := range spec.Mounts {
		volume := m.Source + ":" + m.Target
		if m.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "--volume", volume)
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, "--workdir", "/workspace")
	args = append(args, spec.Image)
	args = append(args, "sh", "-c", bootScript(spec))
	return args
}

// forceRemove removes a container by name. Best-effort cleanup; errors
// other than "No such container" are logged.
func (r *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerStopTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		if !bytes.Contains(out, []byte("No such container")) {
			r.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}
