// Package sandbox provides isolated long-running execution environments
// that host a bridge tool server next to a project checkout. A sandbox
// runs its setup commands once, then keeps the bridge process alive until
// stopped.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Runner starts, inspects, and stops sandbox instances.
type Runner interface {
	// Start boots a sandbox from the spec. The returned instance is live
	// once setup has begun; readiness is established by the caller through
	// the bridge health endpoint.
	Start(ctx context.Context, spec Spec) (*Instance, error)

	// Logs returns up to tail lines of the sandbox's captured output.
	Logs(ctx context.Context, inst *Instance, tail int) (string, error)

	// Stop tears the sandbox down. Stopping an already-stopped instance
	// is a no-op.
	Stop(ctx context.Context, inst *Instance) error
}

// ErrNotRunning is returned by Logs when the instance has no output source.
var ErrNotRunning = fmt.Errorf("sandbox instance is not running")

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string // Host path.
	Target   string // Path inside the sandbox.
	ReadOnly bool
}

// Spec describes one sandbox to boot.
type Spec struct {
	Name          string            // Unique instance name.
	Image         string            // Container image (docker backend only).
	HostPort      int               // Host port the bridge is reachable on.
	BridgePort    int               // Port the bridge listens on inside the sandbox.
	Env           map[string]string // Extra environment on top of the sanitized base.
	Mounts        []Mount
	SetupCommands []string // Run in order before the bridge starts; any failure aborts boot.
	BridgeCommand []string // Long-running bridge server command.
	LogPath       string   // Combined output capture file (process backend only).

	CPUCores       float64
	MemoryMB       int
	PIDsLimit      int
	NetworkAllowed bool
}

// Instance identifies one live sandbox.
type Instance struct {
	Name        string
	ContainerID string // Docker backend only.
	PID         int    // Process backend only.
	LogPath     string // Process backend only.
	HostPort    int
	StartedAt   time.Time
}

// bootScript builds the shell script that runs setup commands and then
// replaces the shell with the bridge process. Any setup failure exits the
// sandbox with that command's status, which surfaces as a failed boot.
func bootScript(spec Spec) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, cmd := range spec.SetupCommands {
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	b.WriteString("exec ")
	b.WriteString(shellJoin(spec.BridgeCommand))
	return b.String()
}

// shellJoin quotes each argument for safe interpolation into a shell script.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
