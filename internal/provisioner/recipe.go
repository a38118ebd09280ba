package provisioner

import (
	"fmt"
	"strconv"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/sandbox"
)

// bridgeMountPath is where the host binary is mounted inside docker
// sandboxes. It lives under /opt so the bridge's own allowlist covers it.
const bridgeMountPath = "/opt/ngome/ngome"

// recipeOptions carries the host-side wiring for one sandbox spec.
type recipeOptions struct {
	AgentID      string
	Backend      string // "docker" or "process"
	RepoDir      string // Host checkout, mounted at the bridge workspace.
	HostPort     int
	BridgePort   int
	LogPath      string
	BridgeBinary string            // Host path to the ngome binary.
	CacheDir     func(string) string
	SecretEnv    map[string]string // Resolved secret values, injected as env.
	ExtraSetup   []string          // Repairs accumulated across iterations.

	CPUCores       float64
	MemoryMB       int
	PIDsLimit      int
	NetworkAllowed bool
}

// buildSpec assembles the sandbox spec for one provisioning iteration.
// Setup order matters: the analyzer's commands first, then skill repo
// clones, then any repairs from earlier iterations.
func buildSpec(req *analyzer.ProjectRequirements, opts recipeOptions) sandbox.Spec {
	mounts := []sandbox.Mount{
		{Source: opts.RepoDir, Target: "/workspace"},
	}
	for _, cv := range req.CacheVolumes {
		if opts.CacheDir == nil {
			break
		}
		mounts = append(mounts, sandbox.Mount{Source: opts.CacheDir(cv.Name), Target: cv.MountPath})
	}

	setup := make([]string, 0, len(req.SetupCommands)+len(req.SkillRepos)+len(opts.ExtraSetup))
	setup = append(setup, req.SetupCommands...)
	for _, skill := range req.SkillRepos {
		setup = append(setup, skillCloneCommand(skill.SourceLocation, skill.SandboxPath))
	}
	setup = append(setup, opts.ExtraSetup...)

	var bridgeCmd []string
	if opts.Backend == "docker" {
		mounts = append(mounts, sandbox.Mount{Source: opts.BridgeBinary, Target: bridgeMountPath, ReadOnly: true})
		bridgeCmd = []string{bridgeMountPath, "bridge", "--port", strconv.Itoa(opts.BridgePort)}
	} else {
		bridgeCmd = []string{opts.BridgeBinary, "bridge", "--port", strconv.Itoa(opts.BridgePort)}
	}

	env := make(map[string]string, len(opts.SecretEnv))
	for k, v := range opts.SecretEnv {
		env[k] = v
	}

	return sandbox.Spec{
		Name:          "ngome-" + opts.AgentID,
		Image:         req.BaseImage,
		HostPort:      opts.HostPort,
		BridgePort:    opts.BridgePort,
		Env:           env,
		Mounts:        mounts,
		SetupCommands: setup,
		BridgeCommand: bridgeCmd,
		LogPath:       opts.LogPath,

		CPUCores:       opts.CPUCores,
		MemoryMB:       opts.MemoryMB,
		PIDsLimit:      opts.PIDsLimit,
		NetworkAllowed: opts.NetworkAllowed,
	}
}

// skillCloneCommand clones a plugin repository into its sandbox path,
// skipping the clone when a cache mount already populated it.
func skillCloneCommand(source, dest string) string {
	return fmt.Sprintf("[ -d %s ] || git clone --depth 1 %s %s", dest, source, dest)
}
