package provisioner

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/patterns"
	"github.com/jkaninda/ngome/internal/skills"
)

func baseRecipeOptions() recipeOptions {
	return recipeOptions{
		AgentID:      "a1",
		Backend:      "docker",
		RepoDir:      "/hosts/repos/a1",
		HostPort:     7601,
		BridgePort:   8700,
		BridgeBinary: "/usr/local/bin/ngome",
		CacheDir:     func(name string) string { return filepath.Join("/hosts/caches", name) },
	}
}

func TestBuildSpec_Docker(t *testing.T) {
	req := &analyzer.ProjectRequirements{
		ProjectType:   patterns.TypeNPM,
		BaseImage:     "node:22-slim",
		SetupCommands: []string{"npm install"},
		CacheVolumes:  []patterns.CacheVolume{{Name: "npm-cache", MountPath: "/root/.npm"}},
	}
	opts := baseRecipeOptions()
	opts.SecretEnv = map[string]string{"OPENAI_API_KEY": "sk-test"}
	opts.ExtraSetup = []string{"apt-get install -y ffmpeg"}

	spec := buildSpec(req, opts)

	if spec.Name != "ngome-a1" {
		t.Errorf("name = %q, want %q", spec.Name, "ngome-a1")
	}
	if spec.Image != "node:22-slim" {
		t.Errorf("image = %q, want %q", spec.Image, "node:22-slim")
	}
	if spec.HostPort != 7601 || spec.BridgePort != 8700 {
		t.Errorf("ports = %d/%d, want 7601/8700", spec.HostPort, spec.BridgePort)
	}
	if spec.Env["OPENAI_API_KEY"] != "sk-test" {
		t.Error("secret env not carried into spec")
	}

	// Repairs come after the analyzer's commands.
	if len(spec.SetupCommands) != 2 {
		t.Fatalf("setup commands = %v, want 2 entries", spec.SetupCommands)
	}
	if spec.SetupCommands[0] != "npm install" || spec.SetupCommands[1] != "apt-get install -y ffmpeg" {
		t.Errorf("setup order wrong: %v", spec.SetupCommands)
	}

	// Workspace, cache volume, and bridge binary mounts.
	targets := make(map[string]string)
	for _, m := range spec.Mounts {
		targets[m.Target] = m.Source
	}
	if targets["/workspace"] != "/hosts/repos/a1" {
		t.Errorf("workspace mount = %q", targets["/workspace"])
	}
	if targets["/root/.npm"] != "/hosts/caches/npm-cache" {
		t.Errorf("cache mount = %q", targets["/root/.npm"])
	}
	if targets[bridgeMountPath] != "/usr/local/bin/ngome" {
		t.Errorf("bridge binary mount = %q", targets[bridgeMountPath])
	}

	want := []string{bridgeMountPath, "bridge", "--port", "8700"}
	if strings.Join(spec.BridgeCommand, " ") != strings.Join(want, " ") {
		t.Errorf("bridge command = %v, want %v", spec.BridgeCommand, want)
	}
}

func TestBuildSpec_ProcessUsesHostBinary(t *testing.T) {
	req := &analyzer.ProjectRequirements{ProjectType: patterns.TypeShell}
	opts := baseRecipeOptions()
	opts.Backend = "process"

	spec := buildSpec(req, opts)

	if spec.BridgeCommand[0] != "/usr/local/bin/ngome" {
		t.Errorf("bridge command = %v, want host binary path first", spec.BridgeCommand)
	}
	for _, m := range spec.Mounts {
		if m.Target == bridgeMountPath {
			t.Error("process backend must not mount the bridge binary")
		}
	}
}

func TestBuildSpec_SkillClones(t *testing.T) {
	req := &analyzer.ProjectRequirements{
		ProjectType: patterns.TypeShell,
		SkillRepos: []skills.SkillRepo{
			{Name: "browser", SourceLocation: "https://github.com/acme/browser.git", SandboxPath: "/opt/skills/browser"},
		},
	}

	spec := buildSpec(req, baseRecipeOptions())

	joined := strings.Join(spec.SetupCommands, "\n")
	if !strings.Contains(joined, "git clone --depth 1 https://github.com/acme/browser.git /opt/skills/browser") {
		t.Errorf("setup missing skill clone:\n%s", joined)
	}
	if !strings.Contains(joined, "[ -d /opt/skills/browser ] ||") {
		t.Errorf("skill clone not guarded against existing checkout:\n%s", joined)
	}
}
