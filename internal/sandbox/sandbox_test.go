package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBootScript(t *testing.T) {
	spec := Spec{
		SetupCommands: []string{
			"apt-get update && apt-get install -y jq",
			"npm install",
		},
		BridgeCommand: []string{"/opt/ngome/bridge", "--port", "8700"},
	}

	script := bootScript(spec)

	if !strings.HasPrefix(script, "set -e\n") {
		t.Errorf("script does not fail fast:\n%s", script)
	}
	for _, cmd := range spec.SetupCommands {
		if !strings.Contains(script, cmd+"\n") {
			t.Errorf("script missing setup command %q:\n%s", cmd, script)
		}
	}
	if !strings.HasSuffix(script, "exec '/opt/ngome/bridge' '--port' '8700'") {
		t.Errorf("script does not exec the bridge:\n%s", script)
	}

	// Setup must come before the exec line.
	if strings.Index(script, "npm install") > strings.Index(script, "exec ") {
		t.Error("setup commands must precede the bridge exec")
	}
}

func TestShellJoinQuoting(t *testing.T) {
	got := shellJoin([]string{"echo", "it's a test", "$HOME"})
	want := `'echo' 'it'\''s a test' '$HOME'`
	if got != want {
		t.Errorf("shellJoin = %s, want %s", got, want)
	}
}

func TestDockerArgs(t *testing.T) {
	r := NewDockerRunner(DockerConfig{MemoryMB: 1024, CPUCores: 0.5, PIDsLimit: 128, NetworkAllowed: true}, discardLogger())
	spec := Spec{
		Name:       "ngome-agent-1",
		Image:      "node:22-slim",
		HostPort:   7601,
		BridgePort: 8700,
		Env:        map[string]string{"GITHUB_TOKEN": "tok"},
		Mounts: []Mount{
			{Source: "/srv/repos/demo", Target: "/workspace"},
			{Source: "/srv/caches/npm", Target: "/root/.npm"},
			{Source: "/srv/skills", Target: "/opt/skills", ReadOnly: true},
		},
		BridgeCommand:  []string{"/opt/ngome/bridge"},
		NetworkAllowed: true,
	}

	args := r.buildDockerArgs(spec)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run -d",
		"--name ngome-agent-1",
		"--security-opt=no-new-privileges",
		"--memory=1024m",
		"--memory-swap=1024m",
		"--cpus=0.50",
		"--pids-limit=128",
		"--publish 127.0.0.1:7601:8700",
		"--network=bridge",
		"--volume /srv/repos/demo:/workspace",
		"--volume /srv/skills:/opt/skills:ro",
		"--env GITHUB_TOKEN=tok",
		"--workdir /workspace",
		"node:22-slim",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}

	// The image must come after every flag and before the shell command.
	imageIdx := -1
	for i, a := range args {
		if a == "node:22-slim" {
			imageIdx = i
		}
	}
	if imageIdx == -1 || imageIdx+2 >= len(args) || args[imageIdx+1] != "sh" || args[imageIdx+2] != "-c" {
		t.Errorf("image must be followed by sh -c, got args: %v", args)
	}
}

func TestDockerArgsNetworkDisabled(t *testing.T) {
	r := NewDockerRunner(DockerConfig{NetworkAllowed: false}, discardLogger())
	args := r.buildDockerArgs(Spec{Name: "x", Image: "debian", BridgeCommand: []string{"b"}, NetworkAllowed: true})
	if !strings.Contains(strings.Join(args, " "), "--network=none") {
		t.Error("runner-level network policy must win over the spec")
	}
}

func TestProcessRunner_MissingWorkspaceMount(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, discardLogger())
	_, err := r.Start(context.Background(), Spec{
		Name:          "x",
		BridgeCommand: []string{"sleep", "1"},
	})
	if err == nil || !strings.Contains(err.Error(), "workspace mount") {
		t.Errorf("err = %v, want workspace mount error", err)
	}
}

func TestProcessRunner_SetupFailureAbortsBoot(t *testing.T) {
	dir := t.TempDir()
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	_, err := r.Start(context.Background(), Spec{
		Name:          "failing",
		Mounts:        []Mount{{Source: dir, Target: "/workspace"}},
		SetupCommands: []string{"exit 3"},
		BridgeCommand: []string{"sleep", "60"},
		LogPath:       filepath.Join(dir, "sandbox.log"),
	})
	if err == nil {
		t.Fatal("expected setup failure to abort the boot")
	}
	if !strings.Contains(err.Error(), "setup command failed") {
		t.Errorf("err = %v, want setup failure", err)
	}
}

func TestProcessRunner_StartLogsStop(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "sandbox.log")
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	inst, err := r.Start(context.Background(), Spec{
		Name:          "echoer",
		Mounts:        []Mount{{Source: dir, Target: "/workspace"}},
		SetupCommands: []string{"echo prepared > marker.txt"},
		BridgeCommand: []string{"/bin/sh", "-c", "echo bridge up; sleep 60"},
		LogPath:       logPath,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background(), inst)

	if inst.PID == 0 {
		t.Error("instance has no PID")
	}

	// Setup ran in the workspace dir.
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("setup marker not written: %v", err)
	}

	// The bridge output lands in the log file.
	deadline := time.Now().Add(3 * time.Second)
	for {
		out, logErr := r.Logs(context.Background(), inst, 10)
		if logErr == nil && strings.Contains(out, "bridge up") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bridge output never appeared, logs: %q, err: %v", out, logErr)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := r.Stop(context.Background(), inst); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// A second stop is a no-op.
	if err := r.Stop(context.Background(), inst); err != nil {
		t.Fatalf("Stop (second): %v", err)
	}
}

func TestProcessRunner_SanitizedEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOST_ONLY_SECRET", "leaky")
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	inst, err := r.Start(context.Background(), Spec{
		Name:          "envcheck",
		Mounts:        []Mount{{Source: dir, Target: "/workspace"}},
		SetupCommands: []string{`printf '%s|%s' "$HOST_ONLY_SECRET" "$GRANTED" > env.txt`},
		Env:           map[string]string{"GRANTED": "yes"},
		BridgeCommand: []string{"sleep", "60"},
		LogPath:       filepath.Join(dir, "sandbox.log"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background(), inst)

	data, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "|yes" {
		t.Errorf("sandbox env = %q, want host secret dropped and granted var present", got)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("first write n = %d, want 5", n)
	}
	// Further writes report success but discard.
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("discarding write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.String() != "hello" {
		t.Errorf("captured = %q, want %q", buf.String(), "hello")
	}
}
