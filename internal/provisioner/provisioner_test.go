package provisioner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRunner fails every Start with a fixed error and records calls.
type stubRunner struct {
	startErr   error
	startCalls int
	stopCalls  int
	lastSpec   sandbox.Spec
}

func (r *stubRunner) Start(_ context.Context, spec sandbox.Spec) (*sandbox.Instance, error) {
	r.startCalls++
	r.lastSpec = spec
	if r.startErr != nil {
		return nil, r.startErr
	}
	return &sandbox.Instance{Name: spec.Name, PID: 12345}, nil
}

func (r *stubRunner) Logs(_ context.Context, _ *sandbox.Instance, _ int) (string, error) {
	return "", nil
}

func (r *stubRunner) Stop(_ context.Context, _ *sandbox.Instance) error {
	r.stopCalls++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Provisioner: config.ProvisionerConfig{
			MaxIterations:        3,
			HealthTimeoutSeconds: 1,
			HealthPollSeconds:    1,
		},
		Sandbox: config.SandboxConfig{Type: "process"},
	}
}

func testProvisioner(t *testing.T, runner sandbox.Runner) *Provisioner {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New() error: %v", err)
	}
	p, err := New(testConfig(), ws, discardLogger(), Options{
		Runner:       runner,
		BridgeBinary: "/usr/local/bin/ngome",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0640); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestInitialize_RepairableFailureExhaustsBudget(t *testing.T) {
	runner := &stubRunner{startErr: errors.New("sh: 1: ffmpeg: not found")}
	p := testProvisioner(t, runner)
	repo := writeRepo(t, map[string]string{"package.json": `{"name":"x"}`})

	_, err := p.Initialize(context.Background(), "agent-1", repo)
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if !strings.Contains(err.Error(), "after 3 iterations") {
		t.Errorf("error = %q, want mention of 3 iterations", err)
	}
	if runner.startCalls != 3 {
		t.Errorf("start calls = %d, want 3", runner.startCalls)
	}

	state, stateErr := p.GetState("agent-1")
	if stateErr != nil {
		t.Fatalf("GetState() error: %v", stateErr)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %q, want %q", state.Status, StatusFailed)
	}
	if state.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", state.Iterations)
	}
}

func TestInitialize_RepairGrowsSetup(t *testing.T) {
	runner := &stubRunner{startErr: errors.New("sh: 1: ffmpeg: not found")}
	p := testProvisioner(t, runner)
	repo := writeRepo(t, map[string]string{"package.json": `{"name":"x"}`})

	_, _ = p.Initialize(context.Background(), "agent-1", repo)

	// The last iteration's spec carries the repairs from the earlier ones.
	joined := strings.Join(runner.lastSpec.SetupCommands, "\n")
	if !strings.Contains(joined, "apt-get install -y ffmpeg") {
		t.Errorf("last setup commands missing repair:\n%s", joined)
	}
}

func TestInitialize_UnrepairableFailsFirstIteration(t *testing.T) {
	runner := &stubRunner{startErr: errors.New("kernel panic")}
	p := testProvisioner(t, runner)
	repo := writeRepo(t, map[string]string{"package.json": `{"name":"x"}`})

	_, err := p.Initialize(context.Background(), "agent-1", repo)
	if err == nil {
		t.Fatal("expected failure")
	}
	if runner.startCalls != 1 {
		t.Errorf("start calls = %d, want 1 (no repair rule matched)", runner.startCalls)
	}
}

func TestInitialize_MissingLocalRepo(t *testing.T) {
	p := testProvisioner(t, &stubRunner{})

	_, err := p.Initialize(context.Background(), "agent-1", filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing repository")
	}

	state, stateErr := p.GetState("agent-1")
	if stateErr != nil {
		t.Fatalf("GetState() error: %v", stateErr)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %q, want %q", state.Status, StatusFailed)
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	runner := &stubRunner{}
	p := testProvisioner(t, runner)

	// Never provisioned: no-op.
	if err := p.Destroy(context.Background(), "ghost"); err != nil {
		t.Fatalf("Destroy(unknown) error: %v", err)
	}

	// Craft a ready state by hand.
	state := &BridgeState{AgentID: "agent-1", Port: 7601, PID: 4242, Status: StatusReady}
	if err := SaveState(p.ws.AgentStatePath("agent-1"), state); err != nil {
		t.Fatal(err)
	}

	if err := p.Destroy(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if runner.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1", runner.stopCalls)
	}

	got, err := p.GetState("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusStopped {
		t.Errorf("status = %q, want %q", got.Status, StatusStopped)
	}

	// Second destroy is a no-op.
	if err := p.Destroy(context.Background(), "agent-1"); err != nil {
		t.Fatalf("second Destroy() error: %v", err)
	}
	if runner.stopCalls != 1 {
		t.Errorf("stop calls after second destroy = %d, want 1", runner.stopCalls)
	}
}

func TestPort(t *testing.T) {
	p := testProvisioner(t, &stubRunner{})

	if _, err := p.Port("ghost"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Port(unknown) error = %v, want ErrStateNotFound", err)
	}

	state := &BridgeState{AgentID: "agent-1", Port: 7601, Status: StatusBooting}
	if err := SaveState(p.ws.AgentStatePath("agent-1"), state); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Port("agent-1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Port(booting) error = %v, want ErrNotReady", err)
	}

	state.Status = StatusReady
	if err := SaveState(p.ws.AgentStatePath("agent-1"), state); err != nil {
		t.Fatal(err)
	}
	port, err := p.Port("agent-1")
	if err != nil {
		t.Fatalf("Port() error: %v", err)
	}
	if port != 7601 {
		t.Errorf("port = %d, want 7601", port)
	}
}

func TestList(t *testing.T) {
	p := testProvisioner(t, &stubRunner{})

	for _, id := range []string{"a1", "a2"} {
		if err := SaveState(p.ws.AgentStatePath(id), &BridgeState{AgentID: id, Status: StatusReady}); err != nil {
			t.Fatal(err)
		}
	}

	states, err := p.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("List() returned %d states, want 2", len(states))
	}
}

func TestAllocatePort_SkipsClaimedPorts(t *testing.T) {
	p := testProvisioner(t, &stubRunner{})
	base := p.cfg.Provisioner.PortBase()

	// A persisted running agent claims the base port even with no listener.
	if err := SaveState(p.ws.AgentStatePath("a1"), &BridgeState{AgentID: "a1", Port: base, Status: StatusReady}); err != nil {
		t.Fatal(err)
	}

	port, err := p.allocatePort()
	if err != nil {
		t.Fatalf("allocatePort() error: %v", err)
	}
	if port == base {
		t.Errorf("allocated port %d is already claimed", port)
	}
	if port < base || port >= base+portScanRange {
		t.Errorf("port %d outside range [%d, %d)", port, base, base+portScanRange)
	}
}

func TestIsRemoteRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"https://github.com/acme/app.git", true},
		{"git@github.com:acme/app.git", true},
		{"ssh://git@example.com/app.git", true},
		{"/home/user/projects/app", false},
		{"./app", false},
	}
	for _, tt := range tests {
		if got := isRemoteRef(tt.ref); got != tt.want {
			t.Errorf("isRemoteRef(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestTail(t *testing.T) {
	s := "a\nb\nc\nd\n"
	if got := tail(s, 2); got != "c\nd" {
		t.Errorf("tail() = %q, want %q", got, "c\nd")
	}
	if got := tail("a\nb", 5); got != "a\nb" {
		t.Errorf("tail() short input = %q, want unchanged", got)
	}
}

// Verify the analyzer's requirements flow into the spec on the first iteration.
func TestInitialize_SpecCarriesRequirements(t *testing.T) {
	runner := &stubRunner{startErr: errors.New("kernel panic")}
	p := testProvisioner(t, runner)
	repo := writeRepo(t, map[string]string{"package.json": `{"name":"x"}`})

	_, _ = p.Initialize(context.Background(), "agent-1", repo)

	spec := runner.lastSpec
	if spec.Name != "ngome-agent-1" {
		t.Errorf("spec name = %q, want %q", spec.Name, "ngome-agent-1")
	}
	joined := strings.Join(spec.SetupCommands, "\n")
	if !strings.Contains(joined, "npm install") {
		t.Errorf("setup commands missing npm install:\n%s", joined)
	}
	var foundWorkspace bool
	for _, m := range spec.Mounts {
		if m.Target == "/workspace" && m.Source == repo {
			foundWorkspace = true
		}
	}
	if !foundWorkspace {
		t.Errorf("mounts %v missing workspace mount of %s", spec.Mounts, repo)
	}
}
