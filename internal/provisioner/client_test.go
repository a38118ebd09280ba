package provisioner

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/bridge"
)

// startTestBridge runs a real bridge server on a free loopback port with the
// test's temp dir as its workspace, and returns a connected client.
func startTestBridge(t *testing.T) (*BridgeClient, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	workspace := t.TempDir()
	srv := bridge.NewServer(bridge.Options{
		Workspace: workspace,
		Port:      port,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	client, err := NewBridgeClient(port, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewBridgeClient() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// The server needs a moment to bind.
	deadline := time.Now().Add(3 * time.Second)
	for {
		connectCtx, connectCancel := context.WithTimeout(ctx, time.Second)
		err = client.Connect(connectCtx)
		connectCancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bridge never came up: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return client, workspace
}

func TestBridgeClient_Health(t *testing.T) {
	client, workspace := startTestBridge(t)

	info, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if info.Status != "ok" {
		t.Errorf("status = %q, want %q", info.Status, "ok")
	}
	if info.Workspace != workspace {
		t.Errorf("workspace = %q, want %q", info.Workspace, workspace)
	}
}

func TestBridgeClient_FileRoundTrip(t *testing.T) {
	client, _ := startTestBridge(t)
	ctx := context.Background()

	if err := client.WriteFile(ctx, "notes/plan.md", "iterate until healthy\n"); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	content, err := client.ReadFile(ctx, "notes/plan.md")
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if content != "iterate until healthy\n" {
		t.Errorf("ReadFile() = %q", content)
	}

	exists, err := client.FileExists(ctx, "notes/plan.md")
	if err != nil {
		t.Fatalf("FileExists() error: %v", err)
	}
	if !exists {
		t.Error("FileExists() = false, want true")
	}

	exists, err = client.FileExists(ctx, "notes/missing.md")
	if err != nil {
		t.Fatalf("FileExists(missing) error: %v", err)
	}
	if exists {
		t.Error("FileExists(missing) = true, want false")
	}

	info, err := client.Stat(ctx, "notes/plan.md")
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Name != "plan.md" || info.IsDir {
		t.Errorf("Stat() = %+v", info)
	}

	listing, err := client.ListDir(ctx, "notes")
	if err != nil {
		t.Fatalf("ListDir() error: %v", err)
	}
	if !strings.Contains(listing, "plan.md") {
		t.Errorf("ListDir() = %q, want plan.md entry", listing)
	}
}

func TestBridgeClient_Exec(t *testing.T) {
	client, _ := startTestBridge(t)

	result, err := client.Exec(context.Background(), "echo hello", "", 0)
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if !strings.Contains(result.Output, "hello") {
		t.Errorf("output = %q, want hello", result.Output)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
}

func TestBridgeClient_ToolErrorSurfacesAsError(t *testing.T) {
	client, _ := startTestBridge(t)

	_, err := client.ReadFile(context.Background(), "/etc/passwd")
	if err == nil {
		t.Fatal("expected access-denied error")
	}
	if !strings.Contains(err.Error(), "fs_read") {
		t.Errorf("error = %q, want tool name in message", err)
	}
}

func TestBridgeClient_Logs(t *testing.T) {
	client, _ := startTestBridge(t)
	ctx := context.Background()

	// Generate some log traffic first.
	if _, err := client.Exec(ctx, "true", "", 0); err != nil {
		t.Fatalf("Exec() error: %v", err)
	}

	out, err := client.Logs(ctx, 50)
	if err != nil {
		t.Fatalf("Logs() error: %v", err)
	}
	if out == "" {
		t.Error("Logs() returned no output")
	}
}
