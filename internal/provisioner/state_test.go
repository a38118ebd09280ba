package provisioner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents", "a1", "state.json")

	state := &BridgeState{
		AgentID:    "a1",
		Repository: "https://github.com/acme/app.git",
		Port:       7601,
		PID:        4242,
		Backend:    "process",
		Status:     StatusReady,
		Iterations: 2,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := SaveState(path, state); err != nil {
		t.Fatalf("SaveState() error: %v", err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState() error: %v", err)
	}
	if got.AgentID != state.AgentID || got.Port != state.Port || got.Status != state.Status {
		t.Errorf("LoadState() = %+v, want %+v", got, state)
	}
	if !got.CreatedAt.Equal(state.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, state.CreatedAt)
	}
}

func TestLoadState_NotFound(t *testing.T) {
	_, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("error = %v, want ErrStateNotFound", err)
	}
}

func TestLoadState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0640); err != nil {
		t.Fatal(err)
	}
	_, err := LoadState(path)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if errors.Is(err, ErrStateNotFound) {
		t.Error("corrupt state must not read as not-found")
	}
}

func TestSaveState_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := SaveState(path, &BridgeState{AgentID: "a1", Status: StatusBooting}); err != nil {
		t.Fatal(err)
	}
	if err := SaveState(path, &BridgeState{AgentID: "a1", Status: StatusReady}); err != nil {
		t.Fatal(err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReady {
		t.Errorf("status = %q, want %q", got.Status, StatusReady)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("state dir has %d entries, want 1", len(entries))
	}
}
