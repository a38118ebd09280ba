package provisioner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is a provisioning lifecycle phase.
type Status string

const (
	StatusAnalyzing      Status = "analyzing"
	StatusBuilding       Status = "building"
	StatusBooting        Status = "booting"
	StatusHealthChecking Status = "health_checking"
	StatusRepairing      Status = "repairing"
	StatusReady          Status = "ready"
	StatusFailed         Status = "failed"
	StatusStopped        Status = "stopped"
)

// ErrStateNotFound reports that no persisted state exists for an agent.
var ErrStateNotFound = fmt.Errorf("bridge state not found")

// ErrNotReady reports that an agent exists but has not reached Ready.
var ErrNotReady = fmt.Errorf("agent is not ready")

// BridgeState is the persisted record of one provisioned sandbox. It is the
// source of truth for reconnecting to a bridge across host process restarts.
type BridgeState struct {
	AgentID         string    `json:"agent_id"`
	Repository      string    `json:"repository"`
	Port            int       `json:"port"` // Host port the bridge is published on.
	PID             int       `json:"pid,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
	Backend         string    `json:"backend"` // "docker" or "process".
	Status          Status    `json:"status"`
	Iterations      int       `json:"iterations"` // Iterations consumed by the last provisioning run.
	CreatedAt       time.Time `json:"created_at"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}

// SaveState persists state as JSON, atomically via rename so a concurrent
// reader never observes a partial file.
func SaveState(path string, state *BridgeState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bridge state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing bridge state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing bridge state: %w", err)
	}
	return nil
}

// LoadState reads persisted state. Returns ErrStateNotFound when the agent
// has never been provisioned (or its state was removed).
func LoadState(path string) (*BridgeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return nil, fmt.Errorf("reading bridge state: %w", err)
	}

	var state BridgeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding bridge state %s: %w", path, err)
	}
	return &state, nil
}
