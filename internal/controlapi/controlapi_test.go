package controlapi

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/provisioner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeyMatches(t *testing.T) {
	s := &Server{cfg: &config.APIConfig{APIKey: "secret-key"}, logger: discardLogger()}

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", "Bearer secret-key", true},
		{"wrong key", "Bearer other-key", false},
		{"missing prefix", "secret-key", false},
		{"empty", "", false},
		{"basic scheme", "Basic secret-key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.keyMatches(tt.header); got != tt.want {
				t.Errorf("keyMatches(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestToAgentResponse(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	checked := created.Add(5 * time.Minute)

	state := &provisioner.BridgeState{
		AgentID:         "agent-1",
		Repository:      "https://github.com/example/app.git",
		Port:            9100,
		Backend:         "docker",
		Status:          provisioner.StatusReady,
		Iterations:      2,
		CreatedAt:       created,
		LastHealthCheck: checked,
	}

	resp := toAgentResponse(state)
	if resp.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want %q", resp.AgentID, "agent-1")
	}
	if resp.Status != "ready" {
		t.Errorf("Status = %q, want %q", resp.Status, "ready")
	}
	if resp.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", resp.Iterations)
	}
	if resp.CreatedAt != "2026-03-01T10:00:00Z" {
		t.Errorf("CreatedAt = %q, want %q", resp.CreatedAt, "2026-03-01T10:00:00Z")
	}
	if resp.LastHealthCheck != "2026-03-01T10:05:00Z" {
		t.Errorf("LastHealthCheck = %q, want %q", resp.LastHealthCheck, "2026-03-01T10:05:00Z")
	}
}

func TestToAgentResponse_ZeroHealthCheckOmitted(t *testing.T) {
	state := &provisioner.BridgeState{
		AgentID:   "agent-2",
		Status:    provisioner.StatusAnalyzing,
		CreatedAt: time.Now().UTC(),
	}
	resp := toAgentResponse(state)
	if resp.LastHealthCheck != "" {
		t.Errorf("LastHealthCheck = %q, want empty", resp.LastHealthCheck)
	}
}

func TestLogDelta(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		current  string
		want     string
	}{
		{"first poll sends everything", "", "line1\nline2\n", "line1\nline2\n"},
		{"unchanged sends nothing", "line1\n", "line1\n", ""},
		{"appended lines only", "line1\n", "line1\nline2\n", "line2\n"},
		{"window rolled past previous", "old tail\n", "completely new\n", "completely new\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logDelta(tt.previous, tt.current); got != tt.want {
				t.Errorf("logDelta(%q, %q) = %q, want %q", tt.previous, tt.current, got, tt.want)
			}
		})
	}
}
