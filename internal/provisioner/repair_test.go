package provisioner

import (
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/patterns"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		req         *analyzer.ProjectRequirements
		wantSignal  string
		wantCommand string // Substring of the first repair command; empty means no commands.
	}{
		{
			name:        "python missing module",
			output:      "Traceback (most recent call last):\nModuleNotFoundError: No module named 'requests'",
			wantSignal:  "python_missing_module",
			wantCommand: "pip install requests",
		},
		{
			name:        "python missing submodule installs root package",
			output:      "ModuleNotFoundError: No module named 'yaml.parser'",
			wantSignal:  "python_missing_module",
			wantCommand: "pip install yaml",
		},
		{
			name:        "node missing module",
			output:      "Error: Cannot find module 'express'",
			wantSignal:  "node_missing_module",
			wantCommand: "npm install",
		},
		{
			name:        "node missing module pnpm project",
			output:      "Error: Cannot find module 'express'",
			req:         &analyzer.ProjectRequirements{ProjectType: patterns.TypePNPM},
			wantSignal:  "node_missing_module",
			wantCommand: "pnpm install",
		},
		{
			name:       "go missing module",
			output:     "main.go:5:2: no required module provides package example.com/pkg",
			wantSignal: "go_missing_module",
		},
		{
			name:        "command not found",
			output:      "sh: 1: ffmpeg: not found",
			wantSignal:  "command_not_found",
			wantCommand: "apt-get install -y ffmpeg",
		},
		{
			name:       "transient network failure retries unchanged",
			output:     "npm ERR! network request failed, reason: ETIMEDOUT",
			wantSignal: "network_transient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := diagnose(tt.output, tt.req)
			if r == nil {
				t.Fatal("diagnose() = nil, want a repair")
			}
			if r.Signal != tt.wantSignal {
				t.Errorf("signal = %q, want %q", r.Signal, tt.wantSignal)
			}
			if tt.wantCommand == "" {
				return
			}
			if len(r.Commands) == 0 || !strings.Contains(r.Commands[0], tt.wantCommand) {
				t.Errorf("commands = %v, want one containing %q", r.Commands, tt.wantCommand)
			}
		})
	}
}

func TestDiagnose_NoMatch(t *testing.T) {
	if r := diagnose("segmentation fault (core dumped)", nil); r != nil {
		t.Errorf("diagnose() = %+v, want nil for unrecognized output", r)
	}
}

func TestDiagnose_RelativeNodeModuleNotRepairable(t *testing.T) {
	// A relative specifier means a project file is missing, which no
	// install command can fix.
	if r := diagnose("Error: Cannot find module './lib/setup'", nil); r != nil {
		t.Errorf("diagnose() = %+v, want nil for relative specifier", r)
	}
}

func TestDiagnose_TransientHasNoCommands(t *testing.T) {
	r := diagnose("fatal: Could not resolve host github.com", nil)
	if r == nil {
		t.Fatal("expected a repair")
	}
	if len(r.Commands) != 0 {
		t.Errorf("commands = %v, want none for transient failures", r.Commands)
	}
}
