// Package workspace manages the Ngome runtime directory structure.
// All runtime state (agent state files, repository checkouts, cache
// volumes, audit database, logs) is consolidated under a single
// workspace root, making Ngome portable.
//
// Default workspace: ~/.ngome/workspace (configurable via config or NGOME_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".ngome/workspace"

// Workspace manages all Ngome runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.ngome/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// AgentsDir returns <root>/agents/. Stores per-agent runtime state.
func (w *Workspace) AgentsDir() string {
	return w.dir("agents")
}

// ReposDir returns <root>/repos/. Holds local repository checkouts that
// get mounted into sandboxes as /workspace.
func (w *Workspace) ReposDir() string {
	return w.dir("repos")
}

// CachesDir returns <root>/caches/. Named cache volumes shared across
// sandbox rebuilds (package manager caches, apt archives).
func (w *Workspace) CachesDir() string {
	return w.dir("caches")
}

// SecretsDir returns <root>/secrets/ with 0700 permissions.
func (w *Workspace) SecretsDir() string {
	return w.restrictedDir("secrets")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// AuditDBPath returns <root>/audit.db, the default sqlite location for
// provisioning attempt records.
func (w *Workspace) AuditDBPath() string {
	return filepath.Join(w.Root, "audit.db")
}

// --- Agent-scoped paths ---

// AgentDir returns <root>/agents/<agentID>/.
func (w *Workspace) AgentDir(agentID string) string {
	p := filepath.Join(w.AgentsDir(), sanitizeName(agentID))
	_ = w.ensureDir(p, 0750)
	return p
}

// AgentStatePath returns <root>/agents/<agentID>/state.json.
func (w *Workspace) AgentStatePath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "state.json")
}

// AgentLogPath returns <root>/agents/<agentID>/sandbox.log.
func (w *Workspace) AgentLogPath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "sandbox.log")
}

// --- Cache-volume paths ---

// CacheVolumeDir returns <root>/caches/<name>/, the host side of a
// named cache mount.
func (w *Workspace) CacheVolumeDir(name string) string {
	p := filepath.Join(w.CachesDir(), sanitizeName(name))
	_ = w.ensureDir(p, 0750)
	return p
}

// --- Cleanup ---

// RemoveAgent deletes all runtime state for one agent. Safe to call
// when the agent directory does not exist.
func (w *Workspace) RemoveAgent(agentID string) error {
	dir := filepath.Join(w.Root, "agents", sanitizeName(agentID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing agent dir %s: %w", agentID, err)
	}
	w.mu.Lock()
	delete(w.created, dir)
	w.mu.Unlock()
	return nil
}

// CleanRepos removes all contents of the repos directory.
func (w *Workspace) CleanRepos() error {
	dir := filepath.Join(w.Root, "repos")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading repos dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing repos entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	// Regular directories (0750).
	dirs := []string{
		w.AgentsDir(),
		w.ReposDir(),
		w.CachesDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	// Restricted directories (0700).
	_ = w.SecretsDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
