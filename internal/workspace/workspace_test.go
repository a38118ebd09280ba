package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"AgentsDir", ws.AgentsDir, "agents"},
		{"ReposDir", ws.ReposDir, "repos"},
		{"CachesDir", ws.CachesDir, "caches"},
		{"SecretsDir", ws.SecretsDir, "secrets"},
		{"LogsDir", ws.LogsDir, "logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestSecretsDirPermissions(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.SecretsDir()
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0700 {
		t.Errorf("secrets dir permissions = %o, want 0700", perm)
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := ws.AuditDBPath(), filepath.Join(ws.Root, "audit.db"); got != want {
		t.Errorf("AuditDBPath() = %q, want %q", got, want)
	}
}

func TestAgentPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	agentDir := ws.AgentDir("agent-1")
	expected := filepath.Join(ws.Root, "agents", "agent-1")
	if agentDir != expected {
		t.Errorf("AgentDir = %q, want %q", agentDir, expected)
	}
	if _, err := os.Stat(agentDir); err != nil {
		t.Errorf("agent dir not created: %v", err)
	}

	statePath := ws.AgentStatePath("agent-1")
	if statePath != filepath.Join(expected, "state.json") {
		t.Errorf("AgentStatePath = %q", statePath)
	}
	logPath := ws.AgentLogPath("agent-1")
	if logPath != filepath.Join(expected, "sandbox.log") {
		t.Errorf("AgentLogPath = %q", logPath)
	}
}

func TestCacheVolumeDir(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.CacheVolumeDir("npm-cache")
	expected := filepath.Join(ws.Root, "caches", "npm-cache")
	if dir != expected {
		t.Errorf("CacheVolumeDir = %q, want %q", dir, expected)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("cache volume dir not created: %v", err)
	}
}

func TestRemoveAgent(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	agentDir := ws.AgentDir("agent-gone")
	os.WriteFile(ws.AgentStatePath("agent-gone"), []byte("{}"), 0640)

	if err := ws.RemoveAgent("agent-gone"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if _, err := os.Stat(agentDir); !os.IsNotExist(err) {
		t.Errorf("agent dir still exists after RemoveAgent")
	}

	// Removing again is a no-op.
	if err := ws.RemoveAgent("agent-gone"); err != nil {
		t.Fatalf("RemoveAgent (second): %v", err)
	}

	// The dir can be re-created after removal.
	recreated := ws.AgentDir("agent-gone")
	if _, err := os.Stat(recreated); err != nil {
		t.Errorf("agent dir not re-created: %v", err)
	}
}

func TestCleanRepos(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	// Create some checkout entries.
	reposDir := ws.ReposDir()
	os.MkdirAll(filepath.Join(reposDir, "repo-1"), 0750)
	os.MkdirAll(filepath.Join(reposDir, "repo-2"), 0750)
	os.WriteFile(filepath.Join(reposDir, "repo-1", "README.md"), []byte("hello"), 0644)

	if err := ws.CleanRepos(); err != nil {
		t.Fatalf("CleanRepos: %v", err)
	}

	entries, _ := os.ReadDir(reposDir)
	if len(entries) != 0 {
		t.Errorf("repos dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanReposNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	// Don't create repos dir — CleanRepos should be a no-op.
	os.RemoveAll(filepath.Join(ws.Root, "repos"))
	if err := ws.CleanRepos(); err != nil {
		t.Fatalf("CleanRepos on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"agents", "repos", "caches", "secrets", "logs"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
