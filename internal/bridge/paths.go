package bridge

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ErrAccessDenied is returned for any path that resolves outside the
// allowlist. It is deliberately distinct from not-found errors so callers
// can tell a policy rejection from a missing file.
var ErrAccessDenied = fmt.Errorf("access denied")

// PathGuard validates every filesystem path before I/O. Relative paths
// resolve against the workspace root.
//
// Security: each path is resolved to its absolute, symlink-free form and
// checked against the allowlist before any operation. This prevents:
//   - Path traversal via ../ sequences
//   - Symlink-based escapes (symlink pointing outside allowed dirs)
//   - Relative path tricks
type PathGuard struct {
	workspace string
	allowed   []string
}

// NewPathGuard creates a guard rooted at workspace with the given
// allowed prefixes. The workspace itself is always allowed.
func NewPathGuard(workspace string, allowed []string) *PathGuard {
	prefixes := make([]string, 0, len(allowed)+1)
	prefixes = append(prefixes, workspace)
	for _, p := range allowed {
		if p != workspace {
			prefixes = append(prefixes, p)
		}
	}
	return &PathGuard{workspace: workspace, allowed: prefixes}
}

// Workspace returns the guard's root directory.
func (g *PathGuard) Workspace() string { return g.workspace }

// Resolve returns the absolute, symlink-free form of raw, or
// ErrAccessDenied if it falls outside the allowed prefixes.
func (g *PathGuard) Resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.workspace, abs)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks to get the real filesystem path. If the path does
	// not exist yet (write case), resolve the parent instead.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parentResolved, parentErr := filepath.EvalSymlinks(filepath.Dir(abs))
		if parentErr != nil {
			return "", fmt.Errorf("path does not exist and parent is invalid: %w", err)
		}
		resolved = filepath.Join(parentResolved, filepath.Base(abs))
	}

	for _, prefix := range g.allowed {
		absPrefix, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		// Directory-safe prefix match: "/opt" matches "/opt/x" but not "/optx".
		if resolved == absPrefix || strings.HasPrefix(resolved, absPrefix+string(filepath.Separator)) {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("%w: path %q resolves to %q which is outside allowed directories",
		ErrAccessDenied, raw, resolved)
}
