package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxFileSize = 10 << 20 // 10 MB

// FSOps implements the bridge's filesystem tools. Every path goes through
// the guard before I/O.
type FSOps struct {
	guard   *PathGuard
	maxSize int64
	logger  *slog.Logger
}

// NewFSOps creates filesystem operations restricted to guarded paths.
func NewFSOps(guard *PathGuard, maxSize int64, logger *slog.Logger) *FSOps {
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	return &FSOps{guard: guard, maxSize: maxSize, logger: logger}
}

// Read returns the contents of one file.
func (f *FSOps) Read(ctx context.Context, path string) (string, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", resolved, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory, use fs_list", resolved)
	}
	if info.Size() > f.maxSize {
		return "", fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), f.maxSize)
	}

	f.logger.InfoContext(ctx, "fs_read executing", slog.String("path", resolved))
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", resolved, err)
	}
	return string(data), nil
}

// Write replaces the contents of one file, creating parent directories.
func (f *FSOps) Write(ctx context.Context, path, content string) (string, error) {
	if int64(len(content)) > f.maxSize {
		return "", fmt.Errorf("content size %d exceeds limit %d bytes", len(content), f.maxSize)
	}
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", err
	}

	f.logger.InfoContext(ctx, "fs_write executing",
		slog.String("path", resolved),
		slog.Int("content_size", len(content)),
	)
	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return "", fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), fs.FileMode(0640)); err != nil {
		return "", fmt.Errorf("writing %s: %w", resolved, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), resolved), nil
}

// List returns a directory listing, one entry per line.
func (f *FSOps) List(ctx context.Context, path string) (string, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", err
	}

	f.logger.InfoContext(ctx, "fs_list executing", slog.String("path", resolved))
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", resolved, err)
	}

	var b strings.Builder
	for _, e := range entries {
		info, _ := e.Info()
		mode := "-"
		size := int64(0)
		if info != nil {
			mode = info.Mode().String()
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s %8d %s\n", mode, size, e.Name())
	}
	return b.String(), nil
}

// Exists reports whether a guarded path exists. A path outside the
// allowlist is an error, not a "false".
func (f *FSOps) Exists(_ context.Context, path string) (bool, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", resolved, err)
	}
	return true, nil
}

// Stat returns file metadata as a JSON object.
func (f *FSOps) Stat(_ context.Context, path string) (string, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", resolved, err)
	}

	payload := map[string]any{
		"path":     resolved,
		"name":     info.Name(),
		"size":     info.Size(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		"is_dir":   info.IsDir(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding stat result: %w", err)
	}
	return string(data), nil
}
