package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// DotenvProvider resolves credential references from a dotenv-format file.
// Reference format: "file:///path/to/secrets.env#VARIABLE_NAME".
// The file is parsed once on first use and cached; call Reload to pick up
// edits.
type DotenvProvider struct {
	path string

	mu     sync.RWMutex
	values map[string]string
	loaded bool
}

// NewDotenvProvider creates a dotenv file-based secret provider. The file
// does not need to exist until the first Resolve call.
func NewDotenvProvider(path string) *DotenvProvider {
	return &DotenvProvider{path: path}
}

func (p *DotenvProvider) Name() string { return "dotenv" }

func (p *DotenvProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	const prefix = "file://"
	if !strings.HasPrefix(credentialRef, prefix) {
		return nil, fmt.Errorf("%w: dotenv provider only handles file:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	rest := strings.TrimPrefix(credentialRef, prefix)
	path, key, ok := strings.Cut(rest, "#")
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: reference %q is missing a #VARIABLE_NAME selector",
			ErrSecretNotFound, credentialRef)
	}
	if path != "" && path != p.path {
		return nil, fmt.Errorf("%w: provider is bound to %s, reference names %s",
			ErrSecretNotFound, p.path, path)
	}

	values, err := p.load()
	if err != nil {
		return nil, err
	}
	value, found := values[key]
	if !found || value == "" {
		return nil, fmt.Errorf("%w: variable %q is not set in %s", ErrSecretNotFound, key, p.path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "dotenv", "file": p.path, "variable": key},
	}, nil
}

// Reload drops the cached file contents; the next Resolve re-reads the file.
func (p *DotenvProvider) Reload() {
	p.mu.Lock()
	p.loaded = false
	p.values = nil
	p.mu.Unlock()
}

func (p *DotenvProvider) load() (map[string]string, error) {
	p.mu.RLock()
	if p.loaded {
		values := p.values
		p.mu.RUnlock()
		return values, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.values, nil
	}
	if _, err := os.Stat(p.path); err != nil {
		return nil, fmt.Errorf("%w: secrets file %s: %v", ErrSecretNotFound, p.path, err)
	}
	values, err := godotenv.Read(p.path)
	if err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", p.path, err)
	}
	p.values = values
	p.loaded = true
	return values, nil
}
