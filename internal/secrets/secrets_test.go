package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("NGOME_TEST_TOKEN", "s3cret")

	p := NewEnvProvider()
	secret, err := p.Resolve(context.Background(), "env://NGOME_TEST_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "s3cret" {
		t.Errorf("Value = %q, want %q", secret.Value, "s3cret")
	}

	if _, err := p.Resolve(context.Background(), "env://NGOME_TEST_MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing var: err = %v, want ErrSecretNotFound", err)
	}
	if _, err := p.Resolve(context.Background(), "vault://x"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("foreign scheme: err = %v, want ErrSecretNotFound", err)
	}
}

func TestDotenvProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("GITHUB_TOKEN=ghp_abc123\nEMPTY=\n"), 0600); err != nil {
		t.Fatal(err)
	}

	p := NewDotenvProvider(path)
	secret, err := p.Resolve(context.Background(), "file://"+path+"#GITHUB_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "ghp_abc123" {
		t.Errorf("Value = %q, want %q", secret.Value, "ghp_abc123")
	}

	// A bare fragment reference resolves against the bound file.
	if _, err := p.Resolve(context.Background(), "file://#GITHUB_TOKEN"); err != nil {
		t.Errorf("bare fragment: %v", err)
	}

	tests := []struct {
		name, ref string
	}{
		{"missing variable", "file://" + path + "#NOPE"},
		{"empty value", "file://" + path + "#EMPTY"},
		{"no selector", "file://" + path},
		{"foreign scheme", "env://GITHUB_TOKEN"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.Resolve(context.Background(), tc.ref); !errors.Is(err, ErrSecretNotFound) {
				t.Errorf("err = %v, want ErrSecretNotFound", err)
			}
		})
	}
}

func TestDotenvProviderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("KEY=one\n"), 0600); err != nil {
		t.Fatal(err)
	}

	p := NewDotenvProvider(path)
	first, err := p.Resolve(context.Background(), "file://#KEY")
	if err != nil {
		t.Fatal(err)
	}
	if first.Value != "one" {
		t.Errorf("Value = %q, want one", first.Value)
	}

	if err := os.WriteFile(path, []byte("KEY=two\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// Cached until Reload.
	cached, err := p.Resolve(context.Background(), "file://#KEY")
	if err != nil {
		t.Fatal(err)
	}
	if cached.Value != "one" {
		t.Errorf("cached Value = %q, want one", cached.Value)
	}

	p.Reload()
	fresh, err := p.Resolve(context.Background(), "file://#KEY")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Value != "two" {
		t.Errorf("reloaded Value = %q, want two", fresh.Value)
	}
}

func TestCompositeProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte("FILE_ONLY=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_ONLY", "from-env")

	p := NewCompositeProvider(NewEnvProvider(), NewDotenvProvider(path))

	envSecret, err := p.Resolve(context.Background(), "env://ENV_ONLY")
	if err != nil {
		t.Fatalf("env ref: %v", err)
	}
	if envSecret.Value != "from-env" {
		t.Errorf("Value = %q, want from-env", envSecret.Value)
	}

	fileSecret, err := p.Resolve(context.Background(), "file://#FILE_ONLY")
	if err != nil {
		t.Fatalf("file ref: %v", err)
	}
	if fileSecret.Value != "from-file" {
		t.Errorf("Value = %q, want from-file", fileSecret.Value)
	}

	if _, err := p.Resolve(context.Background(), "env://NOWHERE"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unresolvable ref: err = %v, want ErrSecretNotFound", err)
	}
}
