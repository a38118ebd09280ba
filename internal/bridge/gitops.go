package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 2 * time.Minute

// GitOps wraps the git CLI for the bridge's repository tools. All
// repository paths go through the path guard; interactive credential
// prompts are disabled so a missing token fails fast instead of hanging.
type GitOps struct {
	guard  *PathGuard
	logger *slog.Logger
}

// NewGitOps creates git operations restricted to guarded paths.
func NewGitOps(guard *PathGuard, logger *slog.Logger) *GitOps {
	return &GitOps{guard: guard, logger: logger}
}

// Clone performs a shallow clone of repoURL into dest. An HTTPS URL is
// rewritten to carry the access token from GIT_TOKEN or GITHUB_TOKEN when
// one is present in the sandbox environment.
func (g *GitOps) Clone(ctx context.Context, repoURL, dest, branch string) (string, error) {
	resolved, err := g.guard.Resolve(dest)
	if err != nil {
		return "", err
	}

	cloneURL, err := injectToken(repoURL)
	if err != nil {
		return "", err
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, resolved)

	g.logger.InfoContext(ctx, "git_clone executing",
		slog.String("url", redactURL(repoURL)),
		slog.String("dest", resolved),
		slog.String("branch", branch),
	)
	out, err := g.run(ctx, "", args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Status returns porcelain status plus the current branch.
func (g *GitOps) Status(ctx context.Context, repoPath string) (string, error) {
	resolved, err := g.guard.Resolve(repoPath)
	if err != nil {
		return "", err
	}

	branch, err := g.run(ctx, resolved, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	status, err := g.run(ctx, resolved, "status", "--porcelain")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "branch: %s\n", strings.TrimSpace(branch))
	if strings.TrimSpace(status) == "" {
		b.WriteString("clean\n")
	} else {
		b.WriteString(status)
	}
	return b.String(), nil
}

// Commit stages everything and commits with message. Committing with
// nothing staged is reported as an error by git and passed through.
func (g *GitOps) Commit(ctx context.Context, repoPath, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("commit message must not be empty")
	}
	resolved, err := g.guard.Resolve(repoPath)
	if err != nil {
		return "", err
	}

	if _, err := g.run(ctx, resolved, "add", "-A"); err != nil {
		return "", err
	}

	g.logger.InfoContext(ctx, "git_commit executing", slog.String("repo", resolved))
	return g.run(ctx, resolved,
		"-c", "user.name=ngome-bridge",
		"-c", "user.email=bridge@ngome.local",
		"commit", "-m", message)
}

// Push pushes the current branch to the given remote. Empty remote
// defaults to origin.
func (g *GitOps) Push(ctx context.Context, repoPath, remote, branch string) (string, error) {
	resolved, err := g.guard.Resolve(repoPath)
	if err != nil {
		return "", err
	}
	if remote == "" {
		remote = "origin"
	}

	args := []string{"push", remote}
	if branch != "" {
		args = append(args, branch)
	}

	g.logger.InfoContext(ctx, "git_push executing",
		slog.String("repo", resolved),
		slog.String("remote", remote),
		slog.String("branch", branch),
	)
	return g.run(ctx, resolved, args...)
}

// run executes one git command with prompts disabled.
func (g *GitOps) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s timed out after %s", args[0], gitTimeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, redactOutput(strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// injectToken rewrites an https URL to carry the sandbox's access token.
// Non-https URLs and tokenless environments pass through unchanged.
func injectToken(repoURL string) (string, error) {
	token := os.Getenv("GIT_TOKEN")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parsing repository url: %w", err)
	}
	if u.User == nil {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

// redactURL strips userinfo from a URL before logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// redactOutput masks token-bearing URLs that git echoes back in errors.
func redactOutput(out string) string {
	for _, env := range []string{"GIT_TOKEN", "GITHUB_TOKEN"} {
		if v := os.Getenv(env); v != "" {
			out = strings.ReplaceAll(out, v, "***")
		}
	}
	return out
}
