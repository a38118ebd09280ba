// Package skills detects third-party plugin references in project scripts
// and resolves them to installable sources. Resolution is total: every
// input yields a SkillRepo, never an error.
package skills

import (
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/jkaninda/ngome/internal/patterns"
)

// SkillRepo is a resolved third-party plugin dependency.
type SkillRepo struct {
	Name           string   `json:"name"`
	SourceLocation string   `json:"sourceLocation"`
	SandboxPath    string   `json:"sandboxPath"`
	AptPackages    []string `json:"aptPackages,omitempty"`
}

// DetectResult aggregates everything plugin detection found in a set of
// scripts, ready to be folded into the analyzer's accumulators.
type DetectResult struct {
	Skills      []SkillRepo
	AptPackages []string
	EnvVars     []string
}

// cachePathPattern matches plugin invocations through the plugin cache
// directory, in both the literal home-relative form (~/.claude/...) and
// the expanded forms (/home/<user>/..., /root/...). Capture groups:
// marketplace, plugin name, optional version, invoked binary.
var cachePathPattern = regexp.MustCompile(
	`(?:~|/home/[A-Za-z0-9._-]+|/root)/\.claude/plugins/cache/` +
		`([A-Za-z0-9._-]+)/([A-Za-z0-9._-]+)(/v?[0-9][A-Za-z0-9.-]*)?/(?:bin/)?([A-Za-z0-9._-]+)`)

// fullURLPrefixes mark source references that are passed through unchanged.
var fullURLPrefixes = []string{"http://", "https://", "git@", "ssh://"}

// Resolver turns detected plugin references into SkillRepo values.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Detect scans script texts for plugin cache invocations. Two references
// to the same plugin name (home-relative vs expanded path) collapse into
// a single SkillRepo.
func (r *Resolver) Detect(scripts []string) DetectResult {
	var result DetectResult
	seen := make(map[string]bool)

	for _, script := range scripts {
		for _, m := range cachePathPattern.FindAllStringSubmatch(script, -1) {
			marketplace, name := m[1], m[2]
			if seen[name] {
				continue
			}
			seen[name] = true

			repo := r.resolveDetected(marketplace, name)
			result.Skills = append(result.Skills, repo)
			result.AptPackages = append(result.AptPackages, repo.AptPackages...)
			if spec, ok := patterns.KnownSkills[name]; ok {
				result.EnvVars = append(result.EnvVars, spec.EnvVars...)
			}

			r.logger.Debug("skill reference detected",
				slog.String("marketplace", marketplace),
				slog.String("skill", name),
				slog.String("source", repo.SourceLocation),
			)
		}
	}
	return result
}

// resolveDetected maps a marketplace/name pair from a cache path to a
// SkillRepo, preferring the known-skill table.
func (r *Resolver) resolveDetected(marketplace, name string) SkillRepo {
	if spec, ok := patterns.KnownSkills[name]; ok {
		return SkillRepo{
			Name:           name,
			SourceLocation: NormalizeSource(spec.SourceLocation),
			SandboxPath:    sandboxPath(name),
			AptPackages:    spec.AptPackages,
		}
	}
	return SkillRepo{
		Name:           name,
		SourceLocation: NormalizeSource(marketplace + "/" + name),
		SandboxPath:    sandboxPath(name),
	}
}

// Resolve maps any name or source reference to a SkillRepo. It is a pure,
// total function: known names hit the built-in table, "owner/name" pairs
// expand to a full URL, and full URLs or SSH remotes pass through unchanged.
func (r *Resolver) Resolve(nameOrRef string) SkillRepo {
	ref := strings.TrimSpace(nameOrRef)

	if spec, ok := patterns.KnownSkills[ref]; ok {
		return SkillRepo{
			Name:           ref,
			SourceLocation: NormalizeSource(spec.SourceLocation),
			SandboxPath:    sandboxPath(ref),
			AptPackages:    spec.AptPackages,
		}
	}

	name := lastSegment(ref)
	return SkillRepo{
		Name:           name,
		SourceLocation: NormalizeSource(ref),
		SandboxPath:    sandboxPath(name),
	}
}

// NormalizeSource canonicalizes a source reference. Bare "owner/name"
// pairs expand to a full https URL; anything that already looks like a
// URL or SSH remote is returned unchanged. Normalization is idempotent.
func NormalizeSource(ref string) string {
	for _, p := range fullURLPrefixes {
		if strings.HasPrefix(ref, p) {
			return ref
		}
	}
	return "https://github.com/" + ref
}

// lastSegment returns the final path segment of a reference, with any
// .git suffix stripped.
func lastSegment(ref string) string {
	ref = strings.TrimSuffix(ref, "/")
	ref = strings.TrimSuffix(ref, ".git")
	if i := strings.LastIndex(ref, ":"); i >= 0 && strings.HasPrefix(ref, "git@") {
		ref = ref[i+1:]
	}
	return path.Base(ref)
}

// sandboxPath is the fixed materialization convention inside the sandbox.
func sandboxPath(name string) string {
	return "/opt/" + name
}
