// Package analyzer infers the provisioning requirements of a project
// directory: its packaging ecosystem, the system and ecosystem packages
// its scripts depend on, the secrets it appears to need, and the plugin
// repositories it references. Analysis is read-only and best-effort —
// unreadable files are skipped with a warning, never fatal.
package analyzer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/ngome/internal/patterns"
	"github.com/jkaninda/ngome/internal/skills"
)

// maxScriptBytes caps how much of a single script is read for scanning.
const maxScriptBytes = 256 << 10 // 256 KB

// rootScripts are the conventionally named root-level files collected as
// script text, in addition to everything under bin/.
var rootScripts = []string{
	"run.sh", "setup.sh", "install.sh", "build.sh", "test.sh", "start.sh", "Makefile",
}

// envFiles are scanned for secret-shaped variable names alongside the
// project documentation.
var envFiles = []string{".env.example", ".env.sample", ".env.template"}

const docFile = "README.md"

// envTokenPattern finds candidate environment variable names in free text.
var envTokenPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9_]{2,}\b`)

// Analyzer computes ProjectRequirements from on-disk content, with an
// in-memory TTL cache keyed by project path.
type Analyzer struct {
	resolver *skills.Resolver
	cache    *resultCache
	logger   *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Analyzer) { a.cache = newResultCache(ttl) }
}

// New creates an Analyzer.
func New(logger *slog.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		resolver: skills.NewResolver(logger),
		cache:    newResultCache(defaultTTL),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze inspects projectPath and returns its provisioning requirements.
// Results are cached per path; concurrent calls for the same path share
// one analysis. The only error case is a project directory that does not
// exist or is not a directory — partial readability degrades the result,
// it does not fail it.
func (a *Analyzer) Analyze(projectPath string) (*ProjectRequirements, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolving project path %q: %w", projectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s is not a directory", abs)
	}

	keyLock := a.cache.lockKey(abs)
	keyLock.Lock()
	defer keyLock.Unlock()

	if req, ok := a.cache.get(abs); ok {
		return req, nil
	}

	start := time.Now()
	req := a.analyze(abs)
	a.cache.put(abs, req)

	a.logger.Info("project analyzed",
		slog.String("path", abs),
		slog.String("project_type", string(req.ProjectType)),
		slog.Int("tools", len(req.DetectedTools)),
		slog.Int("skills", len(req.SkillRepos)),
		slog.Int("env_vars", len(req.EnvVarNames)),
		slog.Duration("duration", time.Since(start)),
	)
	return req, nil
}

// Invalidate drops the cached result for one project path.
func (a *Analyzer) Invalidate(projectPath string) {
	if abs, err := filepath.Abs(projectPath); err == nil {
		a.cache.invalidate(abs)
	}
}

// ClearCache drops all cached results.
func (a *Analyzer) ClearCache() {
	a.cache.clear()
}

func (a *Analyzer) analyze(dir string) *ProjectRequirements {
	acc := newAccumulator()

	// 1. Project type from marker files, in fixed priority order.
	projectType := a.detectProjectType(dir)

	// 2. Script text from bin/, conventional root scripts, and the docs.
	scripts := a.collectScripts(dir)

	// 3. Tool patterns over every script.
	needsNode := false
	for _, script := range scripts {
		for _, p := range patterns.ToolPatterns {
			if !p.Match(script) {
				continue
			}
			acc.tools[p.Tool] = true
			for _, pkg := range p.AptPackages {
				acc.apt[pkg] = true
			}
			for _, pkg := range p.GlobalPackages {
				acc.global[pkg] = true
			}
			for _, v := range p.EnvVars {
				acc.envVars[v] = true
			}
			if p.NeedsNode {
				needsNode = true
			}
		}
	}

	// 4. Plugin references, deduplicated by skill name.
	detected := a.resolver.Detect(scripts)
	for _, s := range detected.Skills {
		acc.addSkill(s)
	}
	for _, pkg := range detected.AptPackages {
		acc.apt[pkg] = true
	}
	for _, v := range detected.EnvVars {
		acc.envVars[v] = true
	}

	// 5. Secret-shaped names in the docs and env-example files.
	a.scanEnvNames(dir, acc)

	// 6. Base image. A minimal shell image is upgraded when a detected
	// tool needs a Node runtime it lacks; ecosystem images keep their own
	// runtime and install Node-dependent tools via apt instead.
	profile := patterns.ProfileFor(projectType)
	baseImage := profile.BaseImage
	minimalImage := projectType == patterns.TypeShell || projectType == patterns.TypeUnknown
	if needsNode && minimalImage && !patterns.NodeImages[baseImage] {
		baseImage = patterns.NodeCapableImage
	}

	// 7. Setup commands: one apt install, one global install, then the
	// type's dependency fetch. All idempotent-safe to re-run.
	var setup []string
	aptPkgs := sortedKeys(acc.apt)
	if len(aptPkgs) > 0 {
		setup = append(setup,
			"apt-get update && apt-get install -y --no-install-recommends "+strings.Join(aptPkgs, " "))
	}
	globalPkgs := sortedKeys(acc.global)
	if len(globalPkgs) > 0 {
		installer := profile.GlobalInstall
		if installer == "" && patterns.NodeImages[baseImage] {
			installer = "npm install -g"
		}
		if installer != "" {
			setup = append(setup, installer+" "+strings.Join(globalPkgs, " "))
		}
	}
	setup = append(setup, profile.InstallCommands...)

	// 8. Cache volumes for the type, plus the apt cache when system
	// packages are installed.
	volumes := append([]patterns.CacheVolume(nil), profile.CacheVolumes...)
	if len(aptPkgs) > 0 {
		volumes = append(volumes, patterns.AptCacheVolume)
	}

	return &ProjectRequirements{
		ProjectType:    projectType,
		DetectedTools:  sortedKeys(acc.tools),
		EnvVarNames:    sortedKeys(acc.envVars),
		AptPackages:    aptPkgs,
		GlobalPackages: globalPkgs,
		SetupCommands:  setup,
		BaseImage:      baseImage,
		CacheVolumes:   volumes,
		SkillRepos:     acc.skills,
	}
}

// detectProjectType checks ecosystem markers in priority order, then the
// shell markers, then a populated bin/ directory.
func (a *Analyzer) detectProjectType(dir string) patterns.ProjectType {
	for _, m := range patterns.Markers {
		if fileExists(filepath.Join(dir, m.File)) {
			return m.Type
		}
	}
	for _, f := range patterns.ShellMarkers {
		if fileExists(filepath.Join(dir, f)) {
			return patterns.TypeShell
		}
	}
	if entries, err := os.ReadDir(filepath.Join(dir, "bin")); err == nil && len(entries) > 0 {
		return patterns.TypeShell
	}
	return patterns.TypeUnknown
}

// collectScripts gathers script text from all candidate locations.
// Missing locations are skipped silently; unreadable files are skipped
// with a warning.
func (a *Analyzer) collectScripts(dir string) []string {
	var scripts []string

	if entries, err := os.ReadDir(filepath.Join(dir, "bin")); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if text, ok := a.readCapped(filepath.Join(dir, "bin", e.Name())); ok {
				scripts = append(scripts, text)
			}
		}
	}

	for _, name := range rootScripts {
		if text, ok := a.readCapped(filepath.Join(dir, name)); ok {
			scripts = append(scripts, text)
		}
	}

	if text, ok := a.readCapped(filepath.Join(dir, docFile)); ok {
		scripts = append(scripts, text)
	}

	return scripts
}

// scanEnvNames admits secret-shaped tokens from the docs and env-example
// files into the env accumulator.
func (a *Analyzer) scanEnvNames(dir string, acc *accumulator) {
	sources := append([]string{docFile}, envFiles...)
	for _, name := range sources {
		text, ok := a.readCapped(filepath.Join(dir, name))
		if !ok {
			continue
		}
		for _, token := range envTokenPattern.FindAllString(text, -1) {
			if patterns.IsSecretName(token) {
				acc.envVars[token] = true
			}
		}
	}
}

// readCapped reads a file up to maxScriptBytes. The second return is
// false when the file is missing or unreadable; unreadable files log a
// warning since they may hide requirements.
func (a *Analyzer) readCapped(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}
	defer f.Close()

	buf := make([]byte, maxScriptBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		a.logger.Warn("skipping unreadable file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return string(buf[:n]), true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
