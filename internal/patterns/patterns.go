// Package patterns holds the static tables that drive project requirement
// analysis: project-type markers, per-type provisioning profiles, script
// tool patterns, secret-name admission rules, and the known-skill registry.
// All tables are immutable after init — they are pure inputs to the
// analyzer and resolver, never mutated at runtime.
package patterns

import (
	"regexp"
	"strings"
)

// ProjectType classifies a project by its dominant packaging ecosystem.
type ProjectType string

const (
	TypeNPM     ProjectType = "npm"
	TypePNPM    ProjectType = "pnpm"
	TypeYarn    ProjectType = "yarn"
	TypeBun     ProjectType = "bun"
	TypePip     ProjectType = "pip"
	TypePoetry  ProjectType = "poetry"
	TypeUV      ProjectType = "uv"
	TypeGo      ProjectType = "go"
	TypeCargo   ProjectType = "cargo"
	TypeMaven   ProjectType = "maven"
	TypeGradle  ProjectType = "gradle"
	TypeShell   ProjectType = "shell"
	TypeUnknown ProjectType = "unknown"
)

// Marker maps a manifest file to a project type. Markers are checked in
// slice order: lockfiles before manifests so "package.json + yarn.lock"
// classifies as yarn, not npm.
type Marker struct {
	File string
	Type ProjectType
}

// Markers is the fixed detection priority order.
var Markers = []Marker{
	{"pnpm-lock.yaml", TypePNPM},
	{"yarn.lock", TypeYarn},
	{"bun.lockb", TypeBun},
	{"bun.lock", TypeBun},
	{"package.json", TypeNPM},
	{"poetry.lock", TypePoetry},
	{"uv.lock", TypeUV},
	{"pyproject.toml", TypePip},
	{"requirements.txt", TypePip},
	{"setup.py", TypePip},
	{"go.mod", TypeGo},
	{"Cargo.toml", TypeCargo},
	{"pom.xml", TypeMaven},
	{"build.gradle", TypeGradle},
	{"build.gradle.kts", TypeGradle},
}

// ShellMarkers are checked after ecosystem markers. Any one of them
// classifies the project as a shell project (a populated bin/ directory
// is checked separately by the analyzer).
var ShellMarkers = []string{"run.sh", "Makefile"}

// CacheVolume names a directory that should persist across provisioning
// attempts for the same project.
type CacheVolume struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
}

// Profile is the per-type provisioning profile.
type Profile struct {
	BaseImage       string
	InstallCommands []string // dependency-fetch commands, run after package installs
	CacheVolumes    []CacheVolume
	GlobalInstall   string // command prefix for ecosystem-level global installs
}

// AptCacheVolume persists the system package cache when apt packages are
// installed, regardless of project type.
var AptCacheVolume = CacheVolume{Name: "apt-cache", MountPath: "/var/cache/apt"}

var profiles = map[ProjectType]Profile{
	TypeNPM: {
		BaseImage:       "node:22-slim",
		InstallCommands: []string{"npm install"},
		CacheVolumes:    []CacheVolume{{Name: "npm-cache", MountPath: "/root/.npm"}},
		GlobalInstall:   "npm install -g",
	},
	TypePNPM: {
		BaseImage:       "node:22-slim",
		InstallCommands: []string{"corepack enable pnpm", "pnpm install"},
		CacheVolumes:    []CacheVolume{{Name: "pnpm-store", MountPath: "/root/.local/share/pnpm/store"}},
		GlobalInstall:   "npm install -g",
	},
	TypeYarn: {
		BaseImage:       "node:22-slim",
		InstallCommands: []string{"corepack enable yarn", "yarn install"},
		CacheVolumes:    []CacheVolume{{Name: "yarn-cache", MountPath: "/root/.cache/yarn"}},
		GlobalInstall:   "npm install -g",
	},
	TypeBun: {
		BaseImage:       "oven/bun:1",
		InstallCommands: []string{"bun install"},
		CacheVolumes:    []CacheVolume{{Name: "bun-cache", MountPath: "/root/.bun/install/cache"}},
		GlobalInstall:   "bun install -g",
	},
	TypePip: {
		BaseImage:       "python:3.12-slim",
		InstallCommands: []string{"[ -f requirements.txt ] && pip install -r requirements.txt || pip install -e ."},
		CacheVolumes:    []CacheVolume{{Name: "pip-cache", MountPath: "/root/.cache/pip"}},
		GlobalInstall:   "pip install",
	},
	TypePoetry: {
		BaseImage:       "python:3.12-slim",
		InstallCommands: []string{"pip install poetry", "poetry install --no-interaction"},
		CacheVolumes:    []CacheVolume{{Name: "poetry-cache", MountPath: "/root/.cache/pypoetry"}},
		GlobalInstall:   "pip install",
	},
	TypeUV: {
		BaseImage:       "python:3.12-slim",
		InstallCommands: []string{"pip install uv", "uv sync"},
		CacheVolumes:    []CacheVolume{{Name: "uv-cache", MountPath: "/root/.cache/uv"}},
		GlobalInstall:   "pip install",
	},
	TypeGo: {
		BaseImage:       "golang:1.25",
		InstallCommands: []string{"go mod download"},
		CacheVolumes: []CacheVolume{
			{Name: "go-mod-cache", MountPath: "/go/pkg/mod"},
			{Name: "go-build-cache", MountPath: "/root/.cache/go-build"},
		},
	},
	TypeCargo: {
		BaseImage:       "rust:1-slim",
		InstallCommands: []string{"cargo fetch"},
		CacheVolumes:    []CacheVolume{{Name: "cargo-registry", MountPath: "/usr/local/cargo/registry"}},
	},
	TypeMaven: {
		BaseImage:       "maven:3-eclipse-temurin-21",
		InstallCommands: []string{"mvn -B dependency:go-offline"},
		CacheVolumes:    []CacheVolume{{Name: "m2-repo", MountPath: "/root/.m2"}},
	},
	TypeGradle: {
		BaseImage:       "gradle:8-jdk21",
		InstallCommands: []string{"gradle dependencies --quiet || true"},
		CacheVolumes:    []CacheVolume{{Name: "gradle-cache", MountPath: "/root/.gradle"}},
	},
	TypeShell: {
		BaseImage: "debian:bookworm-slim",
	},
	TypeUnknown: {
		BaseImage: "debian:bookworm-slim",
	},
}

// ProfileFor returns the provisioning profile for a project type.
// Unlisted types fall back to the unknown profile.
func ProfileFor(t ProjectType) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[TypeUnknown]
}

// ToolPattern maps a script substring (or regex) to the tool it implies
// and the packages and secrets that tool needs. Matching is deliberately
// conservative: a false negative only loses an install hint, a false
// positive adds a wasted install command.
type ToolPattern struct {
	Tool           string
	Substr         string         // matched with strings.Contains when Regex is nil
	Regex          *regexp.Regexp // takes precedence over Substr when set
	AptPackages    []string
	GlobalPackages []string
	EnvVars        []string
	// NeedsNode marks tools that require a Node runtime; detecting one in
	// a shell/unknown project upgrades the base image.
	NeedsNode bool
}

// ToolPatterns is the fixed script-scanning table.
var ToolPatterns = []ToolPattern{
	{Tool: "ffmpeg", Substr: "ffmpeg", AptPackages: []string{"ffmpeg"}},
	{Tool: "jq", Regex: regexp.MustCompile(`\bjq\s`), AptPackages: []string{"jq"}},
	{Tool: "imagemagick", Regex: regexp.MustCompile(`\b(convert|mogrify|magick)\s`), AptPackages: []string{"imagemagick"}},
	{Tool: "pandoc", Substr: "pandoc", AptPackages: []string{"pandoc"}},
	{Tool: "curl", Regex: regexp.MustCompile(`\bcurl\s`), AptPackages: []string{"curl", "ca-certificates"}},
	{Tool: "wget", Regex: regexp.MustCompile(`\bwget\s`), AptPackages: []string{"wget", "ca-certificates"}},
	{Tool: "gh", Regex: regexp.MustCompile(`\bgh\s+(pr|issue|repo|api|release)\b`), AptPackages: []string{"gh"}, EnvVars: []string{"GITHUB_TOKEN"}},
	{Tool: "playwright", Substr: "playwright", AptPackages: []string{"chromium", "fonts-liberation"}, GlobalPackages: []string{"playwright"}, NeedsNode: true},
	{Tool: "puppeteer", Substr: "puppeteer", AptPackages: []string{"chromium", "fonts-liberation"}, NeedsNode: true},
	{Tool: "aws", Regex: regexp.MustCompile(`\baws\s+(s3|ec2|lambda|sts|dynamodb|cloudformation)\b`), AptPackages: []string{"awscli"}, EnvVars: []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"}},
	{Tool: "psql", Regex: regexp.MustCompile(`\bpsql\b`), AptPackages: []string{"postgresql-client"}, EnvVars: []string{"DATABASE_URL"}},
	{Tool: "redis-cli", Substr: "redis-cli", AptPackages: []string{"redis-tools"}, EnvVars: []string{"REDIS_URL"}},
	{Tool: "sqlite3", Regex: regexp.MustCompile(`\bsqlite3\b`), AptPackages: []string{"sqlite3"}},
	{Tool: "rsync", Regex: regexp.MustCompile(`\brsync\s`), AptPackages: []string{"rsync"}},
	{Tool: "zip", Regex: regexp.MustCompile(`\b(zip|unzip)\s`), AptPackages: []string{"zip", "unzip"}},
	{Tool: "make", Regex: regexp.MustCompile(`\bmake(\s|$)`), AptPackages: []string{"build-essential"}},
	{Tool: "git-lfs", Substr: "git lfs", AptPackages: []string{"git-lfs"}},
	{Tool: "openssl", Regex: regexp.MustCompile(`\bopenssl\s`), AptPackages: []string{"openssl"}},
	{Tool: "tesseract", Substr: "tesseract", AptPackages: []string{"tesseract-ocr"}},
	{Tool: "graphviz", Regex: regexp.MustCompile(`\b(dot|neato)\s+-T`), AptPackages: []string{"graphviz"}},
}

// Match reports whether the pattern occurs in the script text.
func (p ToolPattern) Match(script string) bool {
	if p.Regex != nil {
		return p.Regex.MatchString(script)
	}
	return strings.Contains(script, p.Substr)
}

// NodeCapableImage is the upgrade target when a detected tool needs a
// Node runtime that the resolved base image lacks.
const NodeCapableImage = "node:22-slim"

// NodeImages lists base images that already carry a Node runtime.
var NodeImages = map[string]bool{
	"node:22-slim": true,
	"oven/bun:1":   true,
}

// --- Secret name admission ---

// secretSuffixes admit an uppercase token as a secret name.
var secretSuffixes = []string{
	"_API_KEY", "_APIKEY", "_TOKEN", "_SECRET", "_PASSWORD", "_KEY", "_ACCESS_KEY_ID", "_SECRET_ACCESS_KEY",
}

// secretPrefixes are known provider namespaces. A _URL suffix is only
// admitted under one of these prefixes so that ordinary uppercase
// constants (BASE_URL, HOME_URL) stay out.
var secretPrefixes = []string{
	"OPENAI_", "ANTHROPIC_", "GEMINI_", "GITHUB_", "GITLAB_", "AWS_", "GCP_", "AZURE_",
	"STRIPE_", "SLACK_", "TELEGRAM_", "DISCORD_", "SENDGRID_", "TWILIO_",
	"DATABASE_", "REDIS_", "POSTGRES_", "MONGO_", "SUPABASE_", "VAULT_",
}

// envNameShape is the minimal shape of an environment variable name.
var envNameShape = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,}$`)

// IsSecretName reports whether a token looks like the name of a secret or
// required environment variable. The rules are conservative by intent.
func IsSecretName(token string) bool {
	if !envNameShape.MatchString(token) {
		return false
	}
	for _, s := range secretSuffixes {
		if strings.HasSuffix(token, s) && len(token) > len(s) {
			return true
		}
	}
	for _, p := range secretPrefixes {
		if strings.HasPrefix(token, p) {
			// Provider-prefixed names are admitted with a _URL suffix too
			// (e.g. DATABASE_URL, REDIS_URL).
			if strings.HasSuffix(token, "_URL") || strings.HasSuffix(token, "_DSN") {
				return true
			}
			for _, s := range secretSuffixes {
				if strings.HasSuffix(token, s) {
					return true
				}
			}
		}
	}
	return false
}

// --- Known skills ---

// SkillSpec describes a well-known third-party plugin.
type SkillSpec struct {
	SourceLocation string
	AptPackages    []string
	EnvVars        []string
}

// KnownSkills maps plugin names to their resolved source and requirements.
// Names not present here fall back to the marketplace/name pair found in
// the script path.
var KnownSkills = map[string]SkillSpec{
	"playwright": {
		SourceLocation: "https://github.com/executeautomation/mcp-playwright",
		AptPackages:    []string{"chromium", "fonts-liberation"},
	},
	"browser-use": {
		SourceLocation: "https://github.com/browser-use/browser-use",
		AptPackages:    []string{"chromium"},
	},
	"pdf-tools": {
		SourceLocation: "https://github.com/modelcontextprotocol/servers",
		AptPackages:    []string{"poppler-utils"},
	},
	"image-gen": {
		SourceLocation: "https://github.com/modelcontextprotocol/servers",
		EnvVars:        []string{"OPENAI_API_KEY"},
	},
}
