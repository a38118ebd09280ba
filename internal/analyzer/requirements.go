package analyzer

import (
	"sort"

	"github.com/jkaninda/ngome/internal/patterns"
	"github.com/jkaninda/ngome/internal/skills"
)

// ProjectRequirements is the analyzer's output for one project path.
// Slice-valued fields are deduplicated; set semantics, sorted for
// deterministic output except SetupCommands, whose order is significant.
type ProjectRequirements struct {
	ProjectType    patterns.ProjectType   `json:"projectType"`
	DetectedTools  []string               `json:"detectedTools,omitempty"`
	EnvVarNames    []string               `json:"envVarNames,omitempty"`
	AptPackages    []string               `json:"aptPackages,omitempty"`
	GlobalPackages []string               `json:"globalPackages,omitempty"`
	SetupCommands  []string               `json:"setupCommands,omitempty"`
	BaseImage      string                 `json:"baseImage"`
	CacheVolumes   []patterns.CacheVolume `json:"cacheVolumes,omitempty"`
	SkillRepos     []skills.SkillRepo     `json:"skillRepos,omitempty"`
}

// accumulator collects analysis findings before they are assembled into
// a ProjectRequirements value.
type accumulator struct {
	tools   map[string]bool
	envVars map[string]bool
	apt     map[string]bool
	global  map[string]bool
	skills  []skills.SkillRepo
	skillBy map[string]bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		tools:   make(map[string]bool),
		envVars: make(map[string]bool),
		apt:     make(map[string]bool),
		global:  make(map[string]bool),
		skillBy: make(map[string]bool),
	}
}

func (a *accumulator) addSkill(s skills.SkillRepo) {
	if a.skillBy[s.Name] {
		return
	}
	a.skillBy[s.Name] = true
	a.skills = append(a.skills, s)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
