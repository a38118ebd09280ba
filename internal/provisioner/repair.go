package provisioner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/ngome/internal/analyzer"
	"github.com/jkaninda/ngome/internal/patterns"
)

// Repair is one conservative recovery action derived from boot output.
// Commands may be empty for transient failures where retrying the same
// recipe is the repair.
type Repair struct {
	Signal   string   // Stable identifier for metrics and audit rows.
	Reason   string   // The matched failure, for logs.
	Commands []string // Setup commands appended to the next iteration.
}

type repairRule struct {
	signal string
	match  *regexp.Regexp
	build  func(m []string, req *analyzer.ProjectRequirements) *Repair
}

// repairRules are checked in order; the first match wins. Rules only ever
// add package installs or retry unchanged — nothing here mutates the
// project checkout.
var repairRules = []repairRule{
	{
		signal: "python_missing_module",
		match:  regexp.MustCompile(`ModuleNotFoundError: No module named '([A-Za-z0-9_.]+)'`),
		build: func(m []string, _ *analyzer.ProjectRequirements) *Repair {
			pkg := strings.SplitN(m[1], ".", 2)[0]
			return &Repair{
				Signal:   "python_missing_module",
				Reason:   m[0],
				Commands: []string{"pip install " + pkg},
			}
		},
	},
	{
		signal: "node_missing_module",
		match:  regexp.MustCompile(`Cannot find module '([^']+)'`),
		build: func(m []string, req *analyzer.ProjectRequirements) *Repair {
			// Relative specifiers point at project files, not dependencies.
			if strings.HasPrefix(m[1], ".") || strings.HasPrefix(m[1], "/") {
				return nil
			}
			install := "npm install"
			if req != nil {
				switch req.ProjectType {
				case patterns.TypePNPM:
					install = "pnpm install"
				case patterns.TypeYarn:
					install = "yarn install"
				}
			}
			return &Repair{
				Signal:   "node_missing_module",
				Reason:   m[0],
				Commands: []string{install},
			}
		},
	},
	{
		signal: "go_missing_module",
		match:  regexp.MustCompile(`no required module provides package`),
		build: func(m []string, _ *analyzer.ProjectRequirements) *Repair {
			return &Repair{
				Signal:   "go_missing_module",
				Reason:   m[0],
				Commands: []string{"go mod download"},
			}
		},
	},
	{
		signal: "command_not_found",
		match:  regexp.MustCompile(`(?m)(?:sh: \d+: )?([A-Za-z0-9][A-Za-z0-9_.-]*): (?:command )?not found`),
		build: func(m []string, _ *analyzer.ProjectRequirements) *Repair {
			return &Repair{
				Signal:   "command_not_found",
				Reason:   m[0],
				Commands: []string{fmt.Sprintf("apt-get update && apt-get install -y %s", m[1])},
			}
		},
	},
	{
		signal: "network_transient",
		match:  regexp.MustCompile(`ETIMEDOUT|EAI_AGAIN|Connection timed out|Temporary failure in name resolution|Could not resolve host`),
		build: func(m []string, _ *analyzer.ProjectRequirements) *Repair {
			// Retry the same recipe; the failure was outside the sandbox.
			return &Repair{Signal: "network_transient", Reason: m[0]}
		},
	},
}

// diagnose inspects boot output and returns a repair, or nil when no rule
// matches. A nil repair ends the provisioning run — iterating on an
// unrecognized failure with an unchanged recipe cannot converge.
func diagnose(output string, req *analyzer.ProjectRequirements) *Repair {
	for _, rule := range repairRules {
		m := rule.match.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		if r := rule.build(m, req); r != nil {
			return r
		}
	}
	return nil
}
