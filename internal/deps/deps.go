package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"hotplugd/internal/rules"
)

// Requirement is a program some rule runs.
type Requirement struct {
	Rule    string
	File    string
	Command string
}

// Status reports whether a requirement resolves to an executable.
type Status struct {
	Requirement
	Available bool
	Path      string
	Detail    string
}

// RuleRequirements lists the distinct programs named by rules. Programs
// whose name is a variable reference are skipped since they only resolve
// per device.
func RuleRequirements(list []rules.Rule) []Requirement {
	seen := make(map[string]bool)
	var reqs []Requirement
	for _, r := range list {
		for _, line := range r.Run {
			fields, err := rules.SplitCommand(line)
			if err != nil || strings.Contains(fields[0], "$") {
				continue
			}
			cmd := fields[0]
			if seen[cmd] {
				continue
			}
			seen[cmd] = true
			reqs = append(reqs, Requirement{Rule: r.Name, File: r.File, Command: cmd})
		}
	}
	return reqs
}

// CheckBinaries resolves each requirement through PATH.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{Requirement: req}
		path, err := exec.LookPath(req.Command)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", req.Command)
		} else {
			status.Available = true
			status.Path = path
		}
		results = append(results, status)
	}
	return results
}

// Missing returns the statuses that did not resolve.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available {
			out = append(out, s)
		}
	}
	return out
}
