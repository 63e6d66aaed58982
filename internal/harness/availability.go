package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Availability captures which runtime tools are present on PATH.
type Availability struct {
	Agent     bool
	AgentPath string
	Git       bool
}

// CheckAvailability resolves the agent binary and optional helpers on PATH.
func CheckAvailability(binary string) (Availability, []string, error) {
	return CheckAvailabilityWith(binary, exec.LookPath)
}

// CheckAvailabilityWith is CheckAvailability with an injected PATH lookup.
func CheckAvailabilityWith(
	binary string,
	lookPath func(file string) (string, error),
) (Availability, []string, error) {
	if lookPath == nil {
		return Availability{}, nil, errors.New("lookPath function is required")
	}
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Availability{}, nil, errors.New("agent binary is not configured")
	}

	var availability Availability
	path, err := lookPath(binary)
	if err == nil {
		availability.Agent = true
		availability.AgentPath = path
	}
	_, gitErr := lookPath("git")
	availability.Git = gitErr == nil

	if !availability.Agent {
		return availability, nil, fmt.Errorf("agent binary %q not found on PATH", binary)
	}

	var warnings []string
	if !availability.Git {
		warnings = append(warnings, "git not found on PATH; agent tools that use git will fail")
	}
	return availability, warnings, nil
}
