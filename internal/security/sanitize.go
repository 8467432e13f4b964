// Package security validates request inputs before they reach external
// systems. Branch and job names end up inside CI URLs; project IDs end
// up in log lines and database rows.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	projectPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	jobPattern     = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateProjectID ensures a project ID is a well-formed slug.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("project ID cannot start with '-'")
	}
	if !projectPattern.MatchString(id) {
		return fmt.Errorf("project ID contains invalid characters (only a-z, 0-9, - allowed)")
	}
	return nil
}

// ValidateBranchName ensures a branch name is safe to embed in CI
// build parameters.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateJobName ensures a job name is safe to embed in a CI URL path.
func ValidateJobName(job string) error {
	if job == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if strings.HasPrefix(job, "-") || strings.HasPrefix(job, ".") {
		return fmt.Errorf("job name cannot start with '-' or '.'")
	}
	if !jobPattern.MatchString(job) {
		return fmt.Errorf("job name contains invalid characters")
	}
	return nil
}
