package backends

import (
	"fmt"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// SystemPrompt describes the application to build.
func SystemPrompt(spec api.JobSpec) string {
	return fmt.Sprintf(`You are an expert software developer. Build a complete, runnable application from this specification.

Application Name: %s
Description: %s
Goal: %s
Target User: %s
Main Problem Solved: %s
Design Preferences: %s
Tech Stack: %s
Complexity Level: %s
Additional Requirements: %s

Write every file into the current working directory. Include a README with setup
instructions and the configuration files the stack needs.
`, spec.Name, spec.Description, spec.AppGoal, spec.TargetUser, spec.MainProblem,
		spec.DesignPreferences, spec.TechStack, spec.ComplexityLevel, spec.AdditionalRequirements)
}

// TaskPrompt is the user turn that starts generation.
func TaskPrompt(spec api.JobSpec) string {
	return fmt.Sprintf(`Create the complete application %q described in your system prompt.
Start with the project structure, then implement the core functionality using %s.
The application must run after following the README.`, spec.Name, spec.TechStack)
}
