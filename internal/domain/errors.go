package domain

import (
	"fmt"
	"strings"
)

// InvalidInputError rejects a caller-supplied value. Never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PlanGenerationError means the planner response could not be turned into
// a valid plan. The project stays in its prior status for a manual
// re-trigger; the raw response is retained in the log, not here.
type PlanGenerationError struct {
	ProjectID string
	Reason    string
	Err       error
}

func (e *PlanGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan generation for project %s: %s: %v", e.ProjectID, e.Reason, e.Err)
	}
	return fmt.Sprintf("plan generation for project %s: %s", e.ProjectID, e.Reason)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

// DependencyNotMetError is informational, not a failure: executing a step
// whose dependencies are not all completed skips the step. Logged without
// the error flag.
type DependencyNotMetError struct {
	StepID  string
	Missing []string
}

func (e *DependencyNotMetError) Error() string {
	return fmt.Sprintf("step %s dependencies not met: %s", e.StepID, strings.Join(e.Missing, ", "))
}

// StepExecutionError wraps a handler failure. The step is already marked
// failed and the detail logged by the time the caller sees this.
type StepExecutionError struct {
	ProjectID string
	StepID    string
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s of project %s failed: %v", e.StepID, e.ProjectID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}
