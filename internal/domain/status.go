package domain

import "fmt"

type ProjectStatus string

const (
	ProjectInitializing        ProjectStatus = "initializing"
	ProjectPendingPlanApproval ProjectStatus = "pending_plan_approval"
	ProjectRunning             ProjectStatus = "running"
	ProjectPaused              ProjectStatus = "paused"
	ProjectCompleted           ProjectStatus = "completed"
	ProjectFailed              ProjectStatus = "failed"
	ProjectPendingUserReview   ProjectStatus = "pending_user_review"
)

// Terminal reports whether the status is final. Terminal projects accept
// no further transitions.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectCompleted, ProjectFailed, ProjectPendingUserReview:
		return true
	}
	return false
}

// The running<->paused cycle is the only cycle; everything else moves
// forward once.
var projectTransitions = map[ProjectStatus]map[ProjectStatus]struct{}{
	ProjectInitializing: {
		ProjectPendingPlanApproval: {},
	},
	ProjectPendingPlanApproval: {
		ProjectRunning: {},
	},
	ProjectRunning: {
		ProjectPaused:            {},
		ProjectCompleted:         {},
		ProjectFailed:            {},
		ProjectPendingUserReview: {},
	},
	ProjectPaused: {
		ProjectRunning:           {},
		ProjectCompleted:         {},
		ProjectFailed:            {},
		ProjectPendingUserReview: {},
	},
	ProjectCompleted:         {},
	ProjectFailed:            {},
	ProjectPendingUserReview: {},
}

func ValidateProjectStatus(s ProjectStatus) error {
	if _, ok := projectTransitions[s]; !ok {
		return fmt.Errorf("invalid project status: %q", s)
	}
	return nil
}

func ValidateProjectTransition(from, to ProjectStatus) error {
	if err := ValidateProjectStatus(from); err != nil {
		return err
	}
	if err := ValidateProjectStatus(to); err != nil {
		return err
	}
	if _, ok := projectTransitions[from][to]; !ok {
		return &InvalidTransitionError{Entity: "project", From: string(from), To: string(to)}
	}
	return nil
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final. A terminal step
// never transitions again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

var stepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepPending: {
		StepRunning: {},
		StepSkipped: {},
	},
	StepRunning: {
		StepCompleted: {},
		StepFailed:    {},
	},
	StepCompleted: {},
	StepFailed:    {},
	StepSkipped:   {},
}

func ValidateStepStatus(s StepStatus) error {
	if _, ok := stepTransitions[s]; !ok {
		return fmt.Errorf("invalid step status: %q", s)
	}
	return nil
}

func ValidateStepTransition(from, to StepStatus) error {
	if err := ValidateStepStatus(from); err != nil {
		return err
	}
	if err := ValidateStepStatus(to); err != nil {
		return err
	}
	if _, ok := stepTransitions[from][to]; !ok {
		return &InvalidTransitionError{Entity: "step", From: string(from), To: string(to)}
	}
	return nil
}

// TaskCategory classifies every step and every inference call. The set is
// closed: anything outside it is rejected at parse time, not silently
// routed to a fallback handler.
type TaskCategory string

const (
	CategoryProjectUnderstanding TaskCategory = "project-understanding"
	CategoryPlanning             TaskCategory = "planning"
	CategoryCodeGeneration       TaskCategory = "code-generation"
	CategoryCodeAnalysis         TaskCategory = "code-analysis"
	CategoryDebugging            TaskCategory = "debugging"
	CategoryResearch             TaskCategory = "research"
	CategoryDataManipulation     TaskCategory = "data-manipulation"
	CategoryFileManipulation     TaskCategory = "file-manipulation"
	CategoryExternalTool         TaskCategory = "external-tool-interaction"
	CategoryUserFeedback         TaskCategory = "user-feedback-incorporation"
	CategorySystemManagement     TaskCategory = "system-management"
	CategoryFinalPackaging       TaskCategory = "final-packaging"
)

// TaskCategories returns all categories in a stable order.
func TaskCategories() []TaskCategory {
	return []TaskCategory{
		CategoryProjectUnderstanding,
		CategoryPlanning,
		CategoryCodeGeneration,
		CategoryCodeAnalysis,
		CategoryDebugging,
		CategoryResearch,
		CategoryDataManipulation,
		CategoryFileManipulation,
		CategoryExternalTool,
		CategoryUserFeedback,
		CategorySystemManagement,
		CategoryFinalPackaging,
	}
}

func ParseTaskCategory(raw string) (TaskCategory, error) {
	for _, c := range TaskCategories() {
		if string(c) == raw {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown task category: %q", raw)
}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ParseComplexity accepts the three known levels; empty defaults to
// medium so planner omissions stay usable.
func ParseComplexity(raw string) (Complexity, error) {
	switch raw {
	case "":
		return ComplexityMedium, nil
	case string(ComplexityLow), string(ComplexityMedium), string(ComplexityHigh):
		return Complexity(raw), nil
	}
	return "", fmt.Errorf("unknown complexity: %q", raw)
}

type InterventionCommand string

const (
	InterventionPause           InterventionCommand = "pause"
	InterventionResume          InterventionCommand = "resume"
	InterventionApprovePlan     InterventionCommand = "approve_plan"
	InterventionProvideFeedback InterventionCommand = "provide_feedback"
)

func ParseInterventionCommand(raw string) (InterventionCommand, error) {
	switch raw {
	case string(InterventionPause), string(InterventionResume),
		string(InterventionApprovePlan), string(InterventionProvideFeedback):
		return InterventionCommand(raw), nil
	}
	return "", fmt.Errorf("unknown intervention command: %q", raw)
}
