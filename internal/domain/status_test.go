package domain

import (
	"errors"
	"testing"
)

func TestProjectTransitions(t *testing.T) {
	valid := []struct{ from, to ProjectStatus }{
		{ProjectInitializing, ProjectPendingPlanApproval},
		{ProjectPendingPlanApproval, ProjectRunning},
		{ProjectRunning, ProjectPaused},
		{ProjectPaused, ProjectRunning},
		{ProjectRunning, ProjectCompleted},
		{ProjectRunning, ProjectFailed},
		{ProjectRunning, ProjectPendingUserReview},
		{ProjectPaused, ProjectCompleted},
	}
	for _, tc := range valid {
		if err := ValidateProjectTransition(tc.from, tc.to); err != nil {
			t.Errorf("expected %s -> %s valid, got %v", tc.from, tc.to, err)
		}
	}

	invalid := []struct{ from, to ProjectStatus }{
		{ProjectInitializing, ProjectRunning},
		{ProjectPendingPlanApproval, ProjectPaused},
		{ProjectCompleted, ProjectRunning},
		{ProjectFailed, ProjectRunning},
		{ProjectPendingUserReview, ProjectRunning},
		{ProjectRunning, ProjectInitializing},
	}
	for _, tc := range invalid {
		err := ValidateProjectTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("expected %s -> %s invalid", tc.from, tc.to)
			continue
		}
		var tr *InvalidTransitionError
		if !errors.As(err, &tr) {
			t.Errorf("expected InvalidTransitionError for %s -> %s, got %v", tc.from, tc.to, err)
		}
	}
}

func TestProjectTransitionRejectsUnknownStatus(t *testing.T) {
	if err := ValidateProjectTransition("bogus", ProjectRunning); err == nil {
		t.Fatal("expected error for unknown from status")
	}
	if err := ValidateProjectTransition(ProjectRunning, "bogus"); err == nil {
		t.Fatal("expected error for unknown to status")
	}
}

func TestStepTransitions(t *testing.T) {
	valid := []struct{ from, to StepStatus }{
		{StepPending, StepRunning},
		{StepPending, StepSkipped},
		{StepRunning, StepCompleted},
		{StepRunning, StepFailed},
	}
	for _, tc := range valid {
		if err := ValidateStepTransition(tc.from, tc.to); err != nil {
			t.Errorf("expected %s -> %s valid, got %v", tc.from, tc.to, err)
		}
	}

	// terminal steps never transition again
	for _, from := range []StepStatus{StepCompleted, StepFailed, StepSkipped} {
		for _, to := range []StepStatus{StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped} {
			if err := ValidateStepTransition(from, to); err == nil {
				t.Errorf("expected terminal %s -> %s invalid", from, to)
			}
		}
	}

	if err := ValidateStepTransition(StepRunning, StepSkipped); err == nil {
		t.Error("expected running -> skipped invalid")
	}
	if err := ValidateStepTransition(StepPending, StepCompleted); err == nil {
		t.Error("expected pending -> completed invalid")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []ProjectStatus{ProjectCompleted, ProjectFailed, ProjectPendingUserReview} {
		if !s.Terminal() {
			t.Errorf("expected %s terminal", s)
		}
	}
	for _, s := range []ProjectStatus{ProjectInitializing, ProjectPendingPlanApproval, ProjectRunning, ProjectPaused} {
		if s.Terminal() {
			t.Errorf("expected %s not terminal", s)
		}
	}
	if StepPending.Terminal() || StepRunning.Terminal() {
		t.Error("pending/running must not be terminal")
	}
	if !StepCompleted.Terminal() || !StepFailed.Terminal() || !StepSkipped.Terminal() {
		t.Error("completed/failed/skipped must be terminal")
	}
}

func TestParseTaskCategory(t *testing.T) {
	for _, c := range TaskCategories() {
		got, err := ParseTaskCategory(string(c))
		if err != nil {
			t.Fatalf("parse %s: %v", c, err)
		}
		if got != c {
			t.Fatalf("parse %s: got %s", c, got)
		}
	}
	if _, err := ParseTaskCategory("refactoring"); err == nil {
		t.Fatal("expected unknown category to be rejected")
	}
	if _, err := ParseTaskCategory(""); err == nil {
		t.Fatal("expected empty category to be rejected")
	}
}

func TestParseComplexity(t *testing.T) {
	got, err := ParseComplexity("")
	if err != nil || got != ComplexityMedium {
		t.Fatalf("empty complexity: got %s, %v", got, err)
	}
	if _, err := ParseComplexity("extreme"); err == nil {
		t.Fatal("expected unknown complexity to be rejected")
	}
}

func TestParseInterventionCommand(t *testing.T) {
	for _, c := range []string{"pause", "resume", "approve_plan", "provide_feedback"} {
		if _, err := ParseInterventionCommand(c); err != nil {
			t.Fatalf("parse %s: %v", c, err)
		}
	}
	if _, err := ParseInterventionCommand("cancel"); err == nil {
		t.Fatal("expected unknown command to be rejected")
	}
}
