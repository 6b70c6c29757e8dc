package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conductor/internal/domain"
)

// Rejection codes carried on InterventionResult.
const (
	RejectInvalidStatus   = "invalid_status"
	RejectMissingFeedback = "missing_feedback"
	RejectEmptyPlan       = "empty_plan"
	RejectUnknownCommand  = "unknown_command"
	RejectUnknownProject  = "unknown_project"
)

// HandleIntervention applies a user command to the project lifecycle. Every
// rejection is a structured result, never a Go error: unknown projects,
// unknown commands and commands invalid for the current status all come
// back with Accepted false and a code. State is never mutated on
// rejection. Errors are reserved for storage failures.
func (o *Orchestrator) HandleIntervention(ctx context.Context, projectID string, cmd domain.InterventionCommand, payload map[string]any) (domain.InterventionResult, error) {
	unlock := o.lock(projectID)
	defer unlock()

	store, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		var invalid *domain.InvalidInputError
		if errors.As(err, &invalid) {
			res := rejected(RejectUnknownProject, invalid.Reason)
			res.Command = cmd
			return res, nil
		}
		return domain.InterventionResult{}, err
	}

	var res domain.InterventionResult
	switch cmd {
	case domain.InterventionPause:
		res = o.applyPause(p)
	case domain.InterventionResume:
		res = o.applyResume(p)
	case domain.InterventionApprovePlan:
		res = o.applyApprovePlan(p)
	case domain.InterventionProvideFeedback:
		res = o.applyFeedback(p, payload)
	default:
		res = rejected(RejectUnknownCommand, fmt.Sprintf("unknown intervention command: %q", cmd))
	}
	res.Command = cmd
	res.Status = p.Status

	entry := domain.LogEntry{
		Action: "intervention_" + string(cmd),
		Params: map[string]any{"command": string(cmd)},
	}
	if !res.Accepted {
		entry.Action = "intervention_rejected"
		entry.IsError = true
		entry.Params["requested"] = string(cmd)
		entry.Outputs = map[string]any{"code": res.Code, "detail": res.Detail}
		if _, err := store.Append(ctx, entry); err != nil {
			return domain.InterventionResult{}, err
		}
		o.Logger.Warnf("project %s: rejected %s: %s", p.ID, cmd, res.Detail)
		return res, nil
	}

	entry.Action = acceptedAction(cmd)
	entry.StatusUpdate = string(p.Status)
	if res.Detail != "" {
		entry.Outputs = map[string]any{"detail": res.Detail}
	}
	if err := o.saveProject(ctx, store, p, entry); err != nil {
		return domain.InterventionResult{}, err
	}
	o.Logger.Infof("project %s: %s accepted, status now %s", p.ID, cmd, p.Status)
	return res, nil
}

func acceptedAction(cmd domain.InterventionCommand) string {
	switch cmd {
	case domain.InterventionPause:
		return "project_paused"
	case domain.InterventionResume:
		return "project_resumed"
	case domain.InterventionApprovePlan:
		return "plan_approved"
	case domain.InterventionProvideFeedback:
		return "feedback_queued"
	}
	return "intervention_" + string(cmd)
}

func (o *Orchestrator) applyPause(p *domain.Project) domain.InterventionResult {
	if p.Status != domain.ProjectRunning {
		return rejected(RejectInvalidStatus, fmt.Sprintf("cannot pause a project in status %s", p.Status))
	}
	p.Status = domain.ProjectPaused
	return domain.InterventionResult{Accepted: true, Detail: "execution paused; in-flight steps run to completion"}
}

func (o *Orchestrator) applyResume(p *domain.Project) domain.InterventionResult {
	if p.Status != domain.ProjectPaused {
		return rejected(RejectInvalidStatus, fmt.Sprintf("cannot resume a project in status %s", p.Status))
	}
	p.Status = domain.ProjectRunning
	p.Status = deriveProjectStatus(p)
	return domain.InterventionResult{Accepted: true}
}

func (o *Orchestrator) applyApprovePlan(p *domain.Project) domain.InterventionResult {
	if p.Status != domain.ProjectPendingPlanApproval {
		return rejected(RejectInvalidStatus, fmt.Sprintf("cannot approve a plan for a project in status %s", p.Status))
	}
	if len(p.Steps) == 0 {
		return rejected(RejectEmptyPlan, "project has no plan to approve")
	}
	p.Status = domain.ProjectRunning
	return domain.InterventionResult{Accepted: true, Detail: fmt.Sprintf("plan of %d steps approved", len(p.Steps))}
}

// applyFeedback appends a user-feedback-incorporation step gated on every
// step already in the plan, so it only becomes ready once the current work
// has settled.
func (o *Orchestrator) applyFeedback(p *domain.Project, payload map[string]any) domain.InterventionResult {
	if p.Status != domain.ProjectRunning && p.Status != domain.ProjectPaused {
		return rejected(RejectInvalidStatus, fmt.Sprintf("cannot take feedback for a project in status %s", p.Status))
	}
	feedback, _ := payload["feedback"].(string)
	if strings.TrimSpace(feedback) == "" {
		return rejected(RejectMissingFeedback, "feedback text is required")
	}
	deps := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		deps = append(deps, s.ID)
	}
	step := domain.Step{
		ID:          nextStepID(p),
		Name:        "Incorporate user feedback",
		Description: feedback,
		Category:    domain.CategoryUserFeedback,
		DependsOn:   deps,
		Status:      domain.StepPending,
		Complexity:  domain.ComplexityMedium,
		Params:      map[string]any{"feedback": feedback},
		CreatedAt:   o.nowRFC3339(),
	}
	p.Steps = append(p.Steps, step)
	p.Status = deriveProjectStatus(p)
	return domain.InterventionResult{Accepted: true, Detail: fmt.Sprintf("feedback queued as %s", step.ID)}
}

func rejected(code, detail string) domain.InterventionResult {
	return domain.InterventionResult{Accepted: false, Code: code, Detail: detail, Error: detail}
}

func nextStepID(p *domain.Project) string {
	taken := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		taken[s.ID] = struct{}{}
	}
	for n := len(p.Steps) + 1; ; n++ {
		id := fmt.Sprintf("step-%d", n)
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}
