package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conductor/internal/auditlog"
	"conductor/internal/collab"
	"conductor/internal/domain"
	"conductor/internal/policy"
)

const (
	codeSystemPrompt = `You are the engineering module of a project orchestrator.
Carry out the coding task described by the step. Answer with the produced
artifacts and a short summary of what was done.`

	researchSystemPrompt = `You are the research module of a project orchestrator.
Use the provided context snippets where they are relevant and answer the
step's question thoroughly.`

	feedbackSystemPrompt = `You are the feedback module of a project orchestrator.
Revise the project's outcome according to the user's feedback.`

	executorSystemPrompt = `You are the execution module of a project orchestrator.
Carry out the step described below and report the result.`
)

// ExecuteStep runs one step end to end: claim it, invoke the model with
// retry, and record the outcome. The project lock is held only while
// claiming and finalizing, so interventions can land while inference is in
// flight. A step with any dependency not yet completed is marked skipped
// and returned as a skip result, never an error; inference is not invoked.
func (o *Orchestrator) ExecuteStep(ctx context.Context, projectID, stepID string) (domain.StepResult, error) {
	store, step, err := o.claimStep(ctx, projectID, stepID)
	if err != nil {
		return domain.StepResult{}, err
	}
	if step.Status == domain.StepSkipped {
		return domain.StepResult{StepID: stepID, Status: domain.StepSkipped, Detail: step.ErrorDetail}, nil
	}

	inv, invErr := o.invokeStep(ctx, store, step)
	return o.finalizeStep(ctx, store, projectID, stepID, inv, invErr)
}

// claimStep validates and transitions the step to running under the
// project lock. When any dependency is not completed, the step is marked
// skipped instead and returned with that status.
func (o *Orchestrator) claimStep(ctx context.Context, projectID, stepID string) (*auditlog.Store, domain.Step, error) {
	unlock := o.lock(projectID)
	defer unlock()

	store, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		return nil, domain.Step{}, err
	}
	if p.Status != domain.ProjectRunning {
		return nil, domain.Step{}, &domain.InvalidInputError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot execute steps while the project is %s", p.Status),
		}
	}
	step := p.Step(stepID)
	if step == nil {
		return nil, domain.Step{}, &domain.InvalidInputError{Field: "step_id", Reason: fmt.Sprintf("unknown step %q", stepID)}
	}
	if step.Status != domain.StepPending {
		return nil, domain.Step{}, &domain.InvalidInputError{
			Field:  "step_id",
			Reason: fmt.Sprintf("step %s is %s, only pending steps can start", stepID, step.Status),
		}
	}

	var unmet []string
	for _, dep := range step.DependsOn {
		ds := p.Step(dep)
		if ds == nil {
			return nil, domain.Step{}, fmt.Errorf("step %s depends on %q, which is not in the plan", stepID, dep)
		}
		if ds.Status != domain.StepCompleted {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		if err := domain.ValidateStepTransition(step.Status, domain.StepSkipped); err != nil {
			return nil, domain.Step{}, err
		}
		depErr := &domain.DependencyNotMetError{StepID: stepID, Missing: unmet}
		step.Status = domain.StepSkipped
		step.ErrorDetail = depErr.Error()
		now := o.nowRFC3339()
		step.CompletedAt = &now
		p.Status = deriveProjectStatus(p)
		entry := domain.LogEntry{
			StepID:   stepID,
			StepName: step.Name,
			Action:   "step_skipped",
			Params:   map[string]any{"unmet_dependencies": unmet},
		}
		if err := o.saveProject(ctx, store, p, entry); err != nil {
			return nil, domain.Step{}, err
		}
		o.Logger.Infof("project %s: step %s skipped, unmet deps %v", p.ID, stepID, unmet)
		return store, *step, nil
	}

	if err := domain.ValidateStepTransition(step.Status, domain.StepRunning); err != nil {
		return nil, domain.Step{}, err
	}
	step.Status = domain.StepRunning
	now := o.nowRFC3339()
	step.StartedAt = &now
	p.ActiveStepID = stepID
	entry := domain.LogEntry{
		StepID:   stepID,
		StepName: step.Name,
		Action:   "step_started",
		Params:   map[string]any{"category": string(step.Category), "complexity": string(step.Complexity)},
	}
	if err := o.saveProject(ctx, store, p, entry); err != nil {
		return nil, domain.Step{}, err
	}
	o.Logger.Infof("project %s: step %s (%s) started", p.ID, stepID, step.Category)

	depOutputs := make(map[string]map[string]any)
	for _, dep := range step.DependsOn {
		if ds := p.Step(dep); ds != nil && len(ds.Outputs) > 0 {
			depOutputs[dep] = ds.Outputs
		}
	}
	snapshot := *step
	snapshot.Params = withDepContext(snapshot.Params, depOutputs)
	return store, snapshot, nil
}

func withDepContext(params map[string]any, depOutputs map[string]map[string]any) map[string]any {
	if len(depOutputs) == 0 {
		return params
	}
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["dependency_outputs"] = depOutputs
	return merged
}

type invocation struct {
	text      string
	backendID string
	retries   int
	extra     map[string]any
}

// invokeStep runs the category-specific handler without holding the
// project lock.
func (o *Orchestrator) invokeStep(ctx context.Context, store *auditlog.Store, step domain.Step) (invocation, error) {
	system, prompt, extra, err := o.buildStepRequest(ctx, store, step)
	if err != nil {
		return invocation{}, err
	}
	inv, err := o.invokeWithRetry(ctx, store, step, system, prompt)
	inv.extra = extra
	return inv, err
}

// buildStepRequest dispatches on the task category. Every category maps to
// one of four handler families; an unknown category is a hard error rather
// than a silent fallthrough.
func (o *Orchestrator) buildStepRequest(ctx context.Context, store *auditlog.Store, step domain.Step) (system, prompt string, extra map[string]any, err error) {
	switch step.Category {
	case domain.CategoryCodeGeneration, domain.CategoryDebugging, domain.CategoryCodeAnalysis:
		return codeSystemPrompt, stepPrompt(step, ""), nil, nil
	case domain.CategoryResearch, domain.CategoryProjectUnderstanding:
		return o.buildResearchRequest(ctx, store, step)
	case domain.CategoryUserFeedback:
		return feedbackSystemPrompt, stepPrompt(step, ""), nil, nil
	case domain.CategoryPlanning, domain.CategoryDataManipulation, domain.CategoryFileManipulation,
		domain.CategoryExternalTool, domain.CategorySystemManagement, domain.CategoryFinalPackaging:
		return executorSystemPrompt, stepPrompt(step, ""), nil, nil
	default:
		return "", "", nil, fmt.Errorf("no handler for task category %q", step.Category)
	}
}

// buildResearchRequest consults project memory before the model call. A
// failed search degrades to an uncontextualized prompt instead of failing
// the step.
func (o *Orchestrator) buildResearchRequest(ctx context.Context, store *auditlog.Store, step domain.Step) (string, string, map[string]any, error) {
	query := step.Name
	if step.Description != "" {
		query += ": " + step.Description
	}
	results, err := o.Retrieval.Search(ctx, store.ProjectID, query, o.Config.Retrieval.TopK)
	entry := domain.LogEntry{
		StepID: step.ID,
		Action: "memory_searched",
		Params: map[string]any{"query": query, "top_k": o.Config.Retrieval.TopK},
	}
	if err != nil {
		entry.IsError = true
		entry.Outputs = map[string]any{"error": err.Error()}
		o.Logger.Warnf("step %s: memory search failed: %v", step.ID, err)
	} else {
		entry.Outputs = map[string]any{"result_count": len(results)}
	}
	if _, aerr := store.Append(ctx, entry); aerr != nil {
		return "", "", nil, aerr
	}

	var context strings.Builder
	for i, r := range results {
		fmt.Fprintf(&context, "[%d] %s\n", i+1, r.Content)
	}
	extra := map[string]any{"context_snippets": len(results)}
	return researchSystemPrompt, stepPrompt(step, context.String()), extra, nil
}

func stepPrompt(step domain.Step, contextBlock string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", step.Name)
	if step.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", step.Description)
	}
	if len(step.Params) > 0 {
		if raw, err := json.Marshal(step.Params); err == nil {
			fmt.Fprintf(&b, "Parameters: %s\n", raw)
		}
	}
	if contextBlock != "" {
		fmt.Fprintf(&b, "\nContext from project memory:\n%s", contextBlock)
	}
	return b.String()
}

// invokeWithRetry drives the model call, re-selecting the backend before
// every attempt so escalation kicks in on retries. Only retryable backend
// failures are retried.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, store *auditlog.Store, step domain.Step, system, prompt string) (invocation, error) {
	maxRetries := o.Config.Execution.MaxRetries
	tokens := estimateTokens(system + prompt)
	if v, ok := step.Params["context_tokens"].(float64); ok && int(v) > tokens {
		tokens = int(v)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		signals := policy.Signals{
			Complexity:    step.Complexity,
			Multimodal:    multimodalStep(step),
			ContextTokens: tokens,
			RetryCount:    step.RetryCount + attempt,
		}
		selection := o.Policy.Choose(step.Category, signals)
		if _, err := store.Append(ctx, domain.LogEntry{
			StepID:  step.ID,
			Action:  "model_selection_made",
			Params:  map[string]any{"category": string(step.Category), "attempt": attempt + 1},
			Outputs: map[string]any{"backend_id": selection.BackendID, "rationale": selection.Rationale},
		}); err != nil {
			return invocation{}, err
		}

		result, genErr := o.Inference.Generate(ctx, collab.GenerateRequest{
			BackendID: selection.BackendID,
			System:    system,
			Prompt:    prompt,
		})
		if genErr == nil {
			return invocation{text: result.Text, backendID: selection.BackendID, retries: attempt}, nil
		}
		lastErr = genErr
		if !collab.Retryable(genErr) {
			return invocation{retries: attempt}, genErr
		}
		if attempt >= maxRetries {
			return invocation{retries: attempt}, fmt.Errorf("gave up after %d attempts: %w", attempt+1, lastErr)
		}
		if _, err := store.Append(ctx, domain.LogEntry{
			StepID:  step.ID,
			Action:  "step_retried",
			IsError: true,
			Params:  map[string]any{"attempt": attempt + 1, "backend_id": selection.BackendID},
			Outputs: map[string]any{"error": genErr.Error()},
		}); err != nil {
			return invocation{}, err
		}
		o.Logger.Warnf("step %s: attempt %d failed on %s, retrying: %v", step.ID, attempt+1, selection.BackendID, genErr)
	}
}

func multimodalStep(step domain.Step) bool {
	if v, ok := step.Params["multimodal"].(bool); ok && v {
		return true
	}
	for _, key := range []string{"images", "attachments"} {
		if v, ok := step.Params[key]; ok {
			switch vv := v.(type) {
			case []any:
				if len(vv) > 0 {
					return true
				}
			case string:
				if vv != "" {
					return true
				}
			}
		}
	}
	return false
}

// finalizeStep reacquires the lock, reloads the project, and records the
// outcome. The reload matters: interventions may have changed the project
// while inference ran.
func (o *Orchestrator) finalizeStep(ctx context.Context, store *auditlog.Store, projectID, stepID string, inv invocation, invErr error) (domain.StepResult, error) {
	unlock := o.lock(projectID)
	defer unlock()

	p, err := projectFromStore(ctx, store, projectID)
	if err != nil {
		return domain.StepResult{}, err
	}
	step := p.Step(stepID)
	if step == nil {
		return domain.StepResult{}, &domain.StepExecutionError{
			ProjectID: projectID, StepID: stepID,
			Err: errors.New("step vanished from the plan while running"),
		}
	}
	step.RetryCount += inv.retries
	now := o.nowRFC3339()
	step.CompletedAt = &now
	if p.ActiveStepID == stepID {
		p.ActiveStepID = ""
	}

	if invErr != nil {
		if terr := domain.ValidateStepTransition(step.Status, domain.StepFailed); terr != nil {
			return domain.StepResult{}, terr
		}
		step.Status = domain.StepFailed
		step.ErrorDetail = invErr.Error()
		p.Status = deriveProjectStatus(p)
		entry := domain.LogEntry{
			StepID:   stepID,
			StepName: step.Name,
			Action:   "step_failed",
			IsError:  true,
			Params:   map[string]any{"retry_count": step.RetryCount},
			Outputs:  map[string]any{"error": step.ErrorDetail},
		}
		if err := o.saveProject(ctx, store, p, entry); err != nil {
			return domain.StepResult{}, err
		}
		o.Logger.Errorf("project %s: step %s failed: %v", p.ID, stepID, invErr)
		return domain.StepResult{StepID: stepID, Status: domain.StepFailed, Detail: step.ErrorDetail},
			&domain.StepExecutionError{ProjectID: projectID, StepID: stepID, Err: invErr}
	}

	if terr := domain.ValidateStepTransition(step.Status, domain.StepCompleted); terr != nil {
		return domain.StepResult{}, terr
	}
	step.Status = domain.StepCompleted
	step.ErrorDetail = ""
	outputs := map[string]any{"response": inv.text, "backend_id": inv.backendID}
	for k, v := range inv.extra {
		outputs[k] = v
	}
	step.Outputs = outputs
	p.Status = deriveProjectStatus(p)
	entry := domain.LogEntry{
		StepID:   stepID,
		StepName: step.Name,
		Action:   "step_completed",
		Outputs:  outputs,
	}
	if err := o.saveProject(ctx, store, p, entry); err != nil {
		return domain.StepResult{}, err
	}
	o.Logger.Infof("project %s: step %s completed on %s", p.ID, stepID, inv.backendID)

	o.ingestStepResult(ctx, store, *step, inv.text)
	return domain.StepResult{StepID: stepID, Status: domain.StepCompleted, Outputs: outputs}, nil
}

// ingestStepResult feeds a completed step's result back into project
// memory. Failures are logged, never propagated.
func (o *Orchestrator) ingestStepResult(ctx context.Context, store *auditlog.Store, step domain.Step, text string) {
	if !o.Config.Execution.IngestResults || strings.TrimSpace(text) == "" {
		return
	}
	content := fmt.Sprintf("Result of step %s (%s): %s", step.ID, step.Name, text)
	meta := map[string]any{"step_id": step.ID, "category": string(step.Category)}
	ingestErr := o.Retrieval.Ingest(ctx, store.ProjectID, content, meta)
	entry := domain.LogEntry{
		StepID: step.ID,
		Action: "memory_ingested",
		Params: map[string]any{"content_bytes": len(content)},
	}
	if ingestErr != nil {
		entry.IsError = true
		entry.Outputs = map[string]any{"error": ingestErr.Error()}
		o.Logger.Warnf("step %s: result ingestion failed: %v", step.ID, ingestErr)
	}
	if _, err := store.Append(ctx, entry); err != nil {
		o.Logger.Errorf("step %s: could not log ingestion: %v", step.ID, err)
	}
}

// RunProject executes ready steps one after another until the project
// leaves the running status or no step is ready. Step failures are
// recorded and the run continues with whatever is still executable.
func (o *Orchestrator) RunProject(ctx context.Context, projectID string) (domain.RunReport, error) {
	report := domain.RunReport{ProjectID: projectID}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stepID, status, err := o.nextReadyStep(ctx, projectID)
		if err != nil {
			return report, err
		}
		report.Status = status
		if stepID == "" {
			return report, nil
		}
		result, err := o.ExecuteStep(ctx, projectID, stepID)
		var stepErr *domain.StepExecutionError
		switch {
		case err == nil:
			report.Executed = append(report.Executed, result)
		case errors.As(err, &stepErr):
			report.Executed = append(report.Executed, domain.StepResult{
				StepID: stepID,
				Status: domain.StepFailed,
				Detail: stepErr.Error(),
			})
		default:
			return report, err
		}
	}
}

// nextReadyStep picks the first pending step whose dependencies are all
// settled. It returns "" when nothing is executable right now, along with
// the current derived status.
func (o *Orchestrator) nextReadyStep(ctx context.Context, projectID string) (string, domain.ProjectStatus, error) {
	unlock := o.lock(projectID)
	defer unlock()

	_, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		return "", "", err
	}
	status := deriveProjectStatus(p)
	if status == domain.ProjectInitializing || status == domain.ProjectPendingPlanApproval {
		return "", "", &domain.InvalidInputError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot run a project in status %s", status),
		}
	}
	if status != domain.ProjectRunning {
		return "", status, nil
	}
	for _, s := range p.Steps {
		if s.Status != domain.StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			ds := p.Step(dep)
			if ds == nil || !ds.Status.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			return s.ID, status, nil
		}
	}
	return "", status, nil
}
