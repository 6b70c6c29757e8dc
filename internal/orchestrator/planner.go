package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"conductor/internal/collab"
	"conductor/internal/domain"
	"conductor/internal/policy"
)

const plannerSystemPrompt = `You are the planning module of a project orchestrator.
Decompose the user's goal into an ordered list of executable steps and answer
with a single JSON object, no prose, of the form:

{"steps": [{"id": "step-1", "name": "...", "description": "...",
            "category": "...", "complexity": "low|medium|high",
            "depends_on": ["step-..."]}]}

Dependencies may only reference steps that appear earlier in the list.`

type plannedStep struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Complexity  string         `json:"complexity"`
	DependsOn   []string       `json:"depends_on"`
	Params      map[string]any `json:"params,omitempty"`
}

type plannedResponse struct {
	Steps []plannedStep `json:"steps"`
}

// GeneratePlan asks the inference collaborator to decompose the goal and
// installs the decoded plan in status pending_plan_approval. A project that
// already awaits approval may regenerate; the new plan replaces the old.
// Malformed planner output never produces a partial plan: the raw text is
// logged and the project stays where it was.
func (o *Orchestrator) GeneratePlan(ctx context.Context, projectID string) ([]domain.Step, error) {
	unlock := o.lock(projectID)
	defer unlock()

	store, p, err := o.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProjectInitializing && p.Status != domain.ProjectPendingPlanApproval {
		return nil, &domain.InvalidInputError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot generate a plan for a project in status %s", p.Status),
		}
	}

	prompt := planPrompt(p.Goal, o.Config.Planner.MinSteps, o.Config.Planner.MaxSteps)
	signals := policy.Signals{
		Complexity:    goalComplexity(p.Goal),
		ContextTokens: estimateTokens(plannerSystemPrompt + prompt),
	}
	selection := o.Policy.Choose(domain.CategoryPlanning, signals)
	if _, err := store.Append(ctx, domain.LogEntry{
		Action:  "model_selection_made",
		Params:  map[string]any{"category": string(domain.CategoryPlanning)},
		Outputs: map[string]any{"backend_id": selection.BackendID, "rationale": selection.Rationale},
	}); err != nil {
		return nil, err
	}

	result, genErr := o.Inference.Generate(ctx, collab.GenerateRequest{
		BackendID: selection.BackendID,
		System:    plannerSystemPrompt,
		Prompt:    prompt,
	})
	if genErr != nil {
		planErr := &domain.PlanGenerationError{ProjectID: p.ID, Reason: "inference call failed", Err: genErr}
		if _, err := store.Append(ctx, domain.LogEntry{
			Action:  "plan_rejected",
			IsError: true,
			Outputs: map[string]any{"error": genErr.Error()},
		}); err != nil {
			return nil, err
		}
		return nil, planErr
	}

	steps, decodeErr := o.decodePlan(result.Text)
	if decodeErr != nil {
		planErr := &domain.PlanGenerationError{ProjectID: p.ID, Reason: decodeErr.Error()}
		if _, err := store.Append(ctx, domain.LogEntry{
			Action:   "plan_rejected",
			IsError:  true,
			Thoughts: result.Text,
			Outputs:  map[string]any{"error": decodeErr.Error()},
		}); err != nil {
			return nil, err
		}
		o.Logger.Warnf("project %s: discarded malformed plan: %v", p.ID, decodeErr)
		return nil, planErr
	}

	p.Steps = steps
	p.Status = domain.ProjectPendingPlanApproval
	p.ActiveStepID = ""
	entry := domain.LogEntry{
		Action:       "plan_generated",
		Outputs:      map[string]any{"step_count": len(steps), "backend_id": selection.BackendID},
		StatusUpdate: string(p.Status),
	}
	if err := o.saveProject(ctx, store, p, entry); err != nil {
		return nil, err
	}
	o.Logger.Infof("project %s: plan of %d steps awaiting approval", p.ID, len(steps))
	return steps, nil
}

func planPrompt(goal string, minSteps, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "Produce between %d and %d steps.\n", minSteps, maxSteps)
	b.WriteString("Allowed categories:\n")
	for _, c := range domain.TaskCategories() {
		fmt.Fprintf(&b, "  - %s\n", c)
	}
	return b.String()
}

// decodePlan parses and validates planner output. It tolerates code fences
// and surrounding prose but nothing structural: step count must be within
// the configured bounds, categories must be known, and dependencies may
// only point at earlier steps.
func (o *Orchestrator) decodePlan(raw string) ([]domain.Step, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var resp plannedResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	minSteps, maxSteps := o.Config.Planner.MinSteps, o.Config.Planner.MaxSteps
	if len(resp.Steps) < minSteps || len(resp.Steps) > maxSteps {
		return nil, fmt.Errorf("plan has %d steps, want between %d and %d", len(resp.Steps), minSteps, maxSteps)
	}

	now := o.nowRFC3339()
	steps := make([]domain.Step, 0, len(resp.Steps))
	seen := make(map[string]int, len(resp.Steps))
	for i, ps := range resp.Steps {
		id := strings.TrimSpace(ps.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		if strings.TrimSpace(ps.Name) == "" {
			return nil, fmt.Errorf("step %q has no name", id)
		}
		category, err := domain.ParseTaskCategory(ps.Category)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", id, err)
		}
		complexity, err := domain.ParseComplexity(ps.Complexity)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", id, err)
		}
		deps := make([]string, 0, len(ps.DependsOn))
		depSeen := make(map[string]struct{}, len(ps.DependsOn))
		for _, dep := range ps.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == id {
				return nil, fmt.Errorf("step %q depends on itself", id)
			}
			if _, ok := seen[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on %q, which is not an earlier step", id, dep)
			}
			if _, ok := depSeen[dep]; ok {
				continue
			}
			depSeen[dep] = struct{}{}
			deps = append(deps, dep)
		}
		seen[id] = i
		steps = append(steps, domain.Step{
			ID:          id,
			Name:        strings.TrimSpace(ps.Name),
			Description: strings.TrimSpace(ps.Description),
			Category:    category,
			DependsOn:   deps,
			Status:      domain.StepPending,
			Complexity:  complexity,
			Params:      ps.Params,
			CreatedAt:   now,
		})
	}
	return steps, nil
}

// extractJSON pulls the outermost JSON object out of model output that may
// wrap it in markdown fences or commentary.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in planner output")
	}
	return s[start : end+1], nil
}

func goalComplexity(goal string) domain.Complexity {
	switch {
	case len(goal) > 240:
		return domain.ComplexityHigh
	case len(goal) > 80:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityLow
	}
}

// estimateTokens is a coarse chars-per-token heuristic, good enough for
// routing decisions.
func estimateTokens(s string) int {
	return len(s) / 4
}

// SimulatedInference is the offline inference backend used when the
// configuration enables simulate mode. Planner calls get a deterministic,
// well-formed plan; execution calls get a canned narration. It exists so
// the whole lifecycle can run without any model endpoint.
type SimulatedInference struct {
	PlanSteps int
}

var simulatedPlanTemplate = []struct {
	name     string
	category domain.TaskCategory
}{
	{"Clarify requirements", domain.CategoryProjectUnderstanding},
	{"Gather background context", domain.CategoryResearch},
	{"Draft the implementation", domain.CategoryCodeGeneration},
	{"Review and verify the draft", domain.CategoryCodeAnalysis},
	{"Package and summarize deliverables", domain.CategoryFinalPackaging},
	{"Reconcile intermediate data", domain.CategoryDataManipulation},
	{"Organize working files", domain.CategoryFileManipulation},
	{"Sync external systems", domain.CategoryExternalTool},
	{"Tune runtime settings", domain.CategorySystemManagement},
	{"Debug outstanding issues", domain.CategoryDebugging},
}

func (s *SimulatedInference) Generate(_ context.Context, req collab.GenerateRequest) (collab.GenerateResult, error) {
	if req.System == plannerSystemPrompt {
		return collab.GenerateResult{Text: s.simulatedPlan(), FinishReason: "stop"}, nil
	}
	prompt := req.Prompt
	if len(prompt) > 120 {
		prompt = prompt[:120] + "..."
	}
	text := fmt.Sprintf("Simulated %s response.\nTask acknowledged: %s", req.BackendID, prompt)
	return collab.GenerateResult{Text: text, FinishReason: "stop"}, nil
}

func (s *SimulatedInference) simulatedPlan() string {
	n := s.PlanSteps
	if n <= 0 {
		n = 5
	}
	steps := make([]plannedStep, 0, n)
	for i := 0; i < n; i++ {
		tpl := simulatedPlanTemplate[i%len(simulatedPlanTemplate)]
		name := tpl.name
		if i >= len(simulatedPlanTemplate) {
			name = fmt.Sprintf("%s (round %d)", tpl.name, i/len(simulatedPlanTemplate)+1)
		}
		ps := plannedStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			Name:        name,
			Description: name,
			Category:    string(tpl.category),
			Complexity:  string(domain.ComplexityMedium),
		}
		if i > 0 {
			ps.DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		steps = append(steps, ps)
	}
	out, _ := json.Marshal(plannedResponse{Steps: steps})
	return string(out)
}
