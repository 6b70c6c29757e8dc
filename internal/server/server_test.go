package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"conductor/internal/auditlog"
	"conductor/internal/collab"
	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/log"
	"conductor/internal/orchestrator"
	"conductor/internal/policy"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	fake   *collab.FakeInference
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Planner.MinSteps = 1
	cfg.Planner.MaxSteps = 20
	cfg.Execution.IngestResults = false

	fake := collab.NewFakeInference()
	mem := collab.NewMemoryRetrieval()
	pol := policy.New(cfg.Backends.Default, cfg.Backends.Advanced, cfg.Backends.LargeContextTokens)
	orch := orchestrator.New(auditlog.NewManager(t.TempDir()), fake, mem, pol, cfg, log.Silent())

	handler, err := New(Config{
		Orchestrator: orch,
		BasePath:     "/v1",
		Auth: AuthConfig{
			JWTSecret:       testJWTSecret,
			AllowUserHeader: true,
			Logger:          log.Silent(),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		fake:   fake,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env
}

func createProject(t *testing.T, srv *testServer, goal string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects",
		map[string]any{"goal": goal}, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, data)
	}
	var created ProjectCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	if created.ProjectID == "" {
		t.Fatal("empty project id")
	}
	return created.ProjectID
}

func serverPlanJSON(steps ...map[string]any) string {
	raw, err := json.Marshal(map[string]any{"steps": steps})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func chainStep(id, name string, deps ...string) map[string]any {
	m := map[string]any{"id": id, "name": name, "category": "data-manipulation"}
	if len(deps) > 0 {
		m["depends_on"] = deps
	}
	return m
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	env := decodeEnvelope(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestJWTAuthAccepted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	claims := jwt.MapClaims{
		"sub": "svc-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects",
		map[string]any{"goal": "jwt project"}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401", badRes.StatusCode)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createProject(t, srv, "ship the demo")

	srv.fake.Enqueue(serverPlanJSON(
		chainStep("step-1", "Prepare"),
		chainStep("step-2", "Deliver", "step-1"),
	))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/plan", nil, asUser("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(plan.Steps) != 2 || plan.Status != domain.ProjectPendingPlanApproval {
		t.Fatalf("plan = %+v", plan)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/interventions",
		map[string]any{"command": "approve_plan"}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	var intervention domain.InterventionResult
	if err := json.Unmarshal(data, &intervention); err != nil {
		t.Fatalf("unmarshal intervention: %v", err)
	}
	if !intervention.Accepted || intervention.Status != domain.ProjectRunning {
		t.Fatalf("intervention = %+v", intervention)
	}

	srv.fake.Enqueue("prepared")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/steps/step-1/execute", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, data)
	}
	var result domain.StepResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != domain.StepCompleted {
		t.Fatalf("result = %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+id+"/status", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint %d: %s", res.StatusCode, data)
	}
	var report domain.ProjectStatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Status != domain.ProjectRunning || report.PctComplete != 50 {
		t.Fatalf("report = %+v", report)
	}

	srv.fake.Enqueue("delivered")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/run", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	var run domain.RunReport
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run report: %v", err)
	}
	if run.Status != domain.ProjectCompleted || len(run.Executed) != 1 {
		t.Fatalf("run = %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+id+"/summary?recent=5", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, data)
	}
	var summary domain.StatusSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Goal != "ship the demo" || summary.OverallStatus != domain.ProjectCompleted {
		t.Fatalf("summary = %+v", summary)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+id+"/log?asc=true", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, data)
	}
	var logResp LogResponse
	if err := json.Unmarshal(data, &logResp); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if len(logResp.Entries) == 0 || logResp.Entries[0].Action != "goal_received" {
		t.Fatalf("log = %+v", logResp.Entries)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/nope/status", nil, asUser("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status %d: %s", res.StatusCode, data)
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects",
		map[string]any{"goal": "  "}, asUser("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty goal status %d: %s", res.StatusCode, data)
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "bad_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	id := createProject(t, srv, "to block")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/steps/step-1/execute", nil, asUser("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("execute before approval status %d: %s", res.StatusCode, data)
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "bad_request" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

// Executing a step ahead of its dependencies is a handled outcome, not an
// HTTP error: the step comes back skipped.
func TestExecuteBeforeDependenciesReturnsSkip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	id := createProject(t, srv, "ordered work")
	srv.fake.Enqueue(serverPlanJSON(
		chainStep("step-1", "First"),
		chainStep("step-2", "Second", "step-1"),
	))
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/plan", nil, asUser("tester")); res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/interventions",
		map[string]any{"command": "approve_plan"}, asUser("tester")); res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/steps/step-2/execute", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("early execute status %d: %s", res.StatusCode, data)
	}
	var result domain.StepResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Status != domain.StepSkipped {
		t.Fatalf("status = %s, want skipped", result.Status)
	}
	if !strings.Contains(result.Detail, "step-1") {
		t.Fatalf("detail %q does not name the unmet dependency", result.Detail)
	}
}

func TestRejectedInterventionReturnsOK(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createProject(t, srv, "pause me not")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+id+"/interventions",
		map[string]any{"command": "pause"}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var result domain.InterventionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Accepted {
		t.Fatal("pause accepted on an initializing project")
	}
	if result.Code != orchestrator.RejectInvalidStatus {
		t.Fatalf("code = %q", result.Code)
	}
}

func TestInterventionOnUnknownProjectIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/no-such-project/interventions",
		map[string]any{"command": "pause"}, asUser("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if env := decodeEnvelope(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", env.Error.Code)
	}
}

func TestFailedStepReturnsResultBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createProject(t, srv, "doomed run")

	srv.fake.Enqueue(serverPlanJSON(chainStep("step-1", "Doomed")))
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/plan", nil, asUser("tester")); res.StatusCode != http.StatusCreated {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/interventions",
		map[string]any{"command": "approve_plan"}, asUser("tester")); res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}

	srv.fake.EnqueueError(errString("model refused"))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/steps/step-1/execute", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var result domain.StepResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != domain.StepFailed || result.Detail == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createProject(t, srv, "remember things")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/memory/ingest",
		map[string]any{"content": "deploys happen on fridays"}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest status %d: %s", res.StatusCode, data)
	}
	var ack MemoryIngestResponse
	if err := json.Unmarshal(data, &ack); err != nil || !ack.Ingested {
		t.Fatalf("ack = %+v err = %v", ack, err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/memory/search",
		map[string]any{"query": "fridays deploys"}, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", res.StatusCode, data)
	}
	var found MemorySearchResponse
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(found.Results) != 1 {
		t.Fatalf("results = %+v", found.Results)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+id+"/memory/search",
		map[string]any{"query": " "}, asUser("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query status %d: %s", res.StatusCode, data)
	}
}

func TestOpenAPIServedUnderAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, asUser("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
	if oas["openapi"] == "" {
		t.Fatal("missing openapi version")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
