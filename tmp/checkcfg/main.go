package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"conductor/internal/app"
	"conductor/internal/server"
)

// Boots the simulate-mode stack in-process and walks one project through
// create, plan and status over HTTP. Scratch harness, not a test.
func main() {
	rt, err := app.NewRuntime(app.Options{
		Workspace: "/tmp/conductor-check",
		LogLevel:  "warn",
		Simulate:  true,
	})
	if err != nil {
		panic(err)
	}
	defer rt.Close()

	h, err := server.New(server.Config{
		Orchestrator: rt.Orchestrator,
		BasePath:     "/v1",
		Auth:         server.AuthConfig{AllowUserHeader: true},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	created := call(ts.URL, http.MethodPost, "/v1/projects", map[string]any{
		"goal": "ship a smoke-test pipeline for the staging cluster",
	})
	projectID, _ := created["project_id"].(string)
	fmt.Printf("created project_id=%s status=%v\n", projectID, created["status"])

	plan := call(ts.URL, http.MethodPost, "/v1/projects/"+projectID+"/plan", nil)
	steps, _ := plan["steps"].([]any)
	fmt.Printf("plan status=%v steps=%d\n", plan["status"], len(steps))

	status := call(ts.URL, http.MethodGet, "/v1/projects/"+projectID+"/status", nil)
	fmt.Printf("status=%v pct_complete=%v\n", status["status"], status["pct_complete"])
}

func call(base, method, path string, body map[string]any) map[string]any {
	var payload *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, base+path, payload)
	if err != nil {
		panic(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "checker")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	if res.StatusCode >= 300 {
		panic(fmt.Sprintf("%s %s: status=%d resp=%v", method, path, res.StatusCode, out))
	}
	return out
}
