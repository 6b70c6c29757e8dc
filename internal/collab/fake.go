package collab

import (
	"context"
	"fmt"
	"sync"
)

type fakeOutcome struct {
	result GenerateResult
	err    error
}

// FakeInference replays scripted outcomes in order and records every
// request. With an empty script it echoes the prompt, so happy-path tests
// work without setup.
type FakeInference struct {
	mu       sync.Mutex
	script   []fakeOutcome
	requests []GenerateRequest
}

func NewFakeInference() *FakeInference {
	return &FakeInference{}
}

func (f *FakeInference) Enqueue(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fakeOutcome{result: GenerateResult{Text: text, FinishReason: "stop"}})
}

func (f *FakeInference) EnqueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fakeOutcome{err: err})
}

func (f *FakeInference) Generate(_ context.Context, req GenerateRequest) (GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		return next.result, next.err
	}
	return GenerateResult{
		Text:         fmt.Sprintf("echo from %s: %s", req.BackendID, req.Prompt),
		FinishReason: "stop",
	}, nil
}

// Requests returns a copy of everything Generate has seen.
func (f *FakeInference) Requests() []GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GenerateRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// LastRequest returns the most recent request, if any.
func (f *FakeInference) LastRequest() (GenerateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return GenerateRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}
