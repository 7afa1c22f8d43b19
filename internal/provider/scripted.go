package provider

import (
	"context"
	"sync"
)

// ScriptedProvider replays a fixed sequence of responses. Used in tests and
// for local development without model credentials.
type ScriptedProvider struct {
	name string

	mu        sync.Mutex
	responses []*ChatResponse
	errs      []error
	calls     []*ChatRequest
}

// NewScriptedProvider creates a provider that returns the given responses in
// order. A nil entry in errs means that call succeeds.
func NewScriptedProvider(name string, responses ...*ChatResponse) *ScriptedProvider {
	return &ScriptedProvider{name: name, responses: responses}
}

// FailWith queues errors aligned with the response sequence.
func (p *ScriptedProvider) FailWith(errs ...error) *ScriptedProvider {
	p.errs = errs
	return p
}

func (p *ScriptedProvider) Name() string {
	return p.name
}

func (p *ScriptedProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.calls)
	p.calls = append(p.calls, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	// Past the script: answer with an empty final response.
	return &ChatResponse{Text: "", StopReason: StopEnd, Model: p.name}, nil
}

// Calls returns the requests seen so far.
func (p *ScriptedProvider) Calls() []*ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ChatRequest, len(p.calls))
	copy(out, p.calls)
	return out
}
