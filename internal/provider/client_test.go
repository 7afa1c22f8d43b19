package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(primary, fallback ChatProvider) *Client {
	return NewClient(ClientConfig{
		Primary:  primary,
		Fallback: fallback,
		Timeout:  time.Second,
		Retries:  2,
		Logger:   zap.NewNop(),
	})
}

func TestChat_SuccessFirstTry(t *testing.T) {
	primary := NewScriptedProvider("p", &ChatResponse{Text: "hi", StopReason: StopEnd})
	c := newTestClient(primary, nil)

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if resp.Text != "hi" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if len(primary.Calls()) != 1 {
		t.Errorf("expected 1 call, got %d", len(primary.Calls()))
	}
}

func TestChat_RetriesRetryableFailures(t *testing.T) {
	primary := NewScriptedProvider("p",
		nil,
		nil,
		&ChatResponse{Text: "third time", StopReason: StopEnd},
	).FailWith(
		&Error{Provider: "p", Retryable: true, Err: errors.New("overloaded")},
		&Error{Provider: "p", Retryable: true, Err: errors.New("overloaded")},
		nil,
	)
	c := newTestClient(primary, nil)

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat failed after retries: %v", err)
	}
	if resp.Text != "third time" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if got := len(primary.Calls()); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestChat_NonRetryableShortCircuits(t *testing.T) {
	primary := NewScriptedProvider("p").FailWith(
		&Error{Provider: "p", Retryable: false, Err: errors.New("bad request")},
	)
	c := newTestClient(primary, nil)

	_, err := c.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(primary.Calls()); got != 1 {
		t.Errorf("non-retryable failure must not be retried, got %d attempts", got)
	}
}

func TestChat_FallbackAfterPrimaryExhausted(t *testing.T) {
	primary := NewScriptedProvider("p").FailWith(
		&Error{Provider: "p", Retryable: true, Err: errors.New("down")},
		&Error{Provider: "p", Retryable: true, Err: errors.New("down")},
		&Error{Provider: "p", Retryable: true, Err: errors.New("down")},
	)
	fallback := NewScriptedProvider("f", &ChatResponse{Text: "rescued", StopReason: StopEnd})
	c := newTestClient(primary, fallback)

	resp, err := c.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("fallback should have rescued the call: %v", err)
	}
	if resp.Text != "rescued" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if got := len(primary.Calls()); got != 3 {
		t.Errorf("primary should see retries+1 attempts, got %d", got)
	}
	if got := len(fallback.Calls()); got != 1 {
		t.Errorf("fallback gets exactly one attempt, got %d", got)
	}
}

func TestChat_FallbackFailureSurfaces(t *testing.T) {
	primary := NewScriptedProvider("p").FailWith(
		&Error{Provider: "p", Retryable: false, Err: errors.New("down")},
	)
	fallback := NewScriptedProvider("f").FailWith(
		&Error{Provider: "f", Retryable: false, Err: errors.New("also down")},
	)
	c := newTestClient(primary, fallback)

	_, err := c.Chat(context.Background(), &ChatRequest{Model: "m"})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Provider != "f" {
		t.Errorf("the fallback error should surface, got provider %q", perr.Provider)
	}
}

func TestChat_ContextCancelStopsRetries(t *testing.T) {
	primary := NewScriptedProvider("p").FailWith(
		&Error{Provider: "p", Retryable: true, Err: errors.New("down")},
		&Error{Provider: "p", Retryable: true, Err: errors.New("down")},
	)
	c := newTestClient(primary, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Chat(ctx, &ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(primary.Calls()); got > 1 {
		t.Errorf("cancelled context must stop the retry loop, got %d attempts", got)
	}
}

func TestScriptedProvider_PastScriptReturnsEmptyFinal(t *testing.T) {
	p := NewScriptedProvider("p", &ChatResponse{Text: "only one"})
	ctx := context.Background()
	if _, err := p.Chat(ctx, &ChatRequest{}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	resp, err := p.Chat(ctx, &ChatRequest{})
	if err != nil {
		t.Fatalf("past-script call failed: %v", err)
	}
	if resp.Text != "" || resp.StopReason != StopEnd {
		t.Errorf("past-script response should be an empty final, got %+v", resp)
	}
}

func TestUsage_Units(t *testing.T) {
	u := Usage{InputTokens: 1200, OutputTokens: 300}
	if got := u.Units(); got != 1500 {
		t.Errorf("expected 1500 units, got %d", got)
	}
}
