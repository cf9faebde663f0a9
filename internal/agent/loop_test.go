package agent

import (
	"context"
	"testing"

	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/service"
)

// fakeDriver returns canned responses in sequence, one per Chat call.
type fakeDriver struct {
	responses []*service.LLMResponse
	calls     int
}

func (f *fakeDriver) Chat(_ context.Context, _ string, _ []service.Message, _ []service.Tool) (*service.LLMResponse, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

// fakeTools echoes back a fixed result for any tool call.
type fakeTools struct{}

func (fakeTools) Tools(_ []model.SkillConfig) []service.Tool { return nil }

func (fakeTools) Call(_ context.Context, name string, _ map[string]any) (string, error) {
	return "result-for-" + name, nil
}

func TestLoop_FinishesWithoutToolCalls(t *testing.T) {
	driver := &fakeDriver{responses: []*service.LLMResponse{
		{Content: "hello there", Finished: true, Usage: service.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}}

	l := NewLoop(fakeTools{})
	result, err := l.Run(context.Background(), RunInput{
		SystemPrompt: "be nice",
		UserText:     "hi",
		Driver:       driver,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.OutputText != "hello there" {
		t.Errorf("expected output 'hello there', got %q", result.OutputText)
	}
	if len(result.Steps) != 0 {
		t.Errorf("expected no steps, got %d", len(result.Steps))
	}
	if result.RunUsage.TotalTokens != 7 {
		t.Errorf("expected total tokens 7, got %d", result.RunUsage.TotalTokens)
	}
	if driver.calls != 1 {
		t.Errorf("expected 1 chat call, got %d", driver.calls)
	}
}

func TestLoop_ExecutesToolCallThenFinishes(t *testing.T) {
	driver := &fakeDriver{responses: []*service.LLMResponse{
		{
			ToolCalls: []service.ToolCall{{ID: "call_1", Name: "lookup", Arguments: map[string]any{"q": "weather"}}},
			Usage:     service.Usage{TotalTokens: 3},
		},
		{Content: "it's sunny", Finished: true, Usage: service.Usage{TotalTokens: 4}},
	}}

	l := NewLoop(fakeTools{})
	result, err := l.Run(context.Background(), RunInput{Driver: driver})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.OutputText != "it's sunny" {
		t.Errorf("expected final answer, got %q", result.OutputText)
	}
	if driver.calls != 2 {
		t.Errorf("expected 2 chat calls, got %d", driver.calls)
	}

	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps (tool_call + tool_result), got %d", len(result.Steps))
	}
	if result.Steps[0].Type != StepToolCall || result.Steps[1].Type != StepToolResult {
		t.Errorf("expected tool_call followed by tool_result, got %v then %v", result.Steps[0].Type, result.Steps[1].Type)
	}
	if result.Steps[1].Result != "result-for-lookup" {
		t.Errorf("expected tool result content, got %q", result.Steps[1].Result)
	}
	if !result.Steps[1].Success {
		t.Error("expected tool result to be marked successful")
	}
	if result.RunUsage.TotalTokens != 7 {
		t.Errorf("expected aggregated usage of 7, got %d", result.RunUsage.TotalTokens)
	}
}

func TestLoop_StopsAtMaxIterations(t *testing.T) {
	// Every response keeps requesting another tool call; the loop must
	// still terminate once MaxIterations is reached.
	resp := &service.LLMResponse{
		ToolCalls: []service.ToolCall{{ID: "call_1", Name: "loop_forever"}},
	}
	driver := &fakeDriver{responses: []*service.LLMResponse{resp, resp, resp}}

	l := NewLoop(fakeTools{})
	result, err := l.Run(context.Background(), RunInput{Driver: driver, MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if driver.calls != 3 {
		t.Errorf("expected exactly MaxIterations chat calls, got %d", driver.calls)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
}
