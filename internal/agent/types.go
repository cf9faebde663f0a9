// Package agent implements the tool-calling loop the message pipeline
// invokes at step 10: take an enhanced system prompt plus user text and
// drive an LLM through as many tool-call rounds as the resolved
// environment allows, returning the final answer plus a step trace.
package agent

import (
	"context"
	"time"

	"github.com/jhd3197/cachibot/internal/llm"
	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/service"
)

// StepType distinguishes the two step kinds the pipeline's tool-call
// projection (spec step 12) pairs up FIFO.
type StepType string

const (
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
)

// Step is one entry in a run's trace.
type Step struct {
	Type      StepType
	ID        string
	Tool      string
	Args      map[string]any
	Result    string
	Success   bool
	StartTime time.Time
	EndTime   time.Time
}

// RunInput carries everything the pipeline assembles before invoking the
// agent.
type RunInput struct {
	SystemPrompt  string
	UserText      string
	Images        []service.InlineImage
	Model         string
	Skills        []model.SkillConfig
	Driver        llm.Driver
	MaxIterations int
}

// RunResult is the agent's answer back to the pipeline: output text, the
// tool-call trace, and aggregated token usage across every iteration.
type RunResult struct {
	OutputText string
	Steps      []Step
	RunUsage   service.Usage
}

// Agent runs one turn of the tool-calling loop to completion, or until
// RunInput.MaxIterations is reached.
type Agent interface {
	Run(ctx context.Context, in RunInput) (*RunResult, error)
}
