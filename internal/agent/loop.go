package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/service"
)

const defaultMaxIterations = 10

// ToolExecutor turns resolved skill configs into tool definitions and
// executes a named tool call against the matching skill's js_handler.
// internal/agent/skills.Executor is the default implementation.
type ToolExecutor interface {
	Tools(configs []model.SkillConfig) []service.Tool
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// Loop is the default Agent: a straight tool-call loop against
// RunInput.Driver, grounded on the teacher's Agent.Run
// (internal/service/at.go) and its gateway chat-completion handling,
// generalized to execute Goja-sandboxed skill tools instead of MCP tools.
type Loop struct {
	Tools ToolExecutor
}

func NewLoop(tools ToolExecutor) *Loop {
	return &Loop{Tools: tools}
}

func (l *Loop) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	maxIterations := in.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	tools := l.Tools.Tools(in.Skills)

	messages := []service.Message{
		{Role: "system", Content: in.SystemPrompt},
		{Role: "user", Content: buildUserContent(in)},
	}

	result := &RunResult{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := in.Driver.Chat(ctx, in.Model, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("agent: chat iteration %d: %w", iteration, err)
		}

		result.RunUsage.PromptTokens += resp.Usage.PromptTokens
		result.RunUsage.CompletionTokens += resp.Usage.CompletionTokens
		result.RunUsage.TotalTokens += resp.Usage.TotalTokens

		var assistantContent []service.ContentBlock
		if resp.Content != "" {
			assistantContent = append(assistantContent, service.ContentBlock{Type: "text", Text: resp.Content})
			result.OutputText = resp.Content
		}
		for _, tc := range resp.ToolCalls {
			assistantContent = append(assistantContent, service.ContentBlock{
				Type:             "tool_use",
				ID:               tc.ID,
				Name:             tc.Name,
				Input:            tc.Arguments,
				ThoughtSignature: tc.ThoughtSignature,
			})
		}
		messages = append(messages, service.Message{Role: "assistant", Content: assistantContent})

		if resp.Finished || len(resp.ToolCalls) == 0 {
			break
		}

		var toolResults []service.ContentBlock
		for _, tc := range resp.ToolCalls {
			start := time.Now()
			result.Steps = append(result.Steps, Step{
				Type: StepToolCall, ID: tc.ID, Tool: tc.Name, Args: tc.Arguments, StartTime: start,
			})

			callResult, callErr := l.Tools.Call(ctx, tc.Name, tc.Arguments)
			success := callErr == nil
			if callErr != nil {
				callResult = fmt.Sprintf("error: %v", callErr)
				slog.DebugContext(ctx, "agent tool call failed", "tool", tc.Name, "error", callErr)
			}
			end := time.Now()

			result.Steps = append(result.Steps, Step{
				Type: StepToolResult, ID: tc.ID, Tool: tc.Name, Result: callResult, Success: success,
				StartTime: start, EndTime: end,
			})

			toolResults = append(toolResults, service.ContentBlock{
				Type:      "tool_result",
				ToolUseID: tc.ID,
				Name:      tc.Name,
				Content:   callResult,
			})
		}

		messages = append(messages, service.Message{Role: "user", Content: toolResults})
	}

	return result, nil
}

// buildUserContent folds any agent-vision images (pipeline step 4) into
// Anthropic-format content blocks alongside the user text; with no images
// it stays a plain string, matching what most drivers expect for the
// common case.
func buildUserContent(in RunInput) any {
	if len(in.Images) == 0 {
		return in.UserText
	}

	blocks := []service.ContentBlock{{Type: "text", Text: in.UserText}}
	for _, img := range in.Images {
		blocks = append(blocks, service.ContentBlock{
			Type: "image",
			Source: &service.MediaSource{
				Type:      "base64",
				MediaType: img.MimeType,
				Data:      img.Data,
			},
		})
	}
	return blocks
}
