// Package langchain drives chat completions through langchaingo's
// OpenAI-compatible client, for providers that need nothing beyond a
// base-URL and token swap (local gateways, OpenAI-compatible aggregators)
// rather than a hand-rolled HTTP client of their own.
package langchain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/service"
)

// Provider implements service.LLMProvider on top of langchaingo.
type Provider struct {
	llm   *lcopenai.LLM
	model string
}

func New(cfg config.LLMConfig) (*Provider, error) {
	opts := []lcopenai.Option{lcopenai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	opts = append(opts, lcopenai.WithToken(apiKey))

	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain openai client: %w", err)
	}
	return &Provider{llm: client, model: cfg.Model}, nil
}

func (p *Provider) Chat(ctx context.Context, model string, messages []service.Message, tools []service.Tool) (*service.LLMResponse, error) {
	if model == "" {
		model = p.model
	}

	content, err := convertMessages(messages)
	if err != nil {
		return nil, err
	}

	callOpts := []llms.CallOption{llms.WithModel(model)}
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(convertTools(tools)))
	}

	resp, err := p.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("langchain generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &service.LLMResponse{Finished: true}, nil
	}

	choice := resp.Choices[0]
	llmResp := &service.LLMResponse{
		Content:  choice.Content,
		Finished: len(choice.ToolCalls) == 0,
	}

	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.FunctionCall != nil && tc.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
				return nil, fmt.Errorf("unmarshal tool call arguments: %w", err)
			}
		}
		id := tc.ID
		if id == "" && tc.FunctionCall != nil {
			id = tc.FunctionCall.Name
		}
		name := ""
		if tc.FunctionCall != nil {
			name = tc.FunctionCall.Name
		}
		llmResp.ToolCalls = append(llmResp.ToolCalls, service.ToolCall{
			ID:        id,
			Name:      name,
			Arguments: args,
		})
	}

	if choice.GenerationInfo != nil {
		if v, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
			llmResp.Usage.PromptTokens = v
		}
		if v, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
			llmResp.Usage.CompletionTokens = v
		}
		llmResp.Usage.TotalTokens = llmResp.Usage.PromptTokens + llmResp.Usage.CompletionTokens
	}

	return llmResp, nil
}

// convertMessages flattens our Message list down to langchaingo's
// MessageContent, dropping empty turns (langchaingo rejects blank parts).
func convertMessages(messages []service.Message) ([]llms.MessageContent, error) {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		text := contentText(msg.Content)
		if text == "" {
			continue
		}

		var msgType llms.ChatMessageType
		switch msg.Role {
		case "user":
			msgType = llms.ChatMessageTypeHuman
		case "assistant":
			msgType = llms.ChatMessageTypeAI
		case "system":
			msgType = llms.ChatMessageTypeSystem
		default:
			msgType = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(msgType, text))
	}
	return out, nil
}

// contentText flattens a Message.Content (string or []service.ContentBlock)
// down to plain text; langchaingo's basic parts don't carry the teacher's
// tool_use/tool_result block structure.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []service.ContentBlock:
		var text string
		for _, block := range v {
			switch block.Type {
			case "text":
				text += block.Text
			case "tool_result":
				text += block.Content
			}
		}
		return text
	default:
		return ""
	}
}

func convertTools(tools []service.Tool) []llms.Tool {
	out := make([]llms.Tool, len(tools))
	for i, tool := range tools {
		out[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return out
}
