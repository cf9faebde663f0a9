// Package skills executes a Skill's js_handler in a sandboxed Goja VM on
// behalf of the agent loop, adapting the teacher's workflow script node
// (internal/service/workflow/nodes/script.go) and its Goja helper globals
// from a graph-node context to a single tool call.
package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/jhd3197/cachibot/internal/model"
	"github.com/jhd3197/cachibot/internal/service"
)

// Executor turns a bot's resolved skill configs into LLM tool definitions
// and runs a named tool's js_handler. Each call gets a fresh goja.Runtime —
// no state leaks between bots or between calls, mirroring the per-bot
// isolation contract of the credential store.
type Executor struct {
	byName map[string]model.Skill
}

// NewExecutor indexes the skill definitions known to the store by name.
func NewExecutor(defs []model.Skill) *Executor {
	byName := make(map[string]model.Skill, len(defs))
	for _, s := range defs {
		byName[s.Name] = s
	}
	return &Executor{byName: byName}
}

// Tools returns the tool definitions for the skills referenced by configs,
// skipping any config whose skill has no matching definition.
func (e *Executor) Tools(configs []model.SkillConfig) []service.Tool {
	tools := make([]service.Tool, 0, len(configs))
	for _, cfg := range configs {
		def, ok := e.byName[cfg.SkillName]
		if !ok {
			continue
		}
		tools = append(tools, service.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: parametersSchema(cfg.ConfigJSON),
		})
	}
	return tools
}

// parametersSchema reads an optional "parameters" JSON-schema object out of
// a skill config's config_json, falling back to a no-arguments schema.
func parametersSchema(configJSON string) map[string]any {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	if configJSON == "" {
		return schema
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(configJSON), &parsed); err != nil {
		return schema
	}
	if params, ok := parsed["parameters"].(map[string]any); ok {
		return params
	}
	return schema
}

// Call runs name's js_handler with args bound to the "input" global,
// returning its JSON-stringified return value as tool_result content.
func (e *Executor) Call(_ context.Context, name string, args map[string]any) (string, error) {
	def, ok := e.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown skill %q", name)
	}
	if def.JSHandler == "" {
		return "", fmt.Errorf("skill %q has no js_handler", name)
	}

	vm := goja.New()
	if err := SetupGojaVM(vm, map[string]any{"input": args}); err != nil {
		return "", fmt.Errorf("skill %q: setup vm: %w", name, err)
	}

	val, err := vm.RunString("(function(){" + def.JSHandler + "})()")
	if err != nil {
		return "", fmt.Errorf("skill %q: execution error: %w", name, err)
	}

	exported := val.Export()
	if s, ok := exported.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return "", fmt.Errorf("skill %q: marshal result: %w", name, err)
	}
	return string(data), nil
}
