package skills

import (
	"context"
	"testing"

	"github.com/jhd3197/cachibot/internal/model"
)

func TestExecutorTools_SkipsUnknownSkill(t *testing.T) {
	e := NewExecutor([]model.Skill{
		{Name: "weather", Description: "looks up weather"},
	})

	tools := e.Tools([]model.SkillConfig{
		{SkillName: "weather"},
		{SkillName: "missing"},
	})

	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Name != "weather" {
		t.Errorf("expected tool name weather, got %q", tools[0].Name)
	}
}

func TestExecutorTools_ParsesParametersSchema(t *testing.T) {
	e := NewExecutor([]model.Skill{{Name: "lookup"}})

	tools := e.Tools([]model.SkillConfig{{
		SkillName:  "lookup",
		ConfigJSON: `{"parameters":{"type":"object","properties":{"city":{"type":"string"}}}}`,
	}})

	props, ok := tools[0].InputSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", tools[0].InputSchema["properties"])
	}
	if _, ok := props["city"]; !ok {
		t.Error("expected city property in parsed schema")
	}
}

func TestExecutorCall_RunsJSHandler(t *testing.T) {
	e := NewExecutor([]model.Skill{{
		Name:      "double",
		JSHandler: "return input.value * 2;",
	}})

	result, err := e.Call(context.Background(), "double", map[string]any{"value": float64(21)})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if result != "42" {
		t.Errorf("expected result 42, got %q", result)
	}
}

func TestExecutorCall_UnknownSkill(t *testing.T) {
	e := NewExecutor(nil)
	if _, err := e.Call(context.Background(), "ghost", nil); err == nil {
		t.Error("expected error for unknown skill")
	}
}

func TestExecutorCall_NoHandler(t *testing.T) {
	e := NewExecutor([]model.Skill{{Name: "silent"}})
	if _, err := e.Call(context.Background(), "silent", nil); err == nil {
		t.Error("expected error for skill without js_handler")
	}
}
