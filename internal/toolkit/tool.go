// Package toolkit defines the tool execution contract from spec.md §4.7:
// "each tool is a pure function over (arguments, context) returning a
// structured result value." Tools never publish relay events directly —
// the Agent Executor hands terminal-tool results to the Agent Publisher.
//
// Grounded on the teacher's pkg/tool.Tool interface layering (simplified
// to the synchronous CallableTool case — this daemon has no HITL-approval
// or long-running-job tool pattern) and pkg/tools/registry.go's
// ToolRegistry wrapping the generic registry.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Result is a tool's structured return value.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Tool is the base interface every tool implements.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema returns the tool's arguments as JSON Schema, used to
	// build the ToolDefinition sent to the LLM provider.
	ParametersSchema() map[string]any
	// Call executes the tool synchronously. args is already-parsed JSON.
	Call(ctx context.Context, args map[string]any) (Result, error)
	// Terminal reports whether this tool ends the Reason-Act loop
	// (spec.md §4.7: complete, delegate, switch_phase).
	Terminal() bool
}

// SchemaOf derives a JSON Schema for a Go struct using invopop/jsonschema,
// the same dependency the teacher uses for tool parameter schemas.
func SchemaOf(v any) map[string]any {
	schema := jsonschema.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// DecodeArgs unmarshals a tool call's raw argument map into dst.
func DecodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal tool arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	return nil
}
