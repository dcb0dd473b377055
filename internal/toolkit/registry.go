package toolkit

import (
	"fmt"

	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/registry"
)

// Registry indexes a project's available tools by name, grounded on
// pkg/tools/registry.go's ToolRegistry wrapping the generic registry.
type Registry struct {
	*registry.Registry[Tool]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{Registry: registry.New[Tool]()}
}

// ForAgent returns the subset of tool names an agent is allowed to call,
// excluding any name not in allowed.
func (r *Registry) ForAgent(allowed []string) []Tool {
	out := make([]Tool, 0, len(allowed))
	for _, name := range allowed {
		if t, ok := r.Get(name); ok {
			out = append(out, t)
		}
	}
	return out
}

// Definitions converts tools into the llm.ToolDefinition list sent to the
// provider, excluding internal system tools per spec.md §4.11's
// enumeration rule (delegation primitives are still sent to the LLM here —
// that exclusion only applies to the Status Publisher's tool tags).
func Definitions(tools []Tool) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParametersSchema(),
		})
	}
	return out
}

// IsSystemTool reports whether name is one of the terminal control-flow
// primitives excluded from the Status Publisher's tool enumeration
// (spec.md §4.11).
func IsSystemTool(name string) bool {
	switch name {
	case NameDelegate, NameComplete, NameSwitchPhase:
		return true
	default:
		return false
	}
}

// MustRegister registers t and panics on failure — used at project-runtime
// wiring time where a duplicate name is a programming error, not a runtime
// condition.
func MustRegister(r *Registry, t Tool) {
	if err := r.Register(t.Name(), t); err != nil {
		panic(fmt.Sprintf("toolkit: %v", err))
	}
}
