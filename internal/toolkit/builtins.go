package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
)

// Names of the terminal control-flow tools from spec.md §4.7.
const (
	NameDelegate    = "delegate"
	NameComplete    = "complete"
	NameSwitchPhase = "switch_phase"
)

// DelegateArgs is the parsed argument shape for the delegate tool.
type DelegateArgs struct {
	Recipients []string `json:"recipients" jsonschema:"required,description=Agent slugs to delegate to"`
	Content    string   `json:"content" jsonschema:"required,description=Task description for the recipients"`
}

// DelegateTool is the terminal tool an agent calls to fan a sub-task out to
// one or more other agents. Its Call only validates arguments; the actual
// delegation-task publication and Delegation Batch registration are
// performed by the Agent Executor, which owns the Agent Publisher and
// Delegation Registry (spec.md §4.7's "tools never write relay events
// directly").
type DelegateTool struct{}

func (DelegateTool) Name() string        { return NameDelegate }
func (DelegateTool) Description() string { return "Delegate a sub-task to one or more other agents and wait for their responses." }
func (DelegateTool) Terminal() bool      { return true }
func (DelegateTool) ParametersSchema() map[string]any {
	return SchemaOf(DelegateArgs{})
}
func (DelegateTool) Call(_ context.Context, args map[string]any) (Result, error) {
	var parsed DelegateArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return Result{IsError: true, Content: err.Error()}, err
	}
	if len(parsed.Recipients) == 0 {
		err := fmt.Errorf("delegate requires at least one recipient")
		return Result{IsError: true, Content: err.Error()}, err
	}
	raw, _ := json.Marshal(parsed)
	return Result{Content: string(raw)}, nil
}

// CompleteArgs is the parsed argument shape for the complete tool.
type CompleteArgs struct {
	Content string `json:"content" jsonschema:"required,description=Final response text"`
}

// CompleteTool ends the current turn: a delegation-response if the
// triggering event was a delegation task addressed to this agent,
// otherwise a generic reply (spec.md §4.7's completion semantics).
type CompleteTool struct{}

func (CompleteTool) Name() string        { return NameComplete }
func (CompleteTool) Description() string { return "Finish this turn and publish the final response." }
func (CompleteTool) Terminal() bool      { return true }
func (CompleteTool) ParametersSchema() map[string]any {
	return SchemaOf(CompleteArgs{})
}
func (CompleteTool) Call(_ context.Context, args map[string]any) (Result, error) {
	var parsed CompleteArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return Result{IsError: true, Content: err.Error()}, err
	}
	raw, _ := json.Marshal(parsed)
	return Result{Content: string(raw)}, nil
}

// SwitchPhaseArgs is the parsed argument shape for the switch_phase tool.
type SwitchPhaseArgs struct {
	To     string `json:"to" jsonschema:"required,description=Target conversation phase"`
	Reason string `json:"reason" jsonschema:"required,description=Why the phase is changing"`
}

// SwitchPhaseTool transitions the conversation's phase. Terminal per
// spec.md §4.7: a phase change ends the current Reason-Act turn.
type SwitchPhaseTool struct{}

func (SwitchPhaseTool) Name() string        { return NameSwitchPhase }
func (SwitchPhaseTool) Description() string { return "Move the conversation to a new phase (PLAN, EXECUTE, VERIFICATION, ...)." }
func (SwitchPhaseTool) Terminal() bool      { return true }
func (SwitchPhaseTool) ParametersSchema() map[string]any {
	return SchemaOf(SwitchPhaseArgs{})
}
func (SwitchPhaseTool) Call(_ context.Context, args map[string]any) (Result, error) {
	var parsed SwitchPhaseArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return Result{IsError: true, Content: err.Error()}, err
	}
	raw, _ := json.Marshal(parsed)
	return Result{Content: string(raw)}, nil
}
