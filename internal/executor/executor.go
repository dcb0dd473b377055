// Package executor implements the Agent Executor (Reason-Act Loop) from
// spec.md §4.7: the single entry point that turns one (agent, conversation,
// triggering event) tuple into zero or more LLM provider calls, tool
// executions, and a final published event.
//
// Grounded most directly on the teacher's `pkg/reasoning` strategy contract
// (`strategy.go`'s bounded-iteration loop shape, `chain_of_thought_strategy.go`'s
// stop conditions) and `pkg/agent/task_awaiter.go`'s dormant-until-signaled
// pattern, which maps directly onto this package's delegate() semantics:
// the executor returns without publishing a reply and the Delegation
// Registry (internal/delegation) re-activates it later through a fresh
// Execute call keyed by the completed batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/conversation"
	"github.com/tenex-run/tenex/internal/delegation"
	"github.com/tenex-run/tenex/internal/errs"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/messages"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/operations"
	"github.com/tenex-run/tenex/internal/publisher"
	"github.com/tenex-run/tenex/internal/toolkit"
)

// Config bounds the Reason-Act loop, per spec.md §4.7.
type Config struct {
	// MaxIterations bounds the number of LLM calls in one Execute
	// invocation. Zero means the default of 10.
	MaxIterations int
	// MaxContinuationAttempts bounds the supervisor-validation retries
	// after an empty reply. Zero means the default of 3.
	MaxContinuationAttempts int
}

func (c Config) maxIterations() int {
	if c.MaxIterations <= 0 {
		return 10
	}
	return c.MaxIterations
}

func (c Config) maxContinuationAttempts() int {
	if c.MaxContinuationAttempts <= 0 {
		return 3
	}
	return c.MaxContinuationAttempts
}

// Agents resolves agent identities by slug (for delegate() recipients) and
// by pubkey (for the delegator-self-target check). Satisfied by
// *agentstore.Store.
type Agents interface {
	Get(slug string) (*agentstore.Agent, bool)
	ByPubkey(pubkey string) (*agentstore.Agent, bool)
}

// Publishers resolves the Agent Publisher bound to a given agent pubkey.
type Publishers interface {
	Publisher(pubkey string) (*publisher.Publisher, bool)
}

// Input is everything one Execute invocation needs, spec.md §4.7's
// `ctx = {agent, conversationId, triggeringEvent, projectRuntime}`.
type Input struct {
	Agent           *agentstore.Agent
	ConversationID  string
	TriggeringEvent *nostr.Event
	SystemPrompt    string
}

// Executor runs the Reason-Act loop for one project.
type Executor struct {
	operations    *operations.Registry
	conversations *conversation.Store
	builder       *messages.Builder
	providers     *llm.Registry
	tools         *toolkit.Registry
	delegations   *delegation.Registry
	publishers    Publishers
	agents        Agents
	cfg           Config
	recent        *recentGuard
}

// New creates an Executor.
func New(ops *operations.Registry, convs *conversation.Store, builder *messages.Builder, providers *llm.Registry, tools *toolkit.Registry, delegations *delegation.Registry, publishers Publishers, agents Agents, cfg Config) *Executor {
	return &Executor{
		operations:    ops,
		conversations: convs,
		builder:       builder,
		providers:     providers,
		tools:         tools,
		delegations:   delegations,
		publishers:    publishers,
		agents:        agents,
		cfg:           cfg,
		recent:        newRecentGuard(),
	}
}

// Execute runs the Reason-Act loop described in spec.md §4.7. It returns an
// error, and publishes no reply for the failed turn, when the conversation
// is unknown, no publisher is bound, no LLM provider resolves, the provider
// stream fails (errs.LLMStreamError; partial text is not published), a
// terminal tool's arguments cannot be decoded, a delegation cannot be
// carried out (including errs.DelegationSelfTarget and unknown recipient
// slugs, which are not handed back to the LLM), or a publish fails.
func (e *Executor) Execute(ctx context.Context, in Input) error {
	guardKey := recentKey(in.TriggeringEvent.ID, in.Agent.Slug)
	if e.recent.has(guardKey) {
		return nil
	}

	conv, ok := e.conversations.GetByAnyEventID(in.ConversationID)
	if !ok {
		return fmt.Errorf("executor: unknown conversation %s", in.ConversationID)
	}
	pub, ok := e.publishers.Publisher(in.Agent.Pubkey)
	if !ok {
		return fmt.Errorf("executor: no publisher bound for agent %s", in.Agent.Slug)
	}
	provider, err := e.providers.Resolve(in.Agent.LLMConfigRef)
	if err != nil {
		return fmt.Errorf("executor: resolve llm provider for agent %s: %w", in.Agent.Slug, err)
	}

	ctx, _, deregister := e.operations.Register(ctx, in.Agent.Slug, conv.ID)
	defer deregister()

	allowed := e.tools.ForAgent(in.Agent.Tools)
	toolDefs := toolkit.Definitions(allowed)
	msgs := e.builder.Build(conv, in.Agent.Slug, in.Agent.Pubkey, in.SystemPrompt)

	attempts := 0
	for {
		outcome, err := e.reasonActLoop(ctx, in, conv, pub, provider, allowed, toolDefs, msgs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				publishCtx := context.WithoutCancel(ctx)
				if _, pubErr := pub.Reply(publishCtx, conv.RootEventID, in.TriggeringEvent.ID, nil, "cancelled"); pubErr != nil {
					obs.Logger().Warn("failed to publish cancellation reply", "error", pubErr, "agent", in.Agent.Slug)
				}
				e.recent.mark(guardKey)
				return nil
			}
			return err
		}

		switch outcome.kind {
		case outcomeTerminal, outcomeDormant:
			e.recent.mark(guardKey)
			return nil
		case outcomeExhausted:
			if outcome.text != "" {
				if _, err := e.complete(ctx, in, conv, pub, outcome.text); err != nil {
					return err
				}
				e.recent.mark(guardKey)
				return nil
			}
			if attempts < e.cfg.maxContinuationAttempts() {
				attempts++
				msgs = outcome.messages
				msgs = append(msgs, llm.Message{Role: "system", Content: "you produced no response; produce a complete reply now"})
				continue
			}
			if _, err := pub.Reply(ctx, conv.RootEventID, in.TriggeringEvent.ID, nil, "no response"); err != nil {
				return err
			}
			obs.Logger().Warn("agent produced no response after retries", "agent", in.Agent.Slug, "conversation", conv.ID, "attempts", attempts)
			e.recent.mark(guardKey)
			return nil
		}
	}
}

type loopOutcomeKind int

const (
	outcomeExhausted loopOutcomeKind = iota
	outcomeTerminal
	outcomeDormant
)

type loopOutcome struct {
	kind     loopOutcomeKind
	text     string
	messages []llm.Message
}

// reasonActLoop runs the bounded LLM/tool iteration from spec.md §4.7 step 3.
func (e *Executor) reasonActLoop(ctx context.Context, in Input, conv *conversation.Conversation, pub *publisher.Publisher, provider llm.Provider, tools []toolkit.Tool, toolDefs []llm.ToolDefinition, msgs []llm.Message) (loopOutcome, error) {
	terminalNames := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Terminal() {
			terminalNames[t.Name()] = true
		}
	}

	var accumulated strings.Builder
	for i := 0; i < e.cfg.maxIterations(); i++ {
		if ctx.Err() != nil {
			return loopOutcome{}, ctx.Err()
		}

		chunks, err := provider.Stream(ctx, llm.Request{System: in.SystemPrompt, Messages: msgs, Tools: toolDefs})
		if err != nil {
			return loopOutcome{}, fmt.Errorf("llm stream: %w", err)
		}

		var text strings.Builder
		var calls []llm.ToolCall
		var streamErr error
		for chunk := range chunks {
			switch chunk.Type {
			case llm.ChunkText:
				text.WriteString(chunk.Text)
				if chunk.Text != "" {
					_ = pub.StreamFrame(ctx, conv.RootEventID, chunk.Text)
				}
			case llm.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case llm.ChunkError:
				streamErr = chunk.Err
			case llm.ChunkDone:
			}
		}
		if ctx.Err() != nil {
			return loopOutcome{}, ctx.Err()
		}
		if streamErr != nil {
			return loopOutcome{}, errs.New(errs.LLMStreamError, "provider stream failed", streamErr)
		}

		if len(calls) == 0 {
			if text.Len() > 0 {
				if _, err := pub.Reply(ctx, conv.RootEventID, in.TriggeringEvent.ID, nil, text.String()); err != nil {
					return loopOutcome{}, err
				}
				return loopOutcome{kind: outcomeTerminal}, nil
			}
			msgs = append(msgs, llm.Message{Role: "assistant", Content: ""})
			continue
		}

		var terminalCall *llm.ToolCall
		var nonTerminal []llm.ToolCall
		for idx := range calls {
			if terminalNames[calls[idx].Name] && terminalCall == nil {
				terminalCall = &calls[idx]
				continue
			}
			nonTerminal = append(nonTerminal, calls[idx])
		}
		if terminalCall != nil {
			return e.runTerminal(ctx, in, conv, pub, *terminalCall)
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: text.String(), ToolCalls: calls})
		msgs = append(msgs, e.runNonTerminal(ctx, nonTerminal, tools)...)
		accumulated.Reset()
		accumulated.WriteString(text.String())
	}
	return loopOutcome{kind: outcomeExhausted, text: accumulated.String(), messages: msgs}, nil
}

// runNonTerminal executes non-terminal tool calls concurrently — they are
// assumed commutative, matching spec.md §4.7's "possibly in parallel when
// declared commutative" allowance — and returns one tool-role message per
// call, in the original call order.
func (e *Executor) runNonTerminal(ctx context.Context, calls []llm.ToolCall, tools []toolkit.Tool) []llm.Message {
	byName := make(map[string]toolkit.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	results := make([]llm.Message, len(calls))
	var g errgroup.Group
	for idx, call := range calls {
		idx, call := idx, call
		g.Go(func() error {
			tool, ok := byName[call.Name]
			if !ok {
				results[idx] = llm.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: fmt.Sprintf("unknown tool %q", call.Name)}
				return nil
			}
			res, err := tool.Call(ctx, call.Arguments)
			content := res.Content
			if err != nil {
				content = err.Error()
			}
			results[idx] = llm.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: content}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runTerminal executes exactly one terminal tool call and hands its intent
// to the Agent Publisher, per spec.md §4.7.
func (e *Executor) runTerminal(ctx context.Context, in Input, conv *conversation.Conversation, pub *publisher.Publisher, call llm.ToolCall) (loopOutcome, error) {
	switch call.Name {
	case toolkit.NameComplete:
		var args toolkit.CompleteArgs
		if err := toolkit.DecodeArgs(call.Arguments, &args); err != nil {
			return loopOutcome{}, fmt.Errorf("decode complete args: %w", err)
		}
		if _, err := e.complete(ctx, in, conv, pub, args.Content); err != nil {
			return loopOutcome{}, err
		}
		return loopOutcome{kind: outcomeTerminal}, nil

	case toolkit.NameDelegate:
		var args toolkit.DelegateArgs
		if err := toolkit.DecodeArgs(call.Arguments, &args); err != nil {
			return loopOutcome{}, fmt.Errorf("decode delegate args: %w", err)
		}
		if err := e.delegate(ctx, in, conv, pub, args); err != nil {
			return loopOutcome{}, err
		}
		return loopOutcome{kind: outcomeDormant}, nil

	case toolkit.NameSwitchPhase:
		var args toolkit.SwitchPhaseArgs
		if err := toolkit.DecodeArgs(call.Arguments, &args); err != nil {
			return loopOutcome{}, fmt.Errorf("decode switch_phase args: %w", err)
		}
		if err := e.conversations.UpdatePhase(conv.ID, conv.Phase, conversation.Phase(args.To), args.Reason, in.Agent.Slug, in.TriggeringEvent.ID); err != nil {
			return loopOutcome{}, fmt.Errorf("switch phase: %w", err)
		}
		if _, err := pub.Reply(ctx, conv.RootEventID, in.TriggeringEvent.ID, nil, fmt.Sprintf("Switched to %s: %s", args.To, args.Reason)); err != nil {
			return loopOutcome{}, err
		}
		return loopOutcome{kind: outcomeTerminal}, nil

	default:
		return loopOutcome{}, fmt.Errorf("unknown terminal tool %q", call.Name)
	}
}

// complete implements spec.md §4.7's completion semantics: a
// delegation-response if triggeringEvent addressed this agent as a
// delegation task, otherwise a generic reply. Either way the agent's
// toolSessionId is cleared.
func (e *Executor) complete(ctx context.Context, in Input, conv *conversation.Conversation, pub *publisher.Publisher, content string) (*nostr.Event, error) {
	defer e.clearToolSession(conv.ID, in.Agent.Slug)

	if in.TriggeringEvent.Kind == nostrx.DelegationTask && hasPTag(in.TriggeringEvent, in.Agent.Pubkey) {
		return pub.CompleteDelegation(ctx, in.TriggeringEvent.ID, in.TriggeringEvent.PubKey, content)
	}
	return pub.Reply(ctx, conv.RootEventID, in.TriggeringEvent.ID, nil, content)
}

// delegate implements spec.md §4.7's delegation semantics: one task event
// per recipient, a registered Delegation Batch, and the delegator marked
// pending and dormant. Execute returns without publishing a reply; the
// Delegation Registry re-activates the delegator once every recipient has
// answered (spec.md §4.3).
func (e *Executor) delegate(ctx context.Context, in Input, conv *conversation.Conversation, pub *publisher.Publisher, args toolkit.DelegateArgs) error {
	recipientPubkeys := make([]string, 0, len(args.Recipients))
	for _, slug := range args.Recipients {
		agent, ok := e.agents.Get(slug)
		if !ok {
			return fmt.Errorf("delegate: unknown agent slug %q", slug)
		}
		if agent.Pubkey == in.Agent.Pubkey {
			return errs.Of(errs.DelegationSelfTarget)
		}
		recipientPubkeys = append(recipientPubkeys, agent.Pubkey)
	}

	results, delegateErr := pub.Delegate(ctx, conv.RootEventID, string(conv.Phase), recipientPubkeys, args.Content)
	if len(results) == 0 {
		if delegateErr != nil {
			return fmt.Errorf("delegate publish: %w", delegateErr)
		}
		return fmt.Errorf("delegate: no tasks published")
	}

	taskIDs := make(map[string]string, len(results))
	for _, r := range results {
		taskIDs[r.RecipientPubkey] = r.EventID
	}
	batch, err := e.delegations.Register(in.Agent.Pubkey, conv.ID, taskIDs)
	if err != nil {
		return fmt.Errorf("register delegation batch: %w", err)
	}

	state, _ := e.conversations.GetAgentState(conv.ID, in.Agent.Slug)
	if state == nil {
		state = &conversation.AgentState{}
	}
	batchID := batch.BatchID
	state.PendingDelegation = &batchID
	if err := e.conversations.SetAgentState(conv.ID, in.Agent.Slug, state); err != nil {
		return fmt.Errorf("record pending delegation: %w", err)
	}

	if delegateErr != nil {
		obs.Logger().Warn("delegate published to a subset of recipients", "error", delegateErr, "agent", in.Agent.Slug, "batch", batch.BatchID)
	}
	return nil
}

func (e *Executor) clearToolSession(conversationID, slug string) {
	state, ok := e.conversations.GetAgentState(conversationID, slug)
	if !ok || state.ToolSessionID == "" {
		return
	}
	state.ToolSessionID = ""
	_ = e.conversations.SetAgentState(conversationID, slug, state)
}

func hasPTag(evt *nostr.Event, pubkey string) bool {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" && t[1] == pubkey {
			return true
		}
	}
	return false
}

// recentGuard is the short-term "recent reply" index from spec.md's S3 edge
// case: a bounded, purely in-memory set of (triggeringEventId, agentSlug)
// pairs the executor has already finished handling, consulted before doing
// any work so a relay redelivery within the same process doesn't produce a
// second outbound reply. It is not persisted — after a restart the
// EventRouter's durable cache is the only duplicate guard, which is
// sufficient since a restart necessarily means no in-flight duplicate
// delivery survived in memory either.
type recentGuard struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

const recentGuardCapacity = 2048

func newRecentGuard() *recentGuard {
	return &recentGuard{seen: make(map[string]struct{})}
}

func (g *recentGuard) has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[key]
	return ok
}

func (g *recentGuard) mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return
	}
	g.seen[key] = struct{}{}
	g.order = append(g.order, key)
	for len(g.order) > recentGuardCapacity {
		evicted := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, evicted)
	}
}

func recentKey(eventID, agentSlug string) string {
	return eventID + "|" + agentSlug
}
