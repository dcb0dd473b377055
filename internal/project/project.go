// Package project implements the Project Runtime from spec.md §4.10: the
// supervised lifecycle aggregating one project's Conversation Store,
// Delegation Registry, EventRouter scope, Operations Registry, Status
// Publisher, and per-agent Agent Publisher instances, plus the dispatch
// loop wiring the Subscription Manager's inbox through the Event Handler
// into the Agent Executor.
//
// Grounded on the teacher's pkg/runtime/runtime.go: a New that builds every
// subsystem in dependency order and returns a ready-to-use struct, a
// sequence of small build* steps each wrapped with fmt.Errorf, and a
// mutex-guarded Close that tears subsystems down in reverse, accumulating
// non-fatal errors rather than stopping at the first one. Generalized here
// from a single in-process construction into an explicit Start/Stop pair,
// since unlike the teacher's Runtime a Project Runtime owns live relay
// subscriptions and a background heartbeat that must not start until the
// caller (internal/daemon) is ready to receive dispatched events.
package project

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/conversation"
	"github.com/tenex-run/tenex/internal/delegation"
	"github.com/tenex-run/tenex/internal/errs"
	"github.com/tenex-run/tenex/internal/eventstore"
	"github.com/tenex-run/tenex/internal/executor"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/messages"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/operations"
	"github.com/tenex-run/tenex/internal/router"
	"github.com/tenex-run/tenex/internal/status"
	"github.com/tenex-run/tenex/internal/subscription"
	"github.com/tenex-run/tenex/internal/toolkit"
)

// StopGracePeriod bounds how long Stop waits for in-flight Agent Executor
// operations after cancellation, per spec.md §4.10.
const StopGracePeriod = 5 * time.Second

// Deps bundles the daemon-wide singletons a Project Runtime wires together
// for its own project. One Deps is shared by every Project Runtime the
// daemon owns.
type Deps struct {
	Agents        *agentstore.Store
	Providers     *llm.Registry
	Tools         *toolkit.Registry
	Transport     nostrx.Transport
	Subscriptions *subscription.Manager
	Metrics       *status.Metrics
	Config        config.Config

	// StatusInterval overrides the Status Publisher's heartbeat period.
	// Zero means status.DefaultInterval. Exposed mainly for tests.
	StatusInterval time.Duration

	// PromptComposer builds the system message for one Agent Executor
	// invocation. Fragment composition is out of scope per spec.md §1; if
	// nil, defaultSystemPrompt is used.
	PromptComposer func(agent *agentstore.Agent, conv *conversation.Conversation) string
}

func (d Deps) composer() func(*agentstore.Agent, *conversation.Conversation) string {
	if d.PromptComposer != nil {
		return d.PromptComposer
	}
	return defaultSystemPrompt
}

// defaultSystemPrompt is the minimal system message used when no richer
// prompt-fragment composer is wired in: identity, role, and phase, matching
// the three pieces of context spec.md §4.8 rule 1 requires a composer to
// have available (identity, phase context, tool catalogue — the catalogue
// itself is supplied separately to the LLM request as tool definitions).
func defaultSystemPrompt(agent *agentstore.Agent, conv *conversation.Conversation) string {
	return fmt.Sprintf("You are %s, %s.\n%s\nCurrent phase: %s.",
		agent.Slug, agent.Role, agent.Instructions, conv.Phase)
}

// Runtime supervises one project.
type Runtime struct {
	deps Deps

	mu      sync.RWMutex
	def     Definition
	dataDir string
	roster  *roster

	conversations *conversation.Store
	events        *eventstore.Router
	delegations   *delegation.Registry
	operations    *operations.Registry
	publishers    *publisherSet
	builder       *messages.Builder
	router        *router.Router
	executor      *executor.Executor
	statusPub     *status.Publisher

	inbox  <-chan *nostr.Event
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Runtime for def, loading its agent set and on-disk state
// (spec.md §4.10 steps 2–3). It does not yet subscribe to relay traffic or
// start the heartbeat; call Start for that.
func New(def Definition, deps Deps) (*Runtime, error) {
	dataDir := filepath.Join(deps.Config.ProjectsDataDir, def.DTag)

	convs := conversation.New(dataDir)
	if err := convs.LoadAll(); err != nil {
		return nil, fmt.Errorf("project %s: load conversations: %w", def.ID, err)
	}

	events, err := eventstore.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("project %s: load event cache: %w", def.ID, err)
	}

	ros := buildRoster(def, deps.Agents)
	pubs, err := buildPublishers(ros.agents(), deps.Transport)
	if err != nil {
		return nil, fmt.Errorf("project %s: build agent publishers: %w", def.ID, err)
	}

	delegations := delegation.New()
	builder := messages.New(deps.Agents, delegations, messages.Compression{
		Enabled:           deps.Config.Compression.Enabled,
		TokenThreshold:    deps.Config.Compression.TokenThreshold,
		SlidingWindowSize: deps.Config.Compression.SlidingWindowSize,
	})
	rtr := router.New(events, convs, delegations, deps.Transport)
	ops := operations.New()
	exec := executor.New(ops, convs, builder, deps.Providers, deps.Tools, delegations, pubs, deps.Agents,
		executor.Config{MaxIterations: deps.Config.MaxReasonActIters})

	return &Runtime{
		deps:          deps,
		def:           def,
		dataDir:       dataDir,
		roster:        ros,
		conversations: convs,
		events:        events,
		delegations:   delegations,
		operations:    ops,
		publishers:    pubs,
		builder:       builder,
		router:        rtr,
		executor:      exec,
	}, nil
}

// Start runs spec.md §4.10 steps 4–6: hands the roster to the Subscription
// Manager, starts the Status Publisher heartbeat, and launches the
// dispatch loop reading the resulting inbox. Returns once the dispatch
// loop goroutine is running; it keeps running until ctx is cancelled or
// Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.RLock()
	pmPubkey := r.roster.pm
	r.mu.RUnlock()

	pmPub, ok := r.publishers.Publisher(pmPubkey)
	if !ok {
		return fmt.Errorf("project %s: no local publisher for PM %s", r.def.ID, pmPubkey)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.runCtx = runCtx
	r.cancel = cancel

	r.statusPub = status.New(pmPub, r.statusAgentInfos, r.deps.Metrics, status.Config{
		ProjectID:   r.def.ID,
		OwnerPubkey: r.def.OwnerPubkey,
		Interval:    r.deps.StatusInterval,
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.statusPub.Start(runCtx)
	}()

	r.inbox = r.deps.Subscriptions.RegisterProject(runCtx, subscription.ProjectSpec{
		ID:           r.def.ID,
		AgentPubkeys: r.rosterPubkeys(),
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatchLoop(runCtx)
	}()

	obs.Logger().Info("project runtime started", "project", r.def.ID, "agents", len(r.rosterPubkeys()))
	return nil
}

// Stop runs spec.md §4.10's reverse stop sequence: unregister from the
// Subscription Manager first (so no new events arrive), stop the
// heartbeat, then cancel every in-flight Agent Executor operation and wait
// up to StopGracePeriod for those goroutines to finish before returning.
func (r *Runtime) Stop(ctx context.Context) error {
	r.deps.Subscriptions.UnregisterProject(ctx, r.def.ID)

	if r.statusPub != nil {
		r.statusPub.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(StopGracePeriod):
		obs.Logger().Warn("project runtime stop exceeded grace period, operations forced to cancellation",
			"project", r.def.ID, "grace_period", StopGracePeriod)
	}

	if err := r.events.Flush(); err != nil {
		return fmt.Errorf("project %s: flush event cache: %w", r.def.ID, err)
	}
	return nil
}

func (r *Runtime) rosterPubkeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roster.byPubkey))
	for pk := range r.roster.byPubkey {
		out = append(out, pk)
	}
	return out
}

func (r *Runtime) statusAgentInfos() []status.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]status.AgentInfo, 0, len(r.roster.byPubkey))
	for _, a := range r.roster.byPubkey {
		out = append(out, status.AgentInfo{
			Slug:         a.Slug,
			Pubkey:       a.Pubkey,
			IsPM:         a.Pubkey == r.roster.pm,
			LLMConfigRef: a.LLMConfigRef,
			Tools:        a.Tools,
		})
	}
	return out
}

// PublishOperationsSnapshot emits the on-request OPERATIONS_STATUS_EPHEMERAL
// event (spec.md §6, SPEC_FULL.md open question 3) listing every operation
// currently in flight for this project.
func (r *Runtime) PublishOperationsSnapshot(ctx context.Context) error {
	if r.statusPub == nil {
		return fmt.Errorf("project %s: status publisher not started", r.def.ID)
	}
	snap := r.operations.Snapshot()
	infos := make([]status.OperationInfo, len(snap))
	for i, op := range snap {
		infos[i] = status.OperationInfo{ID: op.ID, AgentSlug: op.AgentSlug, ConversationID: op.ConversationID}
	}
	return r.statusPub.PublishOperationsSnapshot(ctx, infos)
}

// dispatchLoop reads the project's inbox and routes every event through the
// Event Handler, launching Agent Executor invocations concurrently per
// spec.md §5 ("Agent Executor invocations for different (agent,
// conversation) pairs run concurrently").
func (r *Runtime) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.inbox:
			if !ok {
				return
			}
			r.handleEvent(ctx, evt)
		}
	}
}

func (r *Runtime) handleEvent(ctx context.Context, evt *nostr.Event) {
	r.mu.RLock()
	ros := r.roster
	r.mu.RUnlock()

	decision, err := r.router.Handle(ctx, evt, ros)
	if err != nil {
		obs.Logger().Warn("event handler failed", "project", r.def.ID, "event", evt.ID, "error", err)
		return
	}
	if decision.ConversationID != "" {
		if err := r.conversations.Persist(decision.ConversationID); err != nil {
			obs.Logger().Warn("conversation persist failed", "project", r.def.ID, "conversation", decision.ConversationID, "error", err)
		}
	}

	switch decision.Kind {
	case router.Dispatch:
		for _, pubkey := range decision.Targets {
			r.dispatchAgent(ctx, pubkey, decision)
		}
	case router.StopRequested:
		r.handleStopRequest(decision)
	case router.ProjectUpdate:
		r.handleProjectUpdate(decision.Event)
	case router.AgentConfigUpdate:
		r.handleAgentConfigUpdate(decision.Event)
	case router.MetadataUpdate, router.DelegationHandled, router.Ignored, router.Duplicate:
		// no further action
	}
}

func (r *Runtime) dispatchAgent(ctx context.Context, pubkey string, decision router.Decision) {
	agent, ok := r.deps.Agents.ByPubkey(pubkey)
	if !ok {
		obs.Logger().Warn("dispatch target has no signing key", "project", r.def.ID, "pubkey", pubkey)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		conv, ok := r.conversations.GetByAnyEventID(decision.ConversationID)
		if !ok {
			obs.Logger().Warn("dispatch target references unknown conversation", "project", r.def.ID, "conversation", decision.ConversationID)
			return
		}
		systemPrompt := r.deps.composer()(agent, conv)

		err := r.executor.Execute(ctx, executor.Input{
			Agent:           agent,
			ConversationID:  decision.ConversationID,
			TriggeringEvent: decision.Event,
			SystemPrompt:    systemPrompt,
		})
		if err != nil {
			obs.Logger().Warn("agent executor failed", "project", r.def.ID, "agent", agent.Slug, "error", err)
		}
		if err := r.conversations.Persist(decision.ConversationID); err != nil {
			obs.Logger().Warn("conversation persist failed", "project", r.def.ID, "conversation", decision.ConversationID, "error", err)
		}
	}()
}

// handleStopRequest cancels operations for every agent the stop-request
// p-tags, or for the whole conversation if it names none.
func (r *Runtime) handleStopRequest(decision router.Decision) {
	targets := pTagValues(decision.Event)
	if len(targets) == 0 {
		for _, a := range r.roster.agents() {
			r.operations.CancelByConversationAgent(decision.ConversationID, a.Slug)
		}
		return
	}
	for _, pubkey := range targets {
		agent, ok := r.deps.Agents.ByPubkey(pubkey)
		if !ok {
			continue
		}
		r.operations.CancelByConversationAgent(decision.ConversationID, agent.Slug)
	}
}

// handleProjectUpdate implements spec.md §3's project-update behavior:
// reload the definition, diff the agent set, and re-register with the
// Subscription Manager.
func (r *Runtime) handleProjectUpdate(evt *nostr.Event) {
	def, err := ParseDefinition(evt)
	if err != nil {
		obs.Logger().Warn("failed to parse project update", "project", r.def.ID, "event", evt.ID, "error", err)
		return
	}

	ros := buildRoster(def, r.deps.Agents)
	pubs, err := buildPublishers(ros.agents(), r.deps.Transport)
	if err != nil {
		obs.Logger().Warn("failed to build publishers for updated project", "project", r.def.ID, "error", err)
		return
	}

	r.mu.Lock()
	r.def = def
	r.roster = ros
	r.publishers = pubs
	r.mu.Unlock()

	if r.runCtx != nil {
		r.inbox = r.deps.Subscriptions.RegisterProject(r.runCtx, subscription.ProjectSpec{
			ID:           def.ID,
			AgentPubkeys: r.rosterPubkeys(),
		})
	}
	obs.Logger().Info("project definition reloaded", "project", def.ID, "agents", len(ros.byPubkey))
}

// handleAgentConfigUpdate applies a role/instructions/tools/llm-config
// change to the locally-held agent, if one exists for the named slug.
func (r *Runtime) handleAgentConfigUpdate(evt *nostr.Event) {
	slug, body, err := parseAgentConfig(evt)
	if err != nil {
		obs.Logger().Warn("failed to parse agent config update", "project", r.def.ID, "event", evt.ID, "error", err)
		return
	}

	updated, err := r.deps.Agents.Update(slug, func(a *agentstore.Agent) {
		if body.Role != "" {
			a.Role = body.Role
		}
		if body.Instructions != "" {
			a.Instructions = body.Instructions
		}
		if body.Tools != nil {
			a.Tools = body.Tools
		}
		if body.LLMConfigRef != "" {
			a.LLMConfigRef = body.LLMConfigRef
		}
	})
	if err != nil {
		if errors.Is(err, errs.Of(errs.ValidationFailure)) {
			obs.Logger().Warn("agent config update for unknown agent", "project", r.def.ID, "slug", slug)
			return
		}
		obs.Logger().Warn("agent config update failed", "project", r.def.ID, "slug", slug, "error", err)
		return
	}

	r.mu.Lock()
	if _, tracked := r.roster.bySlug[slug]; tracked {
		r.roster.byPubkey[updated.Pubkey] = updated
		r.roster.bySlug[slug] = updated
	}
	r.mu.Unlock()
}

func pTagValues(evt *nostr.Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" {
			out = append(out, t[1])
		}
	}
	return out
}
