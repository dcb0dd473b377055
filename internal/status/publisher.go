// Package status implements the Status Publisher from spec.md §4.11: a
// periodic heartbeat, one ephemeral status event per project announcing
// the project's live agents, LLM configs, and tools.
//
// Grounded on the teacher's pkg/plugins/registry.go health-check loop
// (StartHealthChecks: a ticker plus a stop channel, select-driven, run in
// its own goroutine by the caller) adapted from polling plugin health to
// publishing a heartbeat event, and on pkg/observability/metrics.go for the
// Prometheus gauges backing the heartbeat content.
package status

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/publisher"
	"github.com/tenex-run/tenex/internal/toolkit"
)

// DefaultInterval is spec.md §4.11's default heartbeat period.
const DefaultInterval = 30 * time.Second

// AgentInfo is what the Status Publisher needs to know about one agent
// loaded into the project, supplied fresh on every heartbeat by the caller
// (internal/project), since only it knows the project's current agent set.
type AgentInfo struct {
	Slug         string
	Pubkey       string
	IsPM         bool
	LLMConfigRef string
	Tools        []string
}

// Config configures a Publisher.
type Config struct {
	// ProjectID is the project's addressable id, published as the a-tag.
	ProjectID string
	// OwnerPubkey is the project owner, published as the p-tag.
	OwnerPubkey string
	// Interval between heartbeats. Zero means DefaultInterval.
	Interval time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

// Publisher runs a project's heartbeat loop. One per loaded project,
// publishing through that project's PM Publisher (spec.md §4.11: "the
// event is signed by the PM's key").
type Publisher struct {
	pub     *publisher.Publisher
	agents  func() []AgentInfo
	metrics *Metrics
	cfg     Config

	stop chan struct{}
}

// New creates a Publisher. agents is called fresh on every tick to read
// the project's current agent set.
func New(pmPublisher *publisher.Publisher, agents func() []AgentInfo, metrics *Metrics, cfg Config) *Publisher {
	return &Publisher{
		pub:     pmPublisher,
		agents:  agents,
		metrics: metrics,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
}

// Start runs the heartbeat loop until ctx is cancelled or Stop is called.
// Callers run this in its own goroutine.
func (p *Publisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

// Stop ends the heartbeat loop.
func (p *Publisher) Stop() {
	close(p.stop)
}

func (p *Publisher) beat(ctx context.Context) {
	agents := p.agents()
	tags := buildTags(p.cfg.ProjectID, p.cfg.OwnerPubkey, agents)

	modelCount, toolCount := len(modelGroups(agents)), len(toolGroups(agents))
	p.metrics.observe(p.cfg.ProjectID, len(agents), modelCount, toolCount)

	if err := p.pub.Status(ctx, nostrx.StatusEphemeral, tags); err != nil {
		obs.Logger().Warn("status heartbeat publish failed", "project", p.cfg.ProjectID, "error", err)
	}
}

// PublishOperationsSnapshot publishes one ephemeral operations-status event
// listing every operation currently in snapshot — spec.md §6's
// OPERATIONS_STATUS_EPHEMERAL kind, resolved as an on-request snapshot
// rather than a periodic heartbeat (SPEC_FULL.md open question 3). Callers
// (internal/project, in response to a CLI or admin trigger) pass the
// output of operations.Registry.Snapshot.
func (p *Publisher) PublishOperationsSnapshot(ctx context.Context, snapshot []OperationInfo) error {
	tags := nostr.Tags{nostrx.NewTag("a", p.cfg.ProjectID)}
	for _, op := range snapshot {
		tags = append(tags, nostrx.NewTag("operation", op.ID, op.AgentSlug, op.ConversationID))
	}
	return p.pub.Status(ctx, nostrx.OpsStatusEphemeral, tags)
}

// OperationInfo mirrors the fields of operations.Operation this package
// needs, kept as its own type so internal/status never imports
// internal/operations for a single three-field struct.
type OperationInfo struct {
	ID             string
	AgentSlug      string
	ConversationID string
}

// buildTags assembles spec.md §4.11's exact tag layout: a-tag project,
// p-tag owner, one agent tag per agent, one model tag per distinct LLM
// config (listing every agent slug using it), one tool tag per distinct
// non-system tool (listing every agent slug that can call it).
func buildTags(projectID, ownerPubkey string, agents []AgentInfo) nostr.Tags {
	tags := nostr.Tags{nostrx.NewTag("a", projectID), nostrx.PTag(ownerPubkey)}

	for _, a := range agents {
		values := []string{"agent", a.Pubkey, a.Slug}
		if a.IsPM {
			values = append(values, "pm")
		}
		tags = append(tags, nostrx.NewTag(values...))
	}

	models := modelGroups(agents)
	for _, configRef := range sortedKeys(models) {
		values := append([]string{"model", configRef}, models[configRef]...)
		tags = append(tags, nostrx.NewTag(values...))
	}

	tools := toolGroups(agents)
	for _, toolName := range sortedKeys(tools) {
		values := append([]string{"tool", toolName}, tools[toolName]...)
		tags = append(tags, nostrx.NewTag(values...))
	}

	return tags
}

func modelGroups(agents []AgentInfo) map[string][]string {
	groups := make(map[string][]string)
	for _, a := range agents {
		groups[a.LLMConfigRef] = append(groups[a.LLMConfigRef], a.Slug)
	}
	return groups
}

// toolGroups excludes system-only tools (delegation primitives, core
// agent control flow) per spec.md §4.11.
func toolGroups(agents []AgentInfo) map[string][]string {
	groups := make(map[string][]string)
	for _, a := range agents {
		for _, name := range a.Tools {
			if toolkit.IsSystemTool(name) {
				continue
			}
			groups[name] = append(groups[name], a.Slug)
		}
	}
	return groups
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
