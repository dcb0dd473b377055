// Package subscription implements the Subscription Manager from spec.md
// §4.4: one coordinated set of relay subscriptions for the whole daemon,
// recomputed whenever a project loads or unloads, demultiplexing inbound
// events to per-project bounded inboxes.
//
// Grounded on the teacher's pkg/agent/task_service.go InMemoryTaskService
// subscriber-channel pattern (one bounded channel per subscriber, a
// non-blocking send so a slow consumer can never stall the producer)
// generalized from per-task fan-out to per-project fan-out, and on
// golang.org/x/sync/errgroup for running the daemon's concurrent filter
// readers (teacher already depends on golang.org/x/sync).
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
)

// DefaultInboxCapacity is spec.md §4.4's recommended per-project bound.
const DefaultInboxCapacity = 1024

// ProjectSpec is what the Subscription Manager needs from a loaded project
// to route events to it and fold it into the daemon-wide filter set.
type ProjectSpec struct {
	// ID is the project's addressable id, the a-tag value other events use
	// to reference it ("kind:pubkey:dTag").
	ID           string
	AgentPubkeys []string
}

// Config configures the Manager.
type Config struct {
	// WhitelistPubkeys are authors whose events are always subscribed to,
	// used to detect new project activations (spec.md §4.4 filter 1).
	WhitelistPubkeys []string
	// InboxCapacity bounds each project's inbox. Zero means
	// DefaultInboxCapacity.
	InboxCapacity int
}

func (c Config) inboxCapacity() int {
	if c.InboxCapacity <= 0 {
		return DefaultInboxCapacity
	}
	return c.InboxCapacity
}

// Manager owns the daemon's relay subscriptions and every project's bounded
// inbox. One Manager per daemon (spec.md §4.4: "the Subscription Manager is
// the only daemon-scoped component").
type Manager struct {
	transport nostrx.Transport
	cfg       Config

	mu       sync.Mutex
	projects map[string]ProjectSpec
	inboxes  map[string]*inbox
	cancel   context.CancelFunc
}

// New creates a Manager. Call RegisterProject for each project as it loads;
// the first registration issues the initial subscription.
func New(transport nostrx.Transport, cfg Config) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg,
		projects:  make(map[string]ProjectSpec),
		inboxes:   make(map[string]*inbox),
	}
}

// RegisterProject adds or updates spec's filter contribution, recomputes
// and re-issues the daemon-wide subscription set (spec.md §4.4's "on
// project load... the filter set is recomputed"), and returns the
// project's inbox channel.
func (m *Manager) RegisterProject(ctx context.Context, spec ProjectSpec) <-chan *nostr.Event {
	m.mu.Lock()
	m.projects[spec.ID] = spec
	box, ok := m.inboxes[spec.ID]
	if !ok {
		box = newInbox(m.cfg.inboxCapacity())
		m.inboxes[spec.ID] = box
	}
	m.mu.Unlock()

	m.resubscribe(ctx)
	return box.out()
}

// UnregisterProject removes a project from the filter set, closes its
// inbox, and re-issues the subscription (spec.md §4.4's "project ...
// unload").
func (m *Manager) UnregisterProject(ctx context.Context, projectID string) {
	m.mu.Lock()
	delete(m.projects, projectID)
	box, ok := m.inboxes[projectID]
	delete(m.inboxes, projectID)
	m.mu.Unlock()

	if ok {
		box.close()
	}
	m.resubscribe(ctx)
}

// Stop tears down the active subscription. Inboxes are left untouched;
// callers tear down projects individually via UnregisterProject.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// resubscribe cancels the previous reader goroutines and starts fresh ones
// against the filter set built from every currently registered project —
// "a single updated subscription re-issued" per spec.md §4.4.
func (m *Manager) resubscribe(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	filters := m.buildFilters()
	m.mu.Unlock()

	if len(filters) == 0 {
		return
	}
	go m.run(subCtx, filters)
}

// buildFilters constructs spec.md §4.4's five filter types from the current
// project set. Must be called with m.mu held.
func (m *Manager) buildFilters() []nostrx.Filter {
	var filters []nostrx.Filter

	if len(m.cfg.WhitelistPubkeys) > 0 {
		filters = append(filters, nostrx.Filter{Authors: append([]string(nil), m.cfg.WhitelistPubkeys...)})
	}

	var projectIDs, agentPubkeys []string
	for id, spec := range m.projects {
		projectIDs = append(projectIDs, id)
		agentPubkeys = append(agentPubkeys, spec.AgentPubkeys...)
	}

	if len(projectIDs) > 0 {
		filters = append(filters, nostrx.Filter{Tags: nostr.TagMap{"a": projectIDs}})
	}
	if len(agentPubkeys) > 0 {
		filters = append(filters, nostrx.Filter{Tags: nostr.TagMap{"p": agentPubkeys}})
		filters = append(filters, nostrx.Filter{Kinds: []int{nostrx.LessonEvent}, Authors: agentPubkeys})
	}
	filters = append(filters, nostrx.Filter{Kinds: []int{nostrx.SpecReply}})

	return filters
}

// run fans out one reader goroutine per filter and routes every event each
// one yields until ctx is cancelled by the next resubscribe or Stop.
func (m *Manager) run(ctx context.Context, filters []nostrx.Filter) {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range filters {
		f := f
		g.Go(func() error {
			return m.readFilter(gctx, f)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		obs.Logger().Warn("subscription reader stopped", "error", err)
	}
}

func (m *Manager) readFilter(ctx context.Context, filter nostrx.Filter) error {
	events, err := m.transport.Subscribe(ctx, filter)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case re, ok := <-events:
			if !ok {
				return nil
			}
			if re.Event != nil {
				m.route(re.Event)
			}
		}
	}
}

// route dispatches one inbound event to every project it belongs to:
// addressable a-tag match first, else every project whose agent it p-tags
// (spec.md §4.4). An event can fan to more than one project; never blocks
// the transport reader (spec.md §4.4's backpressure rule) since inbox.push
// always returns immediately.
func (m *Manager) route(evt *nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if aVal := aTagValue(evt); aVal != "" {
		if box, ok := m.inboxes[aVal]; ok {
			box.push(evt)
			return
		}
	}

	pubkeys := pTagValues(evt)
	if len(pubkeys) == 0 {
		return
	}
	for id, spec := range m.projects {
		if projectHasAnyAgent(spec, pubkeys) {
			if box, ok := m.inboxes[id]; ok {
				box.push(evt)
			}
		}
	}
}

func projectHasAnyAgent(spec ProjectSpec, pubkeys map[string]struct{}) bool {
	for _, a := range spec.AgentPubkeys {
		if _, ok := pubkeys[a]; ok {
			return true
		}
	}
	return false
}

func aTagValue(evt *nostr.Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "a" {
			return t[1]
		}
	}
	return ""
}

func pTagValues(evt *nostr.Event) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" {
			out[t[1]] = struct{}{}
		}
	}
	return out
}

// inbox is a per-project bounded event queue with drop-oldest overflow
// behavior (spec.md §4.4's backpressure rule), backed by a buffered
// channel. push is only ever called from route with m.mu held, so the
// retry loop below never races with itself — only with consumers
// draining the same channel, which only shrinks it further.
type inbox struct {
	ch     chan *nostr.Event
	closed bool
}

func newInbox(capacity int) *inbox {
	return &inbox{ch: make(chan *nostr.Event, capacity)}
}

func (b *inbox) push(evt *nostr.Event) {
	for {
		select {
		case b.ch <- evt:
			return
		default:
		}
		select {
		case dropped := <-b.ch:
			obs.Logger().Warn("project inbox full, dropping oldest event", "dropped_event", dropped.ID)
		default:
			// Someone else drained it between our two selects; loop back
			// around and try the send again.
		}
	}
}

func (b *inbox) out() <-chan *nostr.Event {
	return b.ch
}

func (b *inbox) close() {
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
