// Package daemon owns the process-wide singletons spec.md's component
// list never names directly: the Agent Store, LLM provider registry, tool
// registry, relay transport, and Subscription Manager, plus the set of
// live Project Runtimes built on top of them. It exists to eliminate the
// "global singletons" pattern SPEC_FULL.md flags — nothing here is a
// package-level var, everything is constructed once in New and threaded
// through explicitly.
//
// Grounded on the teacher's cmd/hector/main.go ServeCmd.Run: build every
// shared subsystem up front (session service, runtime, executors), start
// a signal-driven shutdown context, then block until told to stop.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/project"
	"github.com/tenex-run/tenex/internal/status"
	"github.com/tenex-run/tenex/internal/store"
	"github.com/tenex-run/tenex/internal/subscription"
	"github.com/tenex-run/tenex/internal/toolkit"
)

// Daemon owns every daemon-wide subsystem and the set of loaded projects.
type Daemon struct {
	cfg       config.Config
	agents    *agentstore.Store
	providers *llm.Registry
	tools     *toolkit.Registry
	transport nostrx.Transport
	subs      *subscription.Manager
	metrics   *status.Metrics

	mu       sync.Mutex
	projects map[string]*project.Runtime // keyed by Definition.ID
}

// New builds every daemon-wide subsystem from cfg. It does not yet connect
// to any relay or load any project; call Run for that.
func New(cfg config.Config) (*Daemon, error) {
	agents, err := agentstore.Open(cfg.GlobalDataDir)
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}

	providers := llm.NewRegistry()
	if err := providers.LoadFromConfig(cfg.LLMProviders); err != nil {
		return nil, fmt.Errorf("load llm providers: %w", err)
	}

	tools := toolkit.New()
	toolkit.MustRegister(tools, toolkit.DelegateTool{})
	toolkit.MustRegister(tools, toolkit.CompleteTool{})
	toolkit.MustRegister(tools, toolkit.SwitchPhaseTool{})

	transport := nostrx.NewPool(cfg.Relays)
	subs := subscription.New(transport, subscription.Config{
		WhitelistPubkeys: cfg.WhitelistedPubkeys,
		InboxCapacity:    cfg.InboxCapacity,
	})

	return &Daemon{
		cfg:       cfg,
		agents:    agents,
		providers: providers,
		tools:     tools,
		transport: transport,
		subs:      subs,
		metrics:   status.NewMetrics(),
		projects:  make(map[string]*project.Runtime),
	}, nil
}

// Agents exposes the global Agent Store, used by cmd/tenex's `agent`
// subcommands.
func (d *Daemon) Agents() *agentstore.Store { return d.agents }

func (d *Daemon) cacheDir() string {
	return filepath.Join(d.cfg.GlobalDataDir, "projects")
}

func (d *Daemon) cachePath(def project.Definition) string {
	return filepath.Join(d.cacheDir(), def.DTag+".json")
}

// Run loads every cached project definition from disk, starts a Project
// Runtime for each, then listens on a direct whitelist-authored PROJECT_DEF
// subscription for new project definitions (spec.md §4.4 filter
// 1, "used to detect new project activations") until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defs, err := d.loadCachedDefinitions()
	if err != nil {
		return fmt.Errorf("load cached project definitions: %w", err)
	}
	for _, def := range defs {
		if err := d.loadProject(def); err != nil {
			obs.Logger().Warn("failed to start cached project", "project", def.ID, "error", err)
		}
	}

	if len(d.cfg.WhitelistedPubkeys) > 0 {
		if err := d.watchNewProjects(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) loadCachedDefinitions() ([]project.Definition, error) {
	entries, err := os.ReadDir(d.cacheDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var defs []project.Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var def project.Definition
		path := filepath.Join(d.cacheDir(), e.Name())
		if err := store.ReadJSON(path, &def); err != nil {
			return nil, fmt.Errorf("read cached project %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d *Daemon) cacheDefinition(def project.Definition) error {
	return store.WriteJSONAtomic(d.cachePath(def), def)
}

// loadProject builds and starts a Project Runtime for def, replacing any
// existing runtime under the same id (spec.md §3's project-update: reload
// the project in place rather than running two instances side by side).
func (d *Daemon) loadProject(def project.Definition) error {
	deps := project.Deps{
		Agents:        d.agents,
		Providers:     d.providers,
		Tools:         d.tools,
		Transport:     d.transport,
		Subscriptions: d.subs,
		Metrics:       d.metrics,
		Config:        d.cfg,
	}

	rt, err := project.New(def, deps)
	if err != nil {
		return fmt.Errorf("build project runtime: %w", err)
	}

	d.mu.Lock()
	existing, hadExisting := d.projects[def.ID]
	d.projects[def.ID] = rt
	d.mu.Unlock()

	if hadExisting {
		if err := existing.Stop(context.Background()); err != nil {
			obs.Logger().Warn("failed to stop superseded project runtime", "project", def.ID, "error", err)
		}
	}

	if err := rt.Start(context.Background()); err != nil {
		return fmt.Errorf("start project runtime: %w", err)
	}
	if err := d.cacheDefinition(def); err != nil {
		obs.Logger().Warn("failed to cache project definition", "project", def.ID, "error", err)
	}

	obs.Logger().Info("project loaded", "project", def.ID, "title", def.Title)
	return nil
}

// watchNewProjects runs the daemon-scoped PROJECT_DEF subscription in its
// own goroutine. It only acts on events for projects not already tracked;
// an update to a known project instead reaches that project's own inbox
// through the Subscription Manager's project-activity filter, handled by
// project.Runtime.handleProjectUpdate.
func (d *Daemon) watchNewProjects(ctx context.Context) error {
	events, err := d.transport.Subscribe(ctx, nostrx.Filter{
		Kinds:   []int{nostrx.ProjectDef},
		Authors: append([]string(nil), d.cfg.WhitelistedPubkeys...),
	})
	if err != nil {
		return fmt.Errorf("subscribe to whitelist project definitions: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case re, ok := <-events:
				if !ok {
					return
				}
				if re.Event == nil {
					continue
				}
				d.handleDiscoveredProjectDef(re.Event)
			}
		}
	}()
	return nil
}

func (d *Daemon) handleDiscoveredProjectDef(evt *nostrx.Event) {
	def, err := project.ParseDefinition(evt)
	if err != nil {
		obs.Logger().Warn("dropping malformed project definition", "event", evt.ID, "error", err)
		return
	}

	d.mu.Lock()
	_, known := d.projects[def.ID]
	d.mu.Unlock()
	if known {
		return
	}

	if err := d.loadProject(def); err != nil {
		obs.Logger().Warn("failed to start discovered project", "project", def.ID, "error", err)
	}
}

// RunSingleProject is the `project run --path` compat/dev mode: load and
// start exactly one project (no whitelist discovery of others) and block
// until ctx is cancelled.
func (d *Daemon) RunSingleProject(ctx context.Context, def project.Definition) error {
	if err := d.loadProject(def); err != nil {
		return err
	}
	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	d.mu.Lock()
	runtimes := make([]*project.Runtime, 0, len(d.projects))
	for _, rt := range d.projects {
		runtimes = append(runtimes, rt)
	}
	d.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), project.StopGracePeriod+5*time.Second)
	defer cancel()

	var firstErr error
	for _, rt := range runtimes {
		if err := rt.Stop(stopCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.subs.Stop()
	d.transport.Close()
	return firstErr
}
