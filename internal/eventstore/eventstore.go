// Package eventstore implements the EventRouter from spec.md §4.1: a
// per-project bounded cache of processed event ids, so a replayed event
// (duplicate relay delivery, restart replay) is recognized and skipped
// before it reaches the Event Handler. Persistence is debounced and
// best-effort, following the teacher's checkpoint.Storage idiom of logging
// persistence failures (at Warn) rather than treating them as fatal.
package eventstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/store"
)

// MaxIDs bounds the processed-event cache per project, per spec.md §4.1.
const MaxIDs = 10_000

// DebounceInterval is the maximum delay between a markProcessed call and
// its durable write, per spec.md §4.1.
const DebounceInterval = 5 * time.Second

// Router answers "have I processed event e for this project?" and records
// "yes" idempotently, persisting the processed set with a debounced write.
type Router struct {
	dir string

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string // insertion order, oldest first, for LRU eviction
	dirty   bool
	timer   *time.Timer
	closeCh chan struct{}
}

// Load reads the persisted processed-event cache for a project from
// <dataDir>/processed-events.json. A missing file is treated as empty,
// per spec.md §4.1.
func Load(dataDir string) (*Router, error) {
	r := &Router{
		dir:     dataDir,
		seen:    make(map[string]struct{}),
		closeCh: make(chan struct{}),
	}

	var ids []string
	path := r.path()
	if err := store.ReadJSON(path, &ids); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(ids) > MaxIDs {
		ids = ids[len(ids)-MaxIDs:]
	}
	r.order = ids
	for _, id := range ids {
		r.seen[id] = struct{}{}
	}
	return r, nil
}

func (r *Router) path() string {
	return filepath.Join(r.dir, "processed-events.json")
}

// Seen reports whether eventID has already been processed.
func (r *Router) Seen(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[eventID]
	return ok
}

// MarkProcessed records eventID as processed and schedules a debounced
// persist. A no-op if the id is already recorded.
func (r *Router) MarkProcessed(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[eventID]; ok {
		return
	}
	r.seen[eventID] = struct{}{}
	r.order = append(r.order, eventID)
	for len(r.order) > MaxIDs {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, evicted)
	}
	r.dirty = true
	r.scheduleFlushLocked()
}

func (r *Router) scheduleFlushLocked() {
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(DebounceInterval, r.flush)
}

func (r *Router) flush() {
	r.mu.Lock()
	if !r.dirty {
		r.timer = nil
		r.mu.Unlock()
		return
	}
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.dirty = false
	r.timer = nil
	r.mu.Unlock()

	if err := store.WriteJSONAtomic(r.path(), ids); err != nil {
		obs.Logger().Warn("persist processed-event cache failed", "error", err, "dir", r.dir)
		return
	}
	slog.Debug("persisted processed-event cache", "dir", r.dir, "count", len(ids))
}

// Flush forces an immediate synchronous persist, used on graceful project
// shutdown so the debounce window doesn't drop recent markProcessed calls.
func (r *Router) Flush() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.dirty = false
	r.mu.Unlock()

	return store.WriteJSONAtomic(r.path(), ids)
}
