// Package agentstore is the global Agent Store: the set of agent identities
// (Nostr keypair, slug, role, instructions, allowed tools, LLM config
// reference) available to every Project Runtime on this daemon. It persists
// one JSON file per agent under <global_root>/agents/<pubkey>.json, using
// the atomic write primitives from internal/store, and keeps the loaded
// agents in plain in-memory maps (not the generic internal/registry type).
package agentstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/tenex-run/tenex/internal/errs"
	"github.com/tenex-run/tenex/internal/store"
)

// Agent is one registered agent identity.
type Agent struct {
	Slug         string   `json:"slug"`
	Pubkey       string   `json:"pubkey"`
	Nsec         string   `json:"nsec"` // bech32-encoded private key, file-permission 0o600
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	Tools        []string `json:"tools"`
	LLMConfigRef string   `json:"llm_config_ref"`
	IsPM         bool     `json:"is_pm"`
}

// PrivateKeyHex decodes the agent's bech32 nsec into a hex private key
// suitable for nostr.Event.Sign.
func (a Agent) PrivateKeyHex() (string, error) {
	prefix, data, err := nip19.Decode(a.Nsec)
	if err != nil {
		return "", fmt.Errorf("decode nsec for %s: %w", a.Slug, err)
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("agent %s: expected nsec, got %s", a.Slug, prefix)
	}
	return data.(string), nil
}

// Store is the in-memory index of Agents, backed by one JSON file per agent
// on disk. Reads are served from memory; every mutation persists atomically
// before returning.
type Store struct {
	dir string

	mu     sync.RWMutex
	bySlug map[string]*Agent
}

// Open loads every agent file under <globalRoot>/agents/ into memory.
func Open(globalRoot string) (*Store, error) {
	dir := filepath.Join(globalRoot, "agents")
	s := &Store{dir: dir, bySlug: make(map[string]*Agent)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read agent store dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var a Agent
		path := filepath.Join(dir, e.Name())
		if err := store.ReadJSON(path, &a); err != nil {
			return nil, fmt.Errorf("load agent file %s: %w", path, err)
		}
		s.bySlug[a.Slug] = &a
	}
	return s, nil
}

func (s *Store) path(a *Agent) string {
	return filepath.Join(s.dir, a.Pubkey+".json")
}

// Create generates a fresh Nostr keypair for slug and persists the agent.
// Returns errs.ValidationFailure if the slug is already registered.
func (s *Store) Create(slug, role, instructions string, tools []string, llmConfigRef string, isPM bool) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySlug[slug]; exists {
		return nil, errs.New(errs.ValidationFailure, fmt.Sprintf("agent slug %q already registered", slug), nil)
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("encode nsec: %w", err)
	}

	a := &Agent{
		Slug:         slug,
		Pubkey:       pk,
		Nsec:         nsec,
		Role:         role,
		Instructions: instructions,
		Tools:        tools,
		LLMConfigRef: llmConfigRef,
		IsPM:         isPM,
	}
	if err := s.persist(a); err != nil {
		return nil, err
	}
	s.bySlug[slug] = a
	return a, nil
}

// Update replaces the stored agent's mutable fields and re-persists it.
// Returns an errs.ValidationFailure error if slug is unknown.
func (s *Store) Update(slug string, mutate func(*Agent)) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.bySlug[slug]
	if !ok {
		return nil, errs.New(errs.ValidationFailure, fmt.Sprintf("agent slug %q not found", slug), nil)
	}
	updated := *a
	mutate(&updated)
	if err := s.persist(&updated); err != nil {
		return nil, err
	}
	s.bySlug[slug] = &updated
	return &updated, nil
}

// Remove deletes the agent's persisted file and in-memory entry.
func (s *Store) Remove(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.bySlug[slug]
	if !ok {
		return errs.New(errs.ValidationFailure, fmt.Sprintf("agent slug %q not found", slug), nil)
	}
	if err := os.Remove(s.path(a)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent file: %w", err)
	}
	delete(s.bySlug, slug)
	return nil
}

// Get returns the agent registered under slug.
func (s *Store) Get(slug string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.bySlug[slug]
	return a, ok
}

// ByPubkey scans for the agent with the given hex pubkey. O(n); the agent
// set is small (tens, not thousands) so no secondary index is maintained.
func (s *Store) ByPubkey(pubkey string) (*Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.bySlug {
		if a.Pubkey == pubkey {
			return a, true
		}
	}
	return nil, false
}

// List returns every registered agent, sorted by slug.
func (s *Store) List() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.bySlug))
	for _, a := range s.bySlug {
		out = append(out, a)
	}
	sortAgentsBySlug(out)
	return out
}

func (s *Store) persist(a *Agent) error {
	if err := store.WriteJSONAtomic(s.path(a), a); err != nil {
		return errs.New(errs.PersistenceFailure, "write agent file", err)
	}
	return os.Chmod(s.path(a), 0o600)
}

func sortAgentsBySlug(agents []*Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j].Slug < agents[j-1].Slug; j-- {
			agents[j], agents[j-1] = agents[j-1], agents[j]
		}
	}
}
