package project

import (
	"fmt"
	"sync"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/publisher"
)

// publisherSet is one Agent Publisher per roster agent, keyed by pubkey. It
// satisfies executor.Publishers. A signing key is owned exclusively by its
// own Publisher instance (spec.md §5's "agent signing key... never
// borrowed"), so this type only ever constructs publishers from the
// project's own roster, never shares one across projects.
type publisherSet struct {
	mu       sync.RWMutex
	byPubkey map[string]*publisher.Publisher
}

func buildPublishers(agents []*agentstore.Agent, transport nostrx.Transport) (*publisherSet, error) {
	set := &publisherSet{byPubkey: make(map[string]*publisher.Publisher, len(agents))}
	for _, a := range agents {
		hex, err := a.PrivateKeyHex()
		if err != nil {
			return nil, fmt.Errorf("decode signing key for agent %s: %w", a.Slug, err)
		}
		signer, err := nostrx.NewSigner(hex)
		if err != nil {
			return nil, fmt.Errorf("build signer for agent %s: %w", a.Slug, err)
		}
		set.byPubkey[a.Pubkey] = publisher.New(signer, transport)
	}
	return set, nil
}

// Publisher implements executor.Publishers.
func (s *publisherSet) Publisher(pubkey string) (*publisher.Publisher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byPubkey[pubkey]
	return p, ok
}
