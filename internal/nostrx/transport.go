// Package nostrx wraps go-nostr's relay pool behind the small Transport
// interface the rest of the daemon depends on, so the Subscription Manager,
// Agent Publisher, and Status Publisher never import go-nostr directly.
// Grounded on the relay-pool usage pattern from the nostr-client manifest in
// the reference pack (other_examples/manifests/haasonsaas-nexus/go.mod),
// since no full example repo in the corpus depends on a Nostr library.
package nostrx

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event is a signed Nostr event, re-exported so callers don't import
// go-nostr directly for the common case.
type Event = nostr.Event

// Filter is a Nostr subscription filter.
type Filter = nostr.Filter

// RelayEvent pairs an incoming event with the relay URL it arrived from,
// used for dedup diagnostics and relay-health logging.
type RelayEvent struct {
	Event *Event
	Relay string
}

// Transport is the daemon's view of a Nostr relay pool: subscribe to a
// filter set across every configured relay, publish a signed event to all
// of them, and tear down cleanly on shutdown.
type Transport interface {
	// Subscribe opens a long-lived subscription across all configured
	// relays for a single filter. Nostr filters AND their fields together,
	// so the Subscription Manager's five logically-ORed filter types
	// (spec.md §4.4) each get their own Subscribe call rather than being
	// merged into one. The returned channel closes when ctx is cancelled
	// or Close is called.
	Subscribe(ctx context.Context, filter Filter) (<-chan RelayEvent, error)

	// Publish sends evt to every configured relay, returning an error only
	// if every relay rejected or failed to accept it.
	Publish(ctx context.Context, evt *Event) error

	// Close disconnects from all relays.
	Close()
}

// Pool is a Transport backed by go-nostr's SimplePool, connecting to a
// fixed set of relay URLs.
type Pool struct {
	relays []string
	pool   *nostr.SimplePool
}

// NewPool creates a Transport connected to the given relay URLs. Connection
// establishment is lazy per relay (go-nostr's SimplePool dials on first use
// and reconnects on drop), matching the at-least-one-relay-up tolerance
// described in spec.md §5.
func NewPool(relayURLs []string) *Pool {
	return &Pool{
		relays: relayURLs,
		pool:   nostr.NewSimplePool(context.Background()),
	}
}

func (p *Pool) Subscribe(ctx context.Context, filter Filter) (<-chan RelayEvent, error) {
	out := make(chan RelayEvent, 256)
	sub := p.pool.SubMany(ctx, p.relays, filter)

	go func() {
		defer close(out)
		for ie := range sub {
			if ie.Event == nil {
				continue
			}
			select {
			case out <- RelayEvent{Event: ie.Event, Relay: ie.Relay.URL}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (p *Pool) Publish(ctx context.Context, evt *Event) error {
	var lastErr error
	published := 0
	for _, url := range p.relays {
		relay, err := p.pool.EnsureRelay(url)
		if err != nil {
			lastErr = fmt.Errorf("connect to %s: %w", url, err)
			continue
		}
		if err := relay.Publish(ctx, *evt); err != nil {
			lastErr = fmt.Errorf("publish to %s: %w", url, err)
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("publish failed on all %d relays: %w", len(p.relays), lastErr)
	}
	return nil
}

func (p *Pool) Close() {
	p.pool.Close("daemon shutdown")
}
