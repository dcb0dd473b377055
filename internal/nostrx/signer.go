package nostrx

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Signer signs and stamps outbound events on behalf of one agent identity.
type Signer struct {
	privateKeyHex string
	pubkeyHex     string
}

// NewSigner builds a Signer from a hex private key, deriving the public key
// once up front so every Sign call avoids re-deriving it.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pub, err := nostr.GetPublicKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	return &Signer{privateKeyHex: privateKeyHex, pubkeyHex: pub}, nil
}

// Pubkey returns the signer's hex public key.
func (s *Signer) Pubkey() string {
	return s.pubkeyHex
}

// Sign stamps evt's PubKey and CreatedAt (if unset) and computes ID/Sig.
func (s *Signer) Sign(evt *Event) error {
	evt.PubKey = s.pubkeyHex
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Timestamp(time.Now().Unix())
	}
	if err := evt.Sign(s.privateKeyHex); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}
