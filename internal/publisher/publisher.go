// Package publisher implements the Agent Publisher from spec.md §4.9:
// construct and sign outbound events, the single place in the daemon that
// maps an intent (reply, delegation, completion, status, streaming frame)
// onto wire-format tags and a numeric kind.
//
// Grounded on the teacher's request-construction helpers in
// pkg/tools/agent_call.go (buildAgentRequest's intent→wire-message mapping)
// generalized from the A2A protobuf wire format to signed Nostr events, and
// on the per-agent credential scoping in pkg/config/auth.go for the rule
// that a Publisher instance only ever holds and uses one agent's key.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
)

// Publisher signs and publishes every outbound event for exactly one agent
// identity. It never sees, and must never be handed, another agent's key
// (spec.md §4.9, spec.md §5's "Agent signing key" shared-resource rule).
type Publisher struct {
	signer    *nostrx.Signer
	transport nostrx.Transport
}

// New creates a Publisher bound to signer's identity, publishing through
// transport.
func New(signer *nostrx.Signer, transport nostrx.Transport) *Publisher {
	return &Publisher{signer: signer, transport: transport}
}

// Pubkey returns the bound agent's public key.
func (p *Publisher) Pubkey() string {
	return p.signer.Pubkey()
}

// Reply publishes a generic-reply event e-tagging the conversation root
// (and parent, if replying to a non-root event) and p-tagging any mentions.
func (p *Publisher) Reply(ctx context.Context, rootID, parentID string, mentions []string, content string) (*nostr.Event, error) {
	tags := nostr.Tags{nostrx.ETag(rootID, "", "root")}
	if parentID != "" && parentID != rootID {
		tags = append(tags, nostrx.ETag(parentID, "", "reply"))
	}
	for _, m := range mentions {
		tags = append(tags, nostrx.PTag(m))
	}
	return p.publish(ctx, nostrx.GenericReply, content, tags)
}

// DelegationTaskResult is one published delegation-task event.
type DelegationTaskResult struct {
	RecipientPubkey string
	EventID         string
}

// Delegate publishes one delegation-task event per recipient, each e-tagging
// the conversation root and p-tagging that recipient. phase, if non-empty,
// is carried as a t-tag. Returns one result per recipient in the order
// given; a publish failure for one recipient does not prevent the others
// from being attempted, and the first error is returned alongside whatever
// results did succeed.
func (p *Publisher) Delegate(ctx context.Context, rootID, phase string, recipientPubkeys []string, content string) ([]DelegationTaskResult, error) {
	results := make([]DelegationTaskResult, 0, len(recipientPubkeys))
	var firstErr error

	for _, recipient := range recipientPubkeys {
		tags := nostr.Tags{nostrx.ETag(rootID, "", "root"), nostrx.PTag(recipient)}
		if phase != "" {
			tags = append(tags, nostrx.TTag(phase))
		}
		evt, err := p.publish(ctx, nostrx.DelegationTask, content, tags)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delegate to %s: %w", recipient, err)
			}
			continue
		}
		results = append(results, DelegationTaskResult{RecipientPubkey: recipient, EventID: evt.ID})
	}
	return results, firstErr
}

// CompleteDelegation publishes a delegation-response event answering
// taskEventID, e-tagging the task and p-tagging the delegator.
func (p *Publisher) CompleteDelegation(ctx context.Context, taskEventID, delegatorPubkey, content string) (*nostr.Event, error) {
	tags := nostr.Tags{nostrx.ETag(taskEventID, "", "reply"), nostrx.PTag(delegatorPubkey)}
	return p.publish(ctx, nostrx.DelegationResp, content, tags)
}

// StreamFrame publishes an ephemeral streaming-response chunk, consumed by
// UI clients only and never persisted into conversation history (spec.md
// §4.9).
func (p *Publisher) StreamFrame(ctx context.Context, rootID, content string) error {
	tags := nostr.Tags{nostrx.ETag(rootID, "", "root")}
	_, err := p.publish(ctx, nostrx.StreamingEphemeral, content, tags)
	return err
}

// Status publishes an ephemeral status (or operations-status) event built
// from pre-assembled tags (spec.md §4.11's agent/model/tool enumeration is
// the caller's responsibility — internal/status — since only it knows the
// project's agent/model/tool set).
func (p *Publisher) Status(ctx context.Context, kind int, tags nostr.Tags) error {
	_, err := p.publish(ctx, kind, "", tags)
	return err
}

func (p *Publisher) publish(ctx context.Context, kind int, content string, tags nostr.Tags) (*nostr.Event, error) {
	if tp := obs.TraceContextTag(ctx); tp != "" {
		tags = append(tags, nostrx.TraceContextTag(tp))
	}

	evt := &nostr.Event{
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
	}
	if err := p.signer.Sign(evt); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	if err := p.transport.Publish(ctx, evt); err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	return evt, nil
}
