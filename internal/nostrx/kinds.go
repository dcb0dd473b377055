package nostrx

import (
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds. Numeric values are this daemon's transport configuration —
// spec.md §6 only requires the symbolic set exist, not specific numbers —
// chosen in the NIP-23/NIP-78-adjacent addressable-event range so
// PROJECT_DEF and AGENT_CONFIG_UPDATE can be addressable (30000s) while
// conversation events stay in the regular/ephemeral ranges.
const (
	ThreadRoot     = 11100
	GenericReply   = 1111
	MetadataReply  = 513
	SpecReply      = 30818
	DelegationTask = 11101
	DelegationResp = 11102
	ProjectDef     = 31100
	AgentConfigUpd = 31101
	StopRequest    = 11103
	LessonEvent    = 11104 // agent-authored learning, subscription.Manager filter 4 (spec.md §4.4)

	StatusEphemeral    = 24100
	StreamingEphemeral = 24101
	OpsStatusEphemeral = 24102
)

// NewTag builds a Nostr tag tuple, e.g. NewTag("e", rootID, "", "root").
func NewTag(values ...string) nostr.Tag {
	return nostr.Tag(values)
}

// ETag builds an "e" tag referencing eventID, optionally with a relay hint
// and a marker ("root", "reply").
func ETag(eventID, relayHint, marker string) nostr.Tag {
	return nostr.Tag{"e", eventID, relayHint, marker}
}

// PTag builds a "p" tag mentioning or targeting pubkey.
func PTag(pubkey string) nostr.Tag {
	return nostr.Tag{"p", pubkey}
}

// ATag builds an "a" tag referencing an addressable project-definition
// event: kind:pubkey:dTag.
func ATag(kind int, pubkey, dTag string) nostr.Tag {
	return nostr.Tag{"a", fmt.Sprintf("%d:%s:%s", kind, pubkey, dTag)}
}

// KTag builds a "K" tag naming the kind of the event a reply responds to.
func KTag(kind int) nostr.Tag {
	return nostr.Tag{"K", strconv.Itoa(kind)}
}

// TTag builds a "t" tag naming a conversation phase or topic.
func TTag(value string) nostr.Tag {
	return nostr.Tag{"t", value}
}

// TraceContextTag builds the "trace_context" tag carrying a W3C traceparent
// string, per spec.md §4.9.
func TraceContextTag(traceparent string) nostr.Tag {
	return nostr.Tag{"trace_context", traceparent}
}
