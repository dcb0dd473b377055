// Package errs defines the error taxonomy from spec.md §7 as sentinel-
// wrapped kinds, so callers can branch on failure category with errors.Is /
// errors.As instead of matching on error strings.
package errs

import "fmt"

// Kind identifies a category of failure from the spec's error taxonomy.
type Kind string

const (
	TransportFailure     Kind = "transport_failure"
	ValidationFailure    Kind = "validation_failure"
	StateInvariant       Kind = "state_invariant"
	ConversationNotFound Kind = "conversation_not_found"
	LLMTimeout           Kind = "llm_timeout"
	LLMCancelled         Kind = "llm_cancelled"
	LLMStreamError       Kind = "llm_stream_error"
	ToolError            Kind = "tool_error"
	DelegationSelfTarget Kind = "delegation_self_target"
	PersistenceFailure   Kind = "persistence_failure"
	DuplicateEvent       Kind = "duplicate_event"
)

// Error wraps an underlying error with a taxonomy Kind and optional
// contextual fields (conversation id, agent slug, ...).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, errs.New(kind, "", nil)) style comparisons by
// kind alone, ignoring Message and Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Of returns a sentinel used purely for errors.Is comparisons, e.g.
// errors.Is(err, errs.Of(errs.DuplicateEvent)).
func Of(kind Kind) *Error {
	return &Error{Kind: kind}
}
