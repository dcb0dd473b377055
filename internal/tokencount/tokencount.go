// Package tokencount provides accurate token counting used by the Message
// Builder's sliding-window compression strategy (SPEC_FULL.md §3). Grounded
// on the teacher's pkg/utils.TokenCounter: per-model tiktoken encoding,
// cached across instances since building an encoding is the expensive part.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for one model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New returns a Counter for model, falling back to cl100k_base when the
// model has no registered tiktoken encoding (e.g. Claude models, which this
// daemon still budgets against an OpenAI-shaped encoding as an estimate).
func New(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()
	return &Counter{encoding: enc}, nil
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}
