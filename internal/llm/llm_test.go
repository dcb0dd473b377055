package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tenex-run/tenex/internal/config"
)

func TestToAnthropicMessagesSeparatesSystem(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out, system := toAnthropicMessages(msgs)
	assert.Equal(t, "be terse", system)
	assert.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestToAnthropicMessagesMapsToolRoleToUser(t *testing.T) {
	out, _ := toAnthropicMessages([]Message{{Role: "tool", Content: "result", ToolCallID: "t1"}})
	assert.Equal(t, "user", out[0].Role)
}

func TestToOpenAIMessagesPrependsSystem(t *testing.T) {
	out := toOpenAIMessages("be terse", []Message{{Role: "user", Content: "hi"}})
	assert.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "be terse", out[0].Content)
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing")
	assert.Error(t, err)
}

func TestNewFromConfigRejectsUnknownKind(t *testing.T) {
	_, err := newFromConfig(config.LLMProvider{Kind: "mystery"})
	assert.Error(t, err)
}
