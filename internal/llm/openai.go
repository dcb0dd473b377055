package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tenex-run/tenex/internal/httpclient"
)

// OpenAIProvider implements Provider against the OpenAI-compatible chat
// completions API (also used by most local/self-hosted gateways), grounded
// on pkg/llms/openai.go's request/response shapes and delta-accumulation
// loop for streamed tool calls.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *httpclient.Client
}

// NewOpenAIProvider creates a provider for model, talking to baseURL (pass
// "" for the default https://api.openai.com so self-hosted gateways using
// the same wire format can be configured via internal/config).
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role       string             `json:"role"`
	Content    string             `json:"content,omitempty"`
	ToolCalls  []openAIToolCallIn `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	Name       string             `json:"name,omitempty"`
}

type openAIToolCallIn struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toOpenAIMessages(system string, msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		out = append(out, openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}

// Stream sends req and translates the OpenAI chat-completions SSE stream
// into StreamChunks, accumulating fragmented tool-call argument deltas by
// index until finish_reason arrives.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	tools := make([]openAITool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openAITool{Type: "function", Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(openAIRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    tools,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("openai returned HTTP %d", resp.StatusCode)
	}

	out := make(chan StreamChunk, 32)
	go p.readSSE(ctx, resp.Body, out)
	return out, nil
}

func (p *OpenAIProvider) readSSE(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type accumTool struct {
		id, name string
		args     strings.Builder
	}
	byIndex := map[int]*accumTool{}
	tokens := 0

	emit := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushToolCalls := func() bool {
		for i := 0; i < len(byIndex); i++ {
			t, ok := byIndex[i]
			if !ok {
				continue
			}
			args := map[string]any{}
			_ = json.Unmarshal([]byte(t.args.String()), &args)
			if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: t.id, Name: t.name, RawArgs: t.args.String(), Arguments: args}}) {
				return false
			}
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			tokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !emit(StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				t, ok := byIndex[tc.Index]
				if !ok {
					t = &accumTool{}
					byIndex[tc.Index] = t
				}
				if tc.ID != "" {
					t.id = tc.ID
				}
				if tc.Function.Name != "" {
					t.name = tc.Function.Name
				}
				t.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				if !flushToolCalls() {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Type: ChunkError, Err: err})
		return
	}
	emit(StreamChunk{Type: ChunkDone, Tokens: tokens})
}
