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
	"time"

	"github.com/tenex-run/tenex/internal/httpclient"
)

// AnthropicProvider implements Provider against the Anthropic Messages API,
// grounded on pkg/llms/anthropic.go's request/response shapes and SSE
// parsing loop.
type AnthropicProvider struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *httpclient.Client
}

// NewAnthropicProvider creates a provider for the given model, using
// internal/httpclient's retry envelope tuned to spec.md §7's transport
// policy.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:    apiKey,
		model:     model,
		maxTokens: 4096,
		baseURL:   "https://api.anthropic.com",
		httpClient: httpclient.New(
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string              `json:"model"`
	Messages  []anthropicMessage  `json:"messages"`
	MaxTokens int                 `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	System    string              `json:"system,omitempty"`
	Tools     []anthropicTool     `json:"tools,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock *struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content_block"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toAnthropicMessages(msgs []Message) ([]anthropicMessage, string) {
	var system strings.Builder
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		out = append(out, anthropicMessage{Role: role, Content: m.Content})
	}
	return out, system.String()
}

// Stream sends req and translates Anthropic's SSE stream into StreamChunks.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	msgs, derivedSystem := toAnthropicMessages(req.Messages)
	system := req.System
	if derivedSystem != "" {
		system = strings.TrimSpace(system + "\n\n" + derivedSystem)
	}

	tools := make([]anthropicTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: p.maxTokens,
		Stream:    true,
		System:    system,
		Tools:     tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic returned HTTP %d", resp.StatusCode)
	}

	out := make(chan StreamChunk, 32)
	go p.readSSE(ctx, resp.Body, out)
	return out, nil
}

func (p *AnthropicProvider) readSSE(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pendingTool *ToolCall
	var pendingArgsJSON strings.Builder
	tokens := 0

	emit := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	start := time.Now()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				pendingTool = &ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				pendingArgsJSON.Reset()
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if !emit(StreamChunk{Type: ChunkText, Text: ev.Delta.Text}) {
					return
				}
			}
			if ev.Delta.Type == "input_json_delta" {
				pendingArgsJSON.WriteString(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			if pendingTool != nil {
				pendingTool.RawArgs = pendingArgsJSON.String()
				args := map[string]any{}
				_ = json.Unmarshal([]byte(pendingTool.RawArgs), &args)
				pendingTool.Arguments = args
				if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: pendingTool}) {
					return
				}
				pendingTool = nil
			}
		case "message_delta":
			if ev.Usage != nil {
				tokens = ev.Usage.OutputTokens
			}
		}

		if time.Since(start) > 300*time.Second {
			emit(StreamChunk{Type: ChunkError, Err: fmt.Errorf("anthropic stream exceeded hard timeout")})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Type: ChunkError, Err: err})
		return
	}
	emit(StreamChunk{Type: ChunkDone, Tokens: tokens})
}
