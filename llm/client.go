package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModelID = "gpt-4-turbo"
)

// ChatClient wraps the HTTP calls to an OpenAI compatible chat completions API.
type ChatClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewChatClientFromEnv constructs a ChatClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_MODEL_ID: optional override for the target model (defaults to defaultModelID)
func NewChatClientFromEnv() (*ChatClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("llm: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	return &ChatClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// DefaultModelID returns the model used when a request does not pick one.
func (c *ChatClient) DefaultModelID() string {
	if c == nil {
		return defaultModelID
	}
	return c.modelID
}

// ToolCall is a structured tool invocation emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatMessage represents a single turn in a chat conversation payload.
// ToolCalls is set on assistant turns that requested tools; ToolCallID
// ties a tool-role turn back to the call it answers.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition describes one callable tool for the request payload.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest carries everything one completion call needs.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	Tools    []ToolDefinition
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatCompletionMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Stream   bool                    `json:"stream"`
	Messages []chatCompletionMessage `json:"messages"`
	Tools    []wireTool              `json:"tools,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStreamDelta is one incremental update from a streamed completion.
type ChatStreamDelta struct {
	Content      string
	Reasoning    string
	FullContent  string
	FinishReason string
	Done         bool
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
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
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the final outcome of one completion call. ToolCalls is
// non-empty when the model stopped to request tools instead of finishing.
type ChatResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *ChatUsage
}

func (c *ChatClient) buildPayload(req ChatRequest, stream bool) (*chatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("llm: messages cannot be empty")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.modelID
	}

	payload := &chatCompletionRequest{
		Model:    model,
		Stream:   stream,
		Messages: make([]chatCompletionMessage, 0, len(req.Messages)),
	}

	for _, msg := range req.Messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		wire := chatCompletionMessage{
			Role:       role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			var wc wireToolCall
			wc.ID = call.ID
			wc.Type = "function"
			wc.Function.Name = call.Name
			wc.Function.Arguments = string(call.Arguments)
			wire.ToolCalls = append(wire.ToolCalls, wc)
		}
		payload.Messages = append(payload.Messages, wire)
	}

	if len(payload.Messages) == 0 {
		return nil, errors.New("llm: messages contain no content")
	}

	for _, tool := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = tool.Name
		wt.Function.Description = tool.Description
		wt.Function.Parameters = tool.Parameters
		payload.Tools = append(payload.Tools, wt)
	}

	return payload, nil
}

func (c *ChatClient) newRequest(ctx context.Context, payload *chatCompletionRequest, stream bool) (*http.Request, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// toolCallAccumulator stitches streamed tool-call fragments together.
// Providers interleave fragments keyed by choice index.
type toolCallAccumulator struct {
	byIndex map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*pendingToolCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, argsFragment string) {
	pending, ok := a.byIndex[index]
	if !ok {
		pending = &pendingToolCall{}
		a.byIndex[index] = pending
	}
	if id != "" {
		pending.id = id
	}
	if name != "" {
		pending.name = name
	}
	pending.args.WriteString(argsFragment)
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for index := range a.byIndex {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, index := range indexes {
		pending := a.byIndex[index]
		args := pending.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:        pending.id,
			Name:      pending.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

// ChatStream sends the request with streaming enabled and invokes handler
// for each delta. Tool-call fragments are accumulated and surfaced on the
// returned ChatResult rather than through handler.
func (c *ChatClient) ChatStream(ctx context.Context, request ChatRequest, handler func(ChatStreamDelta) error) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	payload, err := c.buildPayload(request, true)
	if err != nil {
		return ChatResult{}, err
	}

	req, err := c.newRequest(ctx, payload, true)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	var reasoning strings.Builder
	var usage *chatCompletionUsage
	finishReason := ""
	toolCalls := newToolCallAccumulator()

	flushDelta := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	finish := func() (ChatResult, error) {
		if err := flushDelta(ChatStreamDelta{FullContent: content.String(), FinishReason: finishReason, Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{
			Content:      content.String(),
			Reasoning:    reasoning.String(),
			ToolCalls:    toolCalls.calls(),
			FinishReason: finishReason,
			Usage:        convertUsage(usage),
		}, nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return finish()
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			for _, fragment := range choice.Delta.ToolCalls {
				toolCalls.add(fragment.Index, fragment.ID, fragment.Function.Name, fragment.Function.Arguments)
			}
			if choice.Delta.ReasoningContent != "" {
				reasoning.WriteString(choice.Delta.ReasoningContent)
				if err := flushDelta(ChatStreamDelta{Reasoning: choice.Delta.ReasoningContent, FullContent: content.String()}); err != nil {
					return ChatResult{}, err
				}
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if err := flushDelta(ChatStreamDelta{
					Content:      choice.Delta.Content,
					FullContent:  content.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("llm: read stream: %w", err)
	}

	return finish()
}

func convertUsage(raw *chatCompletionUsage) *ChatUsage {
	if raw == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
