package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"lumina_back/knowledge"
	"lumina_back/sessions"
)

const (
	defaultMaxToolSteps = 5

	agenticSystemPrompt = "You are a proactive assistant with access to the latest information. When a user asks about recent events, news, or facts that might be outside your training data, use the search tool to find current information. Always cite your sources."
	defaultSystemPrompt = "You are a friendly assistant. When you're unsure or need current information, you can search the web to provide accurate answers."

	ragSystemPromptHeader = `You are a helpful assistant that answers questions based on the provided context.
When the context doesn't contain the answer, acknowledge that you don't know instead of making up a response.

RELEVANT CONTEXT:
`
	ragNoContextFallback = "No specific context available for this query."

	userFacingError = "An error occurred, please try again!"
)

// EventWriter receives the assembler's output events, one at a time.
// The SSE handler implements it in production.
type EventWriter interface {
	Send(event string, payload any) error
}

// StreamClient is the completion surface the assembler drives.
type StreamClient interface {
	ChatStream(ctx context.Context, request ChatRequest, handler func(ChatStreamDelta) error) (ChatResult, error)
	DefaultModelID() string
}

// Tool is a capability the model may invoke mid-generation.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Retriever supplies retrieval context for RAG-mode requests.
type Retriever interface {
	RetrieveContext(ctx context.Context, query, ownerID string, maxResults int) (string, []knowledge.Source, error)
}

// MessageStore is the slice of the session store the assembler needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, ownerID, sessionID, role, content string, metadata map[string]any) (*sessions.Message, error)
}

// ChatInput is one chat turn as received from the route.
type ChatInput struct {
	OwnerID          string
	SessionID        string
	ModelID          string
	Messages         []ChatMessage
	ReasoningEnabled bool
	AgenticEnabled   bool
	RetrievalEnabled bool
}

// Assembler turns one chat request into an ordered event stream, running
// the generate/tool-call loop until the model produces a final answer.
type Assembler struct {
	client       StreamClient
	tools        []Tool
	retriever    Retriever
	store        MessageStore
	maxToolSteps int
	maxResults   int
}

// NewAssemblerFromEnv builds the assembler. retriever and store may be nil;
// the matching features degrade to off. LLM_MAX_TOOL_STEPS bounds the
// tool-call loop.
func NewAssemblerFromEnv(client StreamClient, tools []Tool, retriever Retriever, store MessageStore) (*Assembler, error) {
	if client == nil {
		return nil, errors.New("llm: stream client is required")
	}
	maxToolSteps := defaultMaxToolSteps
	if raw := strings.TrimSpace(os.Getenv("LLM_MAX_TOOL_STEPS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("llm: invalid LLM_MAX_TOOL_STEPS %q", raw)
		}
		maxToolSteps = parsed
	}
	maxResults := 3
	if raw := strings.TrimSpace(os.Getenv("RAG_MAX_RESULTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("llm: invalid RAG_MAX_RESULTS %q", raw)
		}
		maxResults = parsed
	}
	return &Assembler{
		client:       client,
		tools:        tools,
		retriever:    retriever,
		store:        store,
		maxToolSteps: maxToolSteps,
		maxResults:   maxResults,
	}, nil
}

type textEvent struct {
	Content string `json:"content"`
}

type reasoningEvent struct {
	Content string `json:"content"`
}

type sourceEvent struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

type toolCallEvent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolResultEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result any    `json:"result"`
}

type errorEvent struct {
	Error string `json:"error"`
}

type doneEvent struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finishReason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
}

func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func (a *Assembler) systemPrompt(ctx context.Context, input ChatInput, writer EventWriter) (string, error) {
	if input.RetrievalEnabled && a.retriever != nil {
		query := lastUserContent(input.Messages)
		contextText, sources, err := a.retriever.RetrieveContext(ctx, query, input.OwnerID, a.maxResults)
		if err != nil {
			return "", fmt.Errorf("llm: retrieve context: %w", err)
		}
		for _, source := range sources {
			if err := writer.Send("source", sourceEvent{Title: source.Title, Content: source.Content, URL: source.URL}); err != nil {
				return "", err
			}
		}
		if contextText == "" {
			contextText = ragNoContextFallback
		}
		return ragSystemPromptHeader + contextText, nil
	}
	if input.AgenticEnabled {
		return agenticSystemPrompt, nil
	}
	return defaultSystemPrompt, nil
}

func (a *Assembler) toolDefinitions() []ToolDefinition {
	if len(a.tools) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(a.tools))
	for _, tool := range a.tools {
		defs = append(defs, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

func (a *Assembler) findTool(name string) Tool {
	for _, tool := range a.tools {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

func (a *Assembler) persistMessage(ctx context.Context, input ChatInput, role, content string) {
	if a.store == nil || input.SessionID == "" || content == "" {
		return
	}
	if _, err := a.store.AppendMessage(ctx, input.OwnerID, input.SessionID, role, content, nil); err != nil {
		log.Printf("llm: persist %s message failed: %v", role, err)
	}
}

// runTool executes one tool call. Execution failures become tool results
// carrying an error field, so the model can react instead of the stream
// dying mid-generation.
func (a *Assembler) runTool(ctx context.Context, call ToolCall) any {
	tool := a.findTool(call.Name)
	if tool == nil {
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		log.Printf("llm: tool %s failed: %v", call.Name, err)
		return map[string]any{"error": err.Error()}
	}
	return result
}

// Run drives one chat turn to completion, emitting events as they happen.
// Cancellation persists whatever text was produced before the cut; tool
// artifacts are never persisted.
func (a *Assembler) Run(ctx context.Context, input ChatInput, writer EventWriter) error {
	if writer == nil {
		return errors.New("llm: event writer is required")
	}
	if len(input.Messages) == 0 {
		return errors.New("llm: messages cannot be empty")
	}

	system, err := a.systemPrompt(ctx, input, writer)
	if err != nil {
		log.Printf("llm: build system prompt failed: %v", err)
		_ = writer.Send("error", errorEvent{Error: userFacingError})
		return err
	}

	a.persistMessage(ctx, input, sessions.RoleUser, lastUserContent(input.Messages))

	conversation := make([]ChatMessage, 0, len(input.Messages)+1)
	conversation = append(conversation, ChatMessage{Role: "system", Content: system})
	conversation = append(conversation, input.Messages...)

	var produced strings.Builder
	handler := func(delta ChatStreamDelta) error {
		if delta.Reasoning != "" && input.ReasoningEnabled {
			if err := writer.Send("reasoning", reasoningEvent{Content: delta.Reasoning}); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			produced.WriteString(delta.Content)
			if err := writer.Send("text", textEvent{Content: delta.Content}); err != nil {
				return err
			}
		}
		return nil
	}

	// persistProduced runs detached from ctx so a client cancel cannot
	// also cancel the write of what was already produced.
	persistProduced := func() {
		a.persistMessage(context.WithoutCancel(ctx), input, sessions.RoleAssistant, produced.String())
	}

	var result ChatResult
	for step := 0; ; step++ {
		request := ChatRequest{
			Model:    input.ModelID,
			Messages: conversation,
		}
		// Past the step limit the model answers without tools.
		if step < a.maxToolSteps {
			request.Tools = a.toolDefinitions()
		}

		result, err = a.client.ChatStream(ctx, request, handler)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				persistProduced()
				return err
			}
			log.Printf("llm: completion failed: %v", err)
			_ = writer.Send("error", errorEvent{Error: userFacingError})
			persistProduced()
			return err
		}

		if len(result.ToolCalls) == 0 || step >= a.maxToolSteps {
			break
		}

		conversation = append(conversation, ChatMessage{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			if err := writer.Send("tool-call", toolCallEvent{ID: call.ID, Name: call.Name, Arguments: call.Arguments}); err != nil {
				persistProduced()
				return err
			}

			toolResult := a.runTool(ctx, call)
			if ctx.Err() != nil {
				persistProduced()
				return ctx.Err()
			}
			if err := writer.Send("tool-result", toolResultEvent{ID: call.ID, Name: call.Name, Result: toolResult}); err != nil {
				persistProduced()
				return err
			}

			payload, err := json.Marshal(toolResult)
			if err != nil {
				payload = []byte(`{"error": "tool result could not be serialized"}`)
			}
			conversation = append(conversation, ChatMessage{
				Role:       "tool",
				Content:    string(payload),
				ToolCallID: call.ID,
			})
		}
	}

	persistProduced()
	return writer.Send("done", doneEvent{
		Content:      produced.String(),
		FinishReason: result.FinishReason,
		Usage:        result.Usage,
	})
}
