package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"lumina_back/identity"
)

// Module bundles the chat route's dependencies.
type Module struct {
	assembler *Assembler
	catalog   []ChatModelOption
	defaults  string
}

// RegisterRoutes mounts the chat endpoints.
func RegisterRoutes(router *gin.Engine, guard *identity.Guard, assembler *Assembler, client *ChatClient) (*Module, error) {
	if router == nil {
		return nil, errors.New("llm: router is nil")
	}
	if assembler == nil {
		return nil, errors.New("llm: assembler is nil")
	}

	module := &Module{
		assembler: assembler,
		catalog:   loadChatModelCatalog(),
		defaults:  client.DefaultModelID(),
	}

	authed := router.Group("/chat", guard.RequireAuthenticated())
	authed.POST("", module.handleChat)
	authed.GET("/models", module.handleListModels)

	return module, nil
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}

type chatMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestPayload struct {
	Messages         []chatMessagePayload `json:"messages"`
	SessionID        string               `json:"sessionId"`
	SelectedModelID  string               `json:"selectedModelId"`
	ReasoningEnabled bool                 `json:"isReasoningEnabled"`
	AgenticEnabled   bool                 `json:"isAgenticEnabled"`
	RetrievalEnabled bool                 `json:"isRetrievalEnabled"`
}

func (m *Module) handleChat(c *gin.Context) {
	var req chatRequestPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Messages are required"})
		return
	}

	modelID := strings.TrimSpace(req.SelectedModelID)
	if modelID == "" {
		modelID = m.defaults
	} else if !catalogAllowsModel(m.catalog, modelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown model %q", modelID)})
		return
	}

	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming is not supported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	input := ChatInput{
		OwnerID:          identity.UserID(c),
		SessionID:        strings.TrimSpace(req.SessionID),
		ModelID:          modelID,
		Messages:         messages,
		ReasoningEnabled: req.ReasoningEnabled,
		AgenticEnabled:   req.AgenticEnabled,
		RetrievalEnabled: req.RetrievalEnabled,
	}

	if err := m.assembler.Run(c.Request.Context(), input, writer); err != nil {
		log.Printf("llm: chat turn ended with error: %v", err)
	}
}

func (m *Module) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": m.catalog, "default": m.defaults})
}
