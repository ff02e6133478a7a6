package sessions

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lumina_back/identity"
)

// Module bundles the session routes' dependencies.
type Module struct {
	store Store
}

// RegisterRoutes mounts the session and message endpoints.
func RegisterRoutes(router *gin.Engine, guard *identity.Guard, store Store) (*Module, error) {
	if router == nil {
		return nil, errors.New("sessions: router is nil")
	}
	if store == nil {
		return nil, errors.New("sessions: store is nil")
	}
	module := &Module{store: store}

	authed := router.Group("", guard.RequireAuthenticated())
	authed.GET("/sessions", module.handleListSessions)
	authed.POST("/sessions", module.handleCreateSession)
	authed.PATCH("/sessions", module.handleUpdateSession)
	authed.DELETE("/sessions", module.handleDeleteSession)
	authed.GET("/messages", module.handleListMessages)
	authed.POST("/messages", module.handleAppendMessage)
	authed.DELETE("/messages", module.handleDeleteMessage)

	return module, nil
}

func (m *Module) handleListSessions(c *gin.Context) {
	userID := identity.UserID(c)
	if id := strings.TrimSpace(c.Query("id")); id != "" {
		session, err := m.store.GetSession(c.Request.Context(), userID, id)
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		if err != nil {
			log.Printf("sessions: fetch session failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": session})
		return
	}

	sessions, err := m.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		log.Printf("sessions: list sessions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type createSessionRequest struct {
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (m *Module) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required"})
		return
	}

	session, err := m.store.CreateSession(c.Request.Context(), identity.UserID(c), req.Title, req.Metadata)
	if err != nil {
		log.Printf("sessions: create session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"sessionId": session.ID,
		"message":   "Session created successfully",
	})
}

type updateSessionRequest struct {
	ID       string         `json:"id"`
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (m *Module) handleUpdateSession(c *gin.Context) {
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = strings.TrimSpace(c.Query("id"))
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID is required"})
		return
	}
	if req.Title == nil && req.Metadata == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}

	session, err := m.store.UpdateSession(c.Request.Context(), identity.UserID(c), id, SessionUpdate{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		log.Printf("sessions: update session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": session})
}

func (m *Module) handleDeleteSession(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID is required"})
		return
	}

	err := m.store.DeleteSession(c.Request.Context(), identity.UserID(c), id)
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		log.Printf("sessions: delete session failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session deleted successfully"})
}

func (m *Module) handleListMessages(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID is required"})
		return
	}

	messages, err := m.store.ListMessages(c.Request.Context(), identity.UserID(c), sessionID)
	if err != nil {
		log.Printf("sessions: list messages failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type appendMessageRequest struct {
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
}

func (m *Module) handleAppendMessage(c *gin.Context) {
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.SessionID == "" || req.Role == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID, role, and content are required"})
		return
	}
	if !ValidRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Role must be one of: user, assistant, system"})
		return
	}

	message, err := m.store.AppendMessage(c.Request.Context(), identity.UserID(c), req.SessionID, req.Role, req.Content, req.Metadata)
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		log.Printf("sessions: append message failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add message"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"messageId": message.ID,
		"message":   "Message added successfully",
	})
}

func (m *Module) handleDeleteMessage(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message ID is required"})
		return
	}

	err := m.store.DeleteMessage(c.Request.Context(), identity.UserID(c), id)
	switch {
	case errors.Is(err, ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "Message is not owned by the caller"})
	case err != nil:
		log.Printf("sessions: delete message failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete message"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Message deleted successfully"})
	}
}
