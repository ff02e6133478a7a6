package knowledge

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"lumina_back/identity"
)

// Module exposes the document endpoints.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the document endpoints. All of them require a
// resolved caller identity.
func RegisterRoutes(router *gin.Engine, guard *identity.Guard, service *Service) (*Module, error) {
	if service == nil {
		return nil, errors.New("knowledge: service is required")
	}

	module := &Module{service: service}

	group := router.Group("/documents", guard.RequireAuthenticated())
	group.POST("", module.handleCreateDocument)
	group.GET("", module.handleListDocuments)
	group.DELETE("/:id", module.handleDeleteDocument)
	group.POST("/search", module.handleSearchDocuments)

	return module, nil
}

func (m *Module) handleCreateDocument(c *gin.Context) {
	userID := identity.UserID(c)

	var input DocumentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if strings.TrimSpace(input.Title) == "" || strings.TrimSpace(input.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and content are required"})
		return
	}

	result, err := m.service.IndexDocument(c.Request.Context(), userID, input)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "embedding service unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to index document"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"documentId":  result.GroupID,
		"documentIds": result.DocumentIDs,
		"chunkCount":  result.ChunkCount,
	})
}

func (m *Module) handleListDocuments(c *gin.Context) {
	userID := identity.UserID(c)
	query := strings.TrimSpace(c.Query("query"))
	limit := parseLimit(c.Query("limit"))

	if query != "" {
		matches, err := m.service.SearchDocuments(c.Request.Context(), query, userID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search documents"})
			return
		}
		documents := make([]Document, 0, len(matches))
		for _, match := range matches {
			documents = append(documents, match.Document)
		}
		c.JSON(http.StatusOK, gin.H{"documents": documents})
		return
	}

	documents, err := m.service.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": documents})
}

func (m *Module) handleDeleteDocument(c *gin.Context) {
	userID := identity.UserID(c)
	docID := strings.TrimSpace(c.Param("id"))
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document id is required"})
		return
	}

	if err := m.service.DeleteDocument(c.Request.Context(), userID, docID); err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (m *Module) handleSearchDocuments(c *gin.Context) {
	userID := identity.UserID(c)

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	results, err := m.service.SearchDocuments(c.Request.Context(), req.Query, userID, req.Limit)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "embedding service unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func parseLimit(raw string) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return 0
	}
	return parsed
}
