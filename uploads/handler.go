package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lumina_back/identity"
	"lumina_back/knowledge"
)

const maxUploadBytes int64 = 10 * 1024 * 1024

var allowedMIMETypes = map[string]struct{}{
	"application/pdf":    {},
	"text/plain":         {},
	"text/markdown":      {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"image/jpeg":    {},
	"image/png":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/svg+xml": {},
}

var allowedExtensions = map[string]struct{}{
	".pdf": {}, ".txt": {}, ".md": {}, ".doc": {}, ".docx": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {},
}

// Indexer is the slice of the knowledge service uploads need.
type Indexer interface {
	IndexDocument(ctx context.Context, ownerID string, input knowledge.DocumentInput) (*knowledge.IndexResult, error)
}

// Module bundles the upload route's dependencies. storage may be nil; raw
// files are then not retained and only the extracted content is indexed.
type Module struct {
	indexer Indexer
	storage *ObjectStorage
}

// RegisterRoutes mounts the upload endpoint.
func RegisterRoutes(router *gin.Engine, guard *identity.Guard, indexer Indexer, storage *ObjectStorage) (*Module, error) {
	if router == nil {
		return nil, errors.New("uploads: router is nil")
	}
	if indexer == nil {
		return nil, errors.New("uploads: indexer is nil")
	}
	module := &Module{indexer: indexer, storage: storage}

	authed := router.Group("", guard.RequireAuthenticated())
	authed.POST("/upload", module.handleUpload)

	return module, nil
}

func validateUpload(header *multipart.FileHeader) error {
	if header.Size > maxUploadBytes {
		return fmt.Errorf("File size exceeds the %dMB limit", maxUploadBytes/(1024*1024))
	}
	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if _, ok := allowedMIMETypes[contentType]; ok {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedExtensions[ext]; ok {
		return nil
	}
	return errors.New("Invalid file type. Only PDF, TXT, MD, DOC, DOCX, and common image files are allowed.")
}

func isImageType(contentType, filename string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg":
		return true
	}
	return false
}

func isPDFType(contentType, filename string) bool {
	return contentType == "application/pdf" || strings.EqualFold(filepath.Ext(filename), ".pdf")
}

// extractContent derives indexable text for one upload. Binary formats get
// a descriptive placeholder until real parsers are wired in.
func extractContent(header *multipart.FileHeader, contentType string, data []byte) string {
	switch {
	case isImageType(contentType, header.Filename):
		return fmt.Sprintf("[Image file] %s\nType: %s\nSize: %d KB\nUploaded: %s\nThis is an image file that requires visual processing.",
			header.Filename, contentType, header.Size/1024, time.Now().UTC().Format(time.RFC3339))
	case isPDFType(contentType, header.Filename):
		return fmt.Sprintf("Content extracted from PDF: %s", header.Filename)
	default:
		return string(data)
	}
}

func (m *Module) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files provided"})
		return
	}

	// Validate the whole batch before any side effects so a bad file
	// cannot leave earlier siblings half-processed.
	for _, header := range files {
		if err := validateUpload(header); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ownerID := identity.UserID(c)
	filenames := make([]string, 0, len(files))
	documentIDs := make([]string, 0, len(files))

	for _, header := range files {
		data, err := readUpload(header)
		if err != nil {
			log.Printf("uploads: read %s failed: %v", header.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "File upload failed"})
			return
		}

		contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		storedName := header.Filename
		if m.storage != nil {
			name, _, err := m.storage.Store(c.Request.Context(), ownerID, header.Filename, contentType, data)
			if err != nil {
				log.Printf("uploads: store %s failed: %v", header.Filename, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "File upload failed"})
				return
			}
			storedName = name
		}
		filenames = append(filenames, storedName)

		result, err := m.indexer.IndexDocument(c.Request.Context(), ownerID, knowledge.DocumentInput{
			Title:   header.Filename,
			Content: extractContent(header, contentType, data),
			Metadata: map[string]any{
				"filename":   storedName,
				"fileType":   contentType,
				"uploadDate": time.Now().UTC().Format(time.RFC3339),
				"fileSize":   header.Size,
			},
		})
		if err != nil {
			// Keep going; the raw file is stored even when indexing fails.
			log.Printf("uploads: index %s failed: %v", header.Filename, err)
			continue
		}
		documentIDs = append(documentIDs, result.GroupID)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"filenames":   filenames,
		"documentIds": documentIDs,
	})
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	limited := io.LimitReader(src, maxUploadBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > maxUploadBytes {
		return nil, fmt.Errorf("upload exceeds %d bytes", maxUploadBytes)
	}
	return data, nil
}
