package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDocumentNotFound is returned when a document id does not exist inside
// the caller's namespace. Documents owned by other users are reported the
// same way so their existence never leaks.
var ErrDocumentNotFound = errors.New("knowledge: document not found")

// Document is one stored unit of knowledge. The embedding never crosses the
// JSON boundary; metadata reads do not need it and must not pay for it.
type Document struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	URL       string         `json:"url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
	Embedding []float32      `json:"-"`
}

// ScoredDocument pairs a document with its cosine similarity score.
// Scores are normalized to [-1, 1] across backends (1 = identical direction).
type ScoredDocument struct {
	Document
	Score float64 `json:"score"`
}

// VectorStore persists embedded documents per owner namespace and answers
// k-nearest-neighbor queries. Owner scoping is applied inside the backend's
// search request, never as a post-filter over an unscoped top-k result.
type VectorStore interface {
	// Upsert stores the document under its owner's namespace.
	Upsert(ctx context.Context, doc Document) error

	// Query returns up to k documents owned by ownerID whose similarity to
	// vector clears threshold, descending by score. An empty namespace
	// yields an empty slice, not an error.
	Query(ctx context.Context, ownerID string, vector []float32, k int, threshold float64) ([]ScoredDocument, error)

	// DeleteByID removes one document, verifying ownership first.
	DeleteByID(ctx context.Context, ownerID, id string) error

	// ListAll returns every document for the owner, newest first, without
	// embeddings.
	ListAll(ctx context.Context, ownerID string) ([]Document, error)
}

// NewVectorStoreFromEnv selects the vector backend by configuration.
// VECTOR_BACKEND is "qdrant" (default) or "redis"; the redis backend reuses
// the process-wide client handed in by main.
func NewVectorStoreFromEnv(redisClient *redis.Client, dimension int) (VectorStore, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND")))
	switch backend {
	case "", "qdrant":
		return NewQdrantStoreFromEnv(dimension)
	case "redis":
		if redisClient == nil {
			return nil, errors.New("knowledge: VECTOR_BACKEND=redis requires a configured redis connection")
		}
		return NewRedisVectorStore(redisClient, dimension)
	default:
		return nil, fmt.Errorf("knowledge: unsupported vector backend %q", backend)
	}
}
