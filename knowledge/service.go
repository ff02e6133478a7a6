package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultScoreThreshold = 0.75
	defaultMaxResults     = 3
	defaultEmbedWorkers   = 4
)

// Service orchestrates the retrieval pipeline: document ingestion
// (chunk, embed, upsert) and query-time context retrieval.
type Service struct {
	embedder       Embedder
	vectors        VectorStore
	chunkSize      int
	chunkOverlap   int
	scoreThreshold float64
	maxResults     int
	embedWorkers   int
}

// DocumentInput is one ingestion request before chunking.
type DocumentInput struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Source is one retrieved citation, in retrieval rank order.
type Source struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
}

// NewServiceFromEnv builds the orchestrator around the injected embedder and
// vector store. The score threshold and retrieval width are configuration,
// not constants; they are properties of the embedding model in use.
//
// Variables: RAG_SCORE_THRESHOLD (default 0.75), RAG_MAX_RESULTS (default 3),
// KNOWLEDGE_CHUNK_MAX_CHARS (default 1000), KNOWLEDGE_CHUNK_OVERLAP (default
// 200), KNOWLEDGE_EMBED_WORKERS (default 4).
func NewServiceFromEnv(embedder Embedder, vectors VectorStore) (*Service, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if vectors == nil {
		return nil, errors.New("knowledge: vector store is required")
	}

	service := &Service{
		embedder:       embedder,
		vectors:        vectors,
		chunkSize:      DefaultChunkSize,
		chunkOverlap:   DefaultChunkOverlap,
		scoreThreshold: defaultScoreThreshold,
		maxResults:     defaultMaxResults,
		embedWorkers:   defaultEmbedWorkers,
	}

	if raw := strings.TrimSpace(os.Getenv("RAG_SCORE_THRESHOLD")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < -1 || parsed > 1 {
			return nil, fmt.Errorf("knowledge: invalid RAG_SCORE_THRESHOLD %q", raw)
		}
		service.scoreThreshold = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("RAG_MAX_RESULTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			service.maxResults = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_MAX_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			service.chunkSize = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_OVERLAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 && parsed < service.chunkSize {
			service.chunkOverlap = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_EMBED_WORKERS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			service.embedWorkers = parsed
		}
	}

	return service, nil
}

// IndexResult reports what one ingestion produced.
type IndexResult struct {
	GroupID     string   `json:"documentId"`
	DocumentIDs []string `json:"documentIds"`
	ChunkCount  int      `json:"chunkCount"`
}

// IndexDocument chunks the content, embeds each chunk through a bounded
// worker pool, and upserts one vector-store document per chunk. Chunks are
// independent: a failed embedding or upsert is logged and skipped without
// rolling back stored siblings. Returned ids follow chunk order.
func (s *Service) IndexDocument(ctx context.Context, ownerID string, input DocumentInput) (*IndexResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("knowledge: owner id is required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errors.New("knowledge: title is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, errors.New("knowledge: content is required")
	}

	chunks := Chunk(input.Content, s.chunkSize, s.chunkOverlap)
	if len(chunks) == 0 {
		return nil, errors.New("knowledge: content is too short to chunk")
	}

	groupID := uuid.NewString()
	if raw, ok := input.Metadata["document_id"].(string); ok && strings.TrimSpace(raw) != "" {
		groupID = strings.TrimSpace(raw)
	}

	now := time.Now().UTC()
	ids := make([]string, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.embedWorkers)
	for i, chunkText := range chunks {
		wg.Add(1)
		go func(seq int, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errs[seq] = ctx.Err()
				return
			}

			vectors, err := s.embedder.Embed(ctx, []string{text})
			if err != nil {
				errs[seq] = err
				return
			}
			if len(vectors) != 1 {
				errs[seq] = fmt.Errorf("knowledge: embedding count mismatch (expected 1, got %d)", len(vectors))
				return
			}

			chunkTitle := title
			if len(chunks) > 1 {
				chunkTitle = fmt.Sprintf("%s (Part %d/%d)", title, seq+1, len(chunks))
			}

			metadata := make(map[string]any, len(input.Metadata)+4)
			for key, value := range input.Metadata {
				metadata[key] = value
			}
			metadata["document_id"] = groupID
			metadata["chunk_index"] = seq
			metadata["total_chunks"] = len(chunks)
			metadata["token_count"] = estimateTokenCount(text)

			doc := Document{
				ID:        uuid.NewString(),
				OwnerID:   ownerID,
				Title:     chunkTitle,
				Content:   text,
				URL:       strings.TrimSpace(input.URL),
				Metadata:  metadata,
				CreatedAt: now,
				Embedding: vectors[0],
			}
			if err := s.vectors.Upsert(ctx, doc); err != nil {
				errs[seq] = err
				return
			}
			ids[seq] = doc.ID
		}(i, chunkText)
	}
	wg.Wait()

	stored := make([]string, 0, len(ids))
	failed := 0
	for i, id := range ids {
		if errs[i] != nil {
			failed++
			log.Printf("knowledge: chunk %d/%d of %q failed, skipping: %v", i+1, len(chunks), title, errs[i])
			continue
		}
		stored = append(stored, id)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("knowledge: indexing failed for all %d chunks: %w", len(chunks), firstError(errs))
	}
	if failed > 0 {
		log.Printf("knowledge: indexed %q with %d of %d chunks", title, len(stored), len(chunks))
	}

	return &IndexResult{GroupID: groupID, DocumentIDs: stored, ChunkCount: len(stored)}, nil
}

// RetrieveContext embeds the query and returns the contents of the
// highest-scoring documents above the configured threshold, joined with
// blank lines, plus their sources in rank order. No matches is not an error:
// callers get empty context and answer from general knowledge.
func (s *Service) RetrieveContext(ctx context.Context, query, ownerID string, maxResults int) (string, []Source, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", nil, nil
	}
	if maxResults <= 0 {
		maxResults = s.maxResults
	}

	vectors, err := s.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return "", nil, err
	}
	if len(vectors) == 0 {
		return "", nil, nil
	}

	matches, err := s.vectors.Query(ctx, ownerID, vectors[0], maxResults, s.scoreThreshold)
	if err != nil {
		return "", nil, err
	}

	contents := make([]string, 0, len(matches))
	sources := make([]Source, 0, len(matches))
	for _, match := range matches {
		contents = append(contents, match.Content)
		sources = append(sources, Source{
			Title:   match.Title,
			Content: match.Content,
			URL:     match.URL,
		})
	}
	return strings.Join(contents, "\n\n"), sources, nil
}

// AugmentPrompt wraps basePrompt with a delimited context block and source
// listing for the query. When retrieval finds nothing, the base prompt is
// returned unchanged.
func (s *Service) AugmentPrompt(ctx context.Context, basePrompt, query, ownerID string) (string, error) {
	contextText, sources, err := s.RetrieveContext(ctx, query, ownerID, 0)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(contextText) == "" {
		return basePrompt, nil
	}

	var builder strings.Builder
	builder.WriteString(basePrompt)
	builder.WriteString("\n\nRELEVANT CONTEXT INFORMATION:\n")
	builder.WriteString(contextText)
	builder.WriteString("\n\nSOURCES:\n")
	for i, source := range sources {
		builder.WriteString(fmt.Sprintf("[%d] %s", i+1, source.Title))
		if source.URL != "" {
			builder.WriteString(fmt.Sprintf(" (%s)", source.URL))
		}
		builder.WriteString("\n")
	}
	builder.WriteString("\nBased on the above context, respond to the following query: ")
	builder.WriteString(query)
	return builder.String(), nil
}

// SearchDocuments runs a semantic search and returns the scored matches.
func (s *Service) SearchDocuments(ctx context.Context, query, ownerID string, limit int) ([]ScoredDocument, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.New("knowledge: query is required")
	}
	if limit <= 0 {
		limit = s.maxResults
	}

	vectors, err := s.embedder.Embed(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return s.vectors.Query(ctx, ownerID, vectors[0], limit, s.scoreThreshold)
}

// ListDocuments returns the owner's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	return s.vectors.ListAll(ctx, ownerID)
}

// DeleteDocument removes one document row by id. Chunk siblings sharing the
// same group id stay untouched unless the caller deletes them too.
func (s *Service) DeleteDocument(ctx context.Context, ownerID, id string) error {
	return s.vectors.DeleteByID(ctx, ownerID, id)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return errors.New("unknown failure")
}
