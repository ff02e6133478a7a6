package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// qdrantStore keeps all owners' documents in one collection and scopes every
// operation with an owner_id payload filter evaluated inside Qdrant.
type qdrantStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
}

// NewQdrantStoreFromEnv builds the Qdrant backend and ensures its collection
// exists with the configured vector width and cosine distance.
//
// Variables: QDRANT_URL (default http://localhost:6333), QDRANT_API_KEY,
// QDRANT_COLLECTION (default user_documents).
func NewQdrantStoreFromEnv(dimension int) (VectorStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	if dimension <= 0 {
		return nil, errors.New("knowledge: vector dimension must be positive")
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "user_documents"
	}

	store := &qdrantStore{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
		vectorSize: dimension,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	payload := map[string]any{
		"vectors": map[string]any{
			"size":     s.vectorSize,
			"distance": "Cosine",
		},
	}
	endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(s.collection))
	var ignored json.RawMessage
	if err := s.do(ctx, http.MethodPut, endpoint, payload, &ignored); err != nil {
		return fmt.Errorf("knowledge: ensure collection: %w", err)
	}
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return errors.New("knowledge: owner id is required")
	}
	if len(doc.Embedding) != s.vectorSize {
		return fmt.Errorf("knowledge: vector length %d does not match collection dimension %d", len(doc.Embedding), s.vectorSize)
	}

	payload := map[string]any{
		"owner_id":   doc.OwnerID,
		"title":      doc.Title,
		"content":    doc.Content,
		"created_at": doc.CreatedAt.UTC().UnixMilli(),
	}
	if doc.URL != "" {
		payload["url"] = doc.URL
	}
	if !doc.UpdatedAt.IsZero() {
		payload["updated_at"] = doc.UpdatedAt.UTC().UnixMilli()
	}
	if len(doc.Metadata) > 0 {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("knowledge: marshal document metadata: %w", err)
		}
		payload["metadata"] = string(raw)
	}

	body := map[string]any{
		"points": []map[string]any{{
			"id":      doc.ID,
			"vector":  doc.Embedding,
			"payload": payload,
		}},
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points?wait=true", s.baseURL, url.PathEscape(s.collection))
	var ignored json.RawMessage
	if err := s.do(ctx, http.MethodPut, endpoint, body, &ignored); err != nil {
		return fmt.Errorf("knowledge: upsert point: %w", err)
	}
	return nil
}

func (s *qdrantStore) Query(ctx context.Context, ownerID string, vector []float32, k int, threshold float64) ([]ScoredDocument, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	body := map[string]any{
		"vector":          vector,
		"limit":           k,
		"with_payload":    true,
		"score_threshold": threshold,
		"filter":          ownerFilter(ownerID),
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/search", s.baseURL, url.PathEscape(s.collection))
	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, endpoint, body, &decoded); err != nil {
		return nil, fmt.Errorf("knowledge: search points: %w", err)
	}

	results := make([]ScoredDocument, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		doc, ok := documentFromPayload(fmt.Sprint(item.ID), ownerID, item.Payload)
		if !ok {
			continue
		}
		results = append(results, ScoredDocument{Document: doc, Score: item.Score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func (s *qdrantStore) DeleteByID(ctx context.Context, ownerID, id string) error {
	// Existence is checked through the owner-scoped filter: deleting another
	// owner's point is indistinguishable from deleting a missing one.
	docs, err := s.retrieveOwned(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrDocumentNotFound
	}

	filter := ownerFilter(ownerID)
	filter["must"] = append(filter["must"].([]map[string]any), map[string]any{"has_id": []string{id}})
	body := map[string]any{"filter": filter}

	endpoint := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.baseURL, url.PathEscape(s.collection))
	var ignored json.RawMessage
	if err := s.do(ctx, http.MethodPost, endpoint, body, &ignored); err != nil {
		return fmt.Errorf("knowledge: delete point: %w", err)
	}
	return nil
}

func (s *qdrantStore) ListAll(ctx context.Context, ownerID string) ([]Document, error) {
	endpoint := fmt.Sprintf("%s/collections/%s/points/scroll", s.baseURL, url.PathEscape(s.collection))

	var all []Document
	var offset any
	for {
		body := map[string]any{
			"filter":       ownerFilter(ownerID),
			"limit":        256,
			"with_payload": true,
		}
		if offset != nil {
			body["offset"] = offset
		}

		var decoded struct {
			Result struct {
				Points []struct {
					ID      any            `json:"id"`
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := s.do(ctx, http.MethodPost, endpoint, body, &decoded); err != nil {
			return nil, fmt.Errorf("knowledge: scroll points: %w", err)
		}

		for _, point := range decoded.Result.Points {
			doc, ok := documentFromPayload(fmt.Sprint(point.ID), ownerID, point.Payload)
			if !ok {
				continue
			}
			all = append(all, doc)
		}

		if decoded.Result.NextPageOffset == nil {
			break
		}
		offset = decoded.Result.NextPageOffset
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

func (s *qdrantStore) retrieveOwned(ctx context.Context, ownerID, id string) ([]Document, error) {
	filter := ownerFilter(ownerID)
	filter["must"] = append(filter["must"].([]map[string]any), map[string]any{"has_id": []string{id}})
	body := map[string]any{
		"filter":       filter,
		"limit":        1,
		"with_payload": true,
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/scroll", s.baseURL, url.PathEscape(s.collection))
	var decoded struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, endpoint, body, &decoded); err != nil {
		return nil, fmt.Errorf("knowledge: retrieve point: %w", err)
	}

	docs := make([]Document, 0, len(decoded.Result.Points))
	for _, point := range decoded.Result.Points {
		doc, ok := documentFromPayload(fmt.Sprint(point.ID), ownerID, point.Payload)
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *qdrantStore) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func ownerFilter(ownerID string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "owner_id",
				"match": map[string]any{"value": ownerID},
			},
		},
	}
}

// documentFromPayload rebuilds a Document from a stored payload. A record
// whose metadata cannot be parsed is kept with empty metadata; a record
// missing its content entirely is skipped with a warning so one bad row does
// not abort the whole query.
func documentFromPayload(id, ownerID string, payload map[string]any) (Document, bool) {
	if payload == nil {
		log.Printf("knowledge: skipping point %s with missing payload", id)
		return Document{}, false
	}

	doc := Document{ID: id, OwnerID: ownerID}
	title, _ := payload["title"].(string)
	doc.Title = title
	content, ok := payload["content"].(string)
	if !ok {
		log.Printf("knowledge: skipping point %s with malformed content payload", id)
		return Document{}, false
	}
	doc.Content = content
	if u, ok := payload["url"].(string); ok {
		doc.URL = u
	}
	if raw, ok := payload["metadata"].(string); ok && raw != "" {
		meta := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			log.Printf("knowledge: point %s has malformed metadata, returning without it: %v", id, err)
		} else {
			doc.Metadata = meta
		}
	}
	if ms, ok := payload["created_at"].(float64); ok {
		doc.CreatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	if ms, ok := payload["updated_at"].(float64); ok {
		doc.UpdatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return doc, true
}
