package knowledge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDocumentPrefix = "document:"
	redisDocumentIndex  = "idx:documents"
	redisListPageSize   = 1000
)

// redisVectorStore keeps documents in hashes under document:<id> and serves
// similarity queries through a RediSearch index with a FLAT cosine vector
// field. The owner tag is part of the KNN query itself, so the nearest-
// neighbor search never ranks another owner's vectors.
type redisVectorStore struct {
	client     *redis.Client
	vectorSize int
}

// NewRedisVectorStore builds the redis backend and ensures the search index
// exists for the configured vector width.
func NewRedisVectorStore(client *redis.Client, dimension int) (VectorStore, error) {
	if client == nil {
		return nil, errors.New("knowledge: redis client is required")
	}
	if dimension <= 0 {
		return nil, errors.New("knowledge: vector dimension must be positive")
	}

	store := &redisVectorStore{client: client, vectorSize: dimension}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *redisVectorStore) ensureIndex(ctx context.Context) error {
	err := s.client.FTCreate(ctx, redisDocumentIndex,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{redisDocumentPrefix},
		},
		&redis.FieldSchema{FieldName: "owner_id", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "title", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "content", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "created_at", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            s.vectorSize,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "index already exists") {
		return fmt.Errorf("knowledge: create redis search index: %w", err)
	}
	return nil
}

func (s *redisVectorStore) Upsert(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return errors.New("knowledge: owner id is required")
	}
	if len(doc.Embedding) != s.vectorSize {
		return fmt.Errorf("knowledge: vector length %d does not match index dimension %d", len(doc.Embedding), s.vectorSize)
	}

	metadata := "{}"
	if len(doc.Metadata) > 0 {
		raw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("knowledge: marshal document metadata: %w", err)
		}
		metadata = string(raw)
	}

	fields := map[string]interface{}{
		"id":         doc.ID,
		"owner_id":   doc.OwnerID,
		"title":      doc.Title,
		"content":    doc.Content,
		"url":        doc.URL,
		"metadata":   metadata,
		"created_at": strconv.FormatInt(doc.CreatedAt.UTC().UnixMilli(), 10),
		"embedding":  vectorToBytes(doc.Embedding),
	}
	if !doc.UpdatedAt.IsZero() {
		fields["updated_at"] = strconv.FormatInt(doc.UpdatedAt.UTC().UnixMilli(), 10)
	}

	if err := s.client.HSet(ctx, redisDocumentPrefix+doc.ID, fields).Err(); err != nil {
		return fmt.Errorf("knowledge: store document hash: %w", err)
	}
	return nil
}

func (s *redisVectorStore) Query(ctx context.Context, ownerID string, vector []float32, k int, threshold float64) ([]ScoredDocument, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}

	query := fmt.Sprintf("(@owner_id:{%s})=>[KNN %d @embedding $query_vector AS vector_distance]", escapeTagValue(ownerID), k)
	res, err := s.client.FTSearchWithArgs(ctx, redisDocumentIndex, query, &redis.FTSearchOptions{
		Return: []redis.FTSearchReturn{
			{FieldName: "title"}, {FieldName: "content"}, {FieldName: "url"},
			{FieldName: "metadata"}, {FieldName: "created_at"}, {FieldName: "updated_at"},
			{FieldName: "vector_distance"},
		},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "vector_distance", Asc: true}},
		Limit:          k,
		Params:         map[string]interface{}{"query_vector": vectorToBytes(vector)},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("knowledge: vector search failed: %w", err)
	}

	results := make([]ScoredDocument, 0, len(res.Docs))
	for _, hit := range res.Docs {
		distance, err := strconv.ParseFloat(hit.Fields["vector_distance"], 64)
		if err != nil {
			log.Printf("knowledge: skipping %s with unreadable distance %q", hit.ID, hit.Fields["vector_distance"])
			continue
		}
		// RediSearch reports cosine distance; similarity = 1 - distance.
		score := 1 - distance
		if score < threshold {
			continue
		}
		doc, ok := documentFromHash(hit.ID, ownerID, hit.Fields)
		if !ok {
			continue
		}
		results = append(results, ScoredDocument{Document: doc, Score: score})
	}
	return results, nil
}

func (s *redisVectorStore) DeleteByID(ctx context.Context, ownerID, id string) error {
	key := redisDocumentPrefix + id
	owner, err := s.client.HGet(ctx, key, "owner_id").Result()
	if errors.Is(err, redis.Nil) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("knowledge: load document owner: %w", err)
	}
	if owner != ownerID {
		return ErrDocumentNotFound
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("knowledge: delete document: %w", err)
	}
	return nil
}

// ListAll pages through the index until the owner's namespace is exhausted.
// Stopping at the first page would silently truncate large namespaces.
func (s *redisVectorStore) ListAll(ctx context.Context, ownerID string) ([]Document, error) {
	query := fmt.Sprintf("@owner_id:{%s}", escapeTagValue(ownerID))

	docs := make([]Document, 0)
	for offset := 0; ; offset += redisListPageSize {
		res, err := s.client.FTSearchWithArgs(ctx, redisDocumentIndex, query, &redis.FTSearchOptions{
			Return: []redis.FTSearchReturn{
				{FieldName: "title"}, {FieldName: "content"}, {FieldName: "url"},
				{FieldName: "metadata"}, {FieldName: "created_at"}, {FieldName: "updated_at"},
			},
			SortBy:         []redis.FTSearchSortBy{{FieldName: "created_at", Desc: true}},
			LimitOffset:    offset,
			Limit:          redisListPageSize,
			DialectVersion: 2,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("knowledge: list documents failed: %w", err)
		}

		for _, hit := range res.Docs {
			doc, ok := documentFromHash(hit.ID, ownerID, hit.Fields)
			if !ok {
				continue
			}
			docs = append(docs, doc)
		}

		if len(res.Docs) < redisListPageSize {
			return docs, nil
		}
	}
}

func documentFromHash(key, ownerID string, fields map[string]string) (Document, bool) {
	if fields == nil {
		log.Printf("knowledge: skipping %s with empty hash", key)
		return Document{}, false
	}

	doc := Document{
		ID:      strings.TrimPrefix(key, redisDocumentPrefix),
		OwnerID: ownerID,
		Title:   fields["title"],
		Content: fields["content"],
		URL:     fields["url"],
	}
	if raw := fields["metadata"]; raw != "" && raw != "{}" {
		meta := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			log.Printf("knowledge: document %s has malformed metadata, returning without it: %v", key, err)
		} else {
			doc.Metadata = meta
		}
	}
	if raw := fields["created_at"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Printf("knowledge: skipping %s with malformed created_at %q", key, raw)
			return Document{}, false
		}
		doc.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if raw := fields["updated_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			doc.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return doc, true
}

func vectorToBytes(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, value := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(value))
	}
	return buf
}

// escapeTagValue escapes RediSearch tag syntax characters so arbitrary owner
// ids cannot alter the query.
func escapeTagValue(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch r {
		case ',', '.', '<', '>', '{', '}', '[', ']', '"', '\'', ':', ';', '!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '-', '+', '=', '~', ' ', '|', '/', '\\':
			builder.WriteByte('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
