package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeEmbedder returns a deterministic vector derived from the input text.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("%w: provider down", ErrEmbeddingUnavailable)
	}
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		var sum float32
		for _, r := range input {
			sum += float32(r)
		}
		vectors[i] = []float32{sum, float32(len(input)), 1, 0}
	}
	return vectors, nil
}

// fakeVectorStore keeps documents in memory with a fixed score per content
// prefix, scoped by owner like a real backend.
type fakeVectorStore struct {
	mu     sync.Mutex
	docs   []Document
	scores map[string]float64
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{scores: make(map[string]float64)}
}

func (f *fakeVectorStore) Upsert(_ context.Context, doc Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeVectorStore) Query(_ context.Context, ownerID string, _ []float32, k int, threshold float64) ([]ScoredDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []ScoredDocument
	for _, doc := range f.docs {
		if doc.OwnerID != ownerID {
			continue
		}
		score, ok := f.scores[doc.Content]
		if !ok {
			score = 0.9
		}
		if score < threshold {
			continue
		}
		results = append(results, ScoredDocument{Document: doc, Score: score})
	}
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Score > results[i].Score {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *fakeVectorStore) DeleteByID(_ context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, doc := range f.docs {
		if doc.ID == id && doc.OwnerID == ownerID {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			return nil
		}
	}
	return ErrDocumentNotFound
}

func (f *fakeVectorStore) ListAll(_ context.Context, ownerID string) ([]Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []Document
	for _, doc := range f.docs {
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func newTestService(t *testing.T, store VectorStore) *Service {
	t.Helper()
	service, err := NewServiceFromEnv(&fakeEmbedder{}, store)
	if err != nil {
		t.Fatalf("NewServiceFromEnv: %v", err)
	}
	return service
}

func TestIndexDocumentStoresOneRowPerChunk(t *testing.T) {
	store := newFakeVectorStore()
	service := newTestService(t, store)

	content := strings.Repeat("a", 3500)
	result, err := service.IndexDocument(context.Background(), "user-a", DocumentInput{
		Title:   "Handbook",
		Content: content,
	})
	if err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if result.ChunkCount != 5 {
		t.Fatalf("expected 5 chunks, got %d", result.ChunkCount)
	}
	if len(result.DocumentIDs) != 5 {
		t.Fatalf("expected 5 document ids, got %d", len(result.DocumentIDs))
	}
	if result.GroupID == "" {
		t.Fatal("expected a group id")
	}

	docs, _ := store.ListAll(context.Background(), "user-a")
	if len(docs) != 5 {
		t.Fatalf("expected 5 stored documents, got %d", len(docs))
	}
	seen := make(map[int]bool)
	for _, doc := range docs {
		if doc.OwnerID != "user-a" {
			t.Fatalf("document stored under wrong owner %q", doc.OwnerID)
		}
		if n := len([]rune(doc.Content)); n > 1000 {
			t.Fatalf("stored chunk has %d runes, exceeds max", n)
		}
		if doc.Metadata["document_id"] != result.GroupID {
			t.Fatalf("chunk missing shared group id, got %v", doc.Metadata["document_id"])
		}
		idx, ok := doc.Metadata["chunk_index"].(int)
		if !ok {
			t.Fatalf("chunk_index missing or wrong type: %v", doc.Metadata["chunk_index"])
		}
		seen[idx] = true
	}
	for i := 0; i < 5; i++ {
		if !seen[i] {
			t.Fatalf("missing chunk index %d", i)
		}
	}
}

func TestIndexDocumentRejectsEmptyInput(t *testing.T) {
	service := newTestService(t, newFakeVectorStore())
	if _, err := service.IndexDocument(context.Background(), "user-a", DocumentInput{Title: "x"}); err == nil {
		t.Fatal("expected error for missing content")
	}
	if _, err := service.IndexDocument(context.Background(), "user-a", DocumentInput{Content: "x"}); err == nil {
		t.Fatal("expected error for missing title")
	}
	if _, err := service.IndexDocument(context.Background(), "", DocumentInput{Title: "x", Content: "y"}); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestRetrieveContextFiltersByThreshold(t *testing.T) {
	store := newFakeVectorStore()
	store.docs = []Document{
		{ID: "doc-1", OwnerID: "user-a", Title: "Refund policy", Content: "Refunds are issued within 30 days."},
		{ID: "doc-2", OwnerID: "user-a", Title: "Shipping", Content: "Shipping takes a week."},
	}
	store.scores["Refunds are issued within 30 days."] = 0.81
	store.scores["Shipping takes a week."] = 0.60

	service := newTestService(t, store)

	contextText, sources, err := service.RetrieveContext(context.Background(), "refund policy", "user-a", 5)
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected exactly 1 source above threshold, got %d", len(sources))
	}
	if sources[0].Title != "Refund policy" {
		t.Fatalf("unexpected source %q", sources[0].Title)
	}
	if contextText != "Refunds are issued within 30 days." {
		t.Fatalf("unexpected context text %q", contextText)
	}
}

func TestRetrieveContextEmptyNamespace(t *testing.T) {
	service := newTestService(t, newFakeVectorStore())
	contextText, sources, err := service.RetrieveContext(context.Background(), "anything", "user-without-docs", 3)
	if err != nil {
		t.Fatalf("expected no error for empty namespace, got %v", err)
	}
	if contextText != "" || len(sources) != 0 {
		t.Fatalf("expected empty context, got %q with %d sources", contextText, len(sources))
	}
}

func TestOwnerIsolation(t *testing.T) {
	store := newFakeVectorStore()
	store.docs = []Document{
		{ID: "doc-1", OwnerID: "user-a", Title: "Secret", Content: "Owner A's private notes."},
	}
	service := newTestService(t, store)

	contextText, sources, err := service.RetrieveContext(context.Background(), "private notes", "user-b", 5)
	if err != nil {
		t.Fatalf("RetrieveContext: %v", err)
	}
	if contextText != "" || len(sources) != 0 {
		t.Fatal("owner B retrieved owner A's document")
	}

	docs, err := service.ListDocuments(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Fatal("owner B listed owner A's document")
	}
}

func TestAugmentPromptIsNoOpWithoutContext(t *testing.T) {
	service := newTestService(t, newFakeVectorStore())
	base := "You are a helpful assistant."
	augmented, err := service.AugmentPrompt(context.Background(), base, "anything", "user-a")
	if err != nil {
		t.Fatalf("AugmentPrompt: %v", err)
	}
	if augmented != base {
		t.Fatalf("expected base prompt unchanged, got %q", augmented)
	}
}

func TestAugmentPromptIncludesSources(t *testing.T) {
	store := newFakeVectorStore()
	store.docs = []Document{
		{ID: "doc-1", OwnerID: "user-a", Title: "Policy", Content: "All returns need a receipt.", URL: "https://example.com/policy"},
	}
	store.scores["All returns need a receipt."] = 0.88
	service := newTestService(t, store)

	augmented, err := service.AugmentPrompt(context.Background(), "Base prompt.", "returns", "user-a")
	if err != nil {
		t.Fatalf("AugmentPrompt: %v", err)
	}
	if !strings.Contains(augmented, "Base prompt.") {
		t.Fatal("augmented prompt lost the base prompt")
	}
	if !strings.Contains(augmented, "All returns need a receipt.") {
		t.Fatal("augmented prompt missing retrieved context")
	}
	if !strings.Contains(augmented, "[1] Policy (https://example.com/policy)") {
		t.Fatal("augmented prompt missing source listing")
	}
}

func TestRetrieveContextPropagatesEmbedderFailure(t *testing.T) {
	service, err := NewServiceFromEnv(&fakeEmbedder{fail: true}, newFakeVectorStore())
	if err != nil {
		t.Fatalf("NewServiceFromEnv: %v", err)
	}
	if _, _, err := service.RetrieveContext(context.Background(), "query", "user-a", 3); err == nil {
		t.Fatal("expected embedder failure to propagate")
	}
}
