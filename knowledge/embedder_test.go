package knowledge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lumina_back/backoff"
)

func newFailingEmbedder(t *testing.T, status int) Embedder {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", status)
	}))
	t.Cleanup(server.Close)

	return &httpEmbedder{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "test-key",
		modelID:    "test-model",
		maxBatch:   16,
		retry:      backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

// A single-provider outage has to classify the same way a dual-provider
// outage does, so the documents handler can answer 502 in both setups.
func TestSoleEmbedderMarksExhaustedFailuresUnavailable(t *testing.T) {
	embedder := &soleEmbedder{inner: newFailingEmbedder(t, http.StatusInternalServerError)}

	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected an error from a failing provider")
	}
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestSoleEmbedderPassesCancellationThrough(t *testing.T) {
	embedder := &soleEmbedder{inner: newFailingEmbedder(t, http.StatusInternalServerError)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := embedder.Embed(ctx, []string{"hello"})
	if err == nil {
		t.Fatal("expected an error on a canceled context")
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, cancellation must not read as a provider outage", err)
	}
}

func TestFallbackEmbedderMarksDualFailureUnavailable(t *testing.T) {
	embedder := &fallbackEmbedder{
		primary:   newFailingEmbedder(t, http.StatusInternalServerError),
		secondary: newFailingEmbedder(t, http.StatusServiceUnavailable),
	}

	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}
