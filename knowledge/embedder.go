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
	"os"
	"strconv"
	"strings"
	"time"

	"lumina_back/backoff"
)

// ErrEmbeddingUnavailable is returned only when every configured embedding
// provider failed. With a fallback configured that means both failed.
var ErrEmbeddingUnavailable = errors.New("knowledge: embedding unavailable")

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	expectDim  int
	retry      backoff.Policy
}

type embeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedder builds an embedder against an OpenAI-compatible
// /embeddings endpoint. expectDim, when positive, is enforced on every
// returned vector; a mismatch is a configuration error, not a retryable one.
func NewHTTPEmbedder(baseURL, apiKey, modelID string, expectDim int) (Embedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("knowledge: embedding model id is required")
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		modelID:    strings.TrimSpace(modelID),
		maxBatch:   16,
		expectDim:  expectDim,
		retry:      backoff.Default,
	}, nil
}

// NewEmbedderFromEnv builds the primary embedder, plus a fallback provider
// when EMBEDDING_FALLBACK_API_KEY is configured. Credential absence fails
// here, before any network call is attempted.
//
// Variables:
//   - EMBEDDING_API_KEY (required), EMBEDDING_BASE_URL, EMBEDDING_MODEL_ID
//   - EMBEDDING_VECTOR_DIM: expected width of every vector (e.g. 1536)
//   - EMBEDDING_FALLBACK_API_KEY, EMBEDDING_FALLBACK_BASE_URL,
//     EMBEDDING_FALLBACK_MODEL_ID (optional secondary provider)
func NewEmbedderFromEnv() (Embedder, error) {
	dim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("knowledge: invalid EMBEDDING_VECTOR_DIM %q", raw)
		}
		dim = parsed
	}

	return newEmbedderFromEnv(dim)
}

// VectorDimensionFromEnv reports the configured embedding width. The vector
// store indexes are created with this value, so it has to match the model.
func VectorDimensionFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 1536
}

func newEmbedderFromEnv(dim int) (Embedder, error) {

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	primary, err := NewHTTPEmbedder(baseURL, os.Getenv("EMBEDDING_API_KEY"), modelID, dim)
	if err != nil {
		return nil, err
	}

	fallbackKey := strings.TrimSpace(os.Getenv("EMBEDDING_FALLBACK_API_KEY"))
	if fallbackKey == "" {
		return &soleEmbedder{inner: primary}, nil
	}

	fallbackURL := strings.TrimSpace(os.Getenv("EMBEDDING_FALLBACK_BASE_URL"))
	if fallbackURL == "" {
		fallbackURL = baseURL
	}
	fallbackModel := strings.TrimSpace(os.Getenv("EMBEDDING_FALLBACK_MODEL_ID"))
	if fallbackModel == "" {
		fallbackModel = modelID
	}

	secondary, err := NewHTTPEmbedder(fallbackURL, fallbackKey, fallbackModel, dim)
	if err != nil {
		return nil, err
	}

	return &fallbackEmbedder{primary: primary, secondary: secondary}, nil
}

// soleEmbedder marks exhausted failures of the only configured provider as
// ErrEmbeddingUnavailable so callers classify outages the same way regardless
// of whether a fallback exists. Cancellation passes through untouched.
type soleEmbedder struct {
	inner Embedder
}

func (s *soleEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors, err := s.inner.Embed(ctx, inputs)
	if err == nil {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
}

// fallbackEmbedder tries the primary provider and falls back to the secondary
// on any failure. Only when both fail does it surface ErrEmbeddingUnavailable.
type fallbackEmbedder struct {
	primary   Embedder
	secondary Embedder
}

func (f *fallbackEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vectors, primaryErr := f.primary.Embed(ctx, inputs)
	if primaryErr == nil {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, primaryErr
	}
	log.Printf("knowledge: primary embedder failed, using fallback: %v", primaryErr)

	vectors, secondaryErr := f.secondary.Embed(ctx, inputs)
	if secondaryErr == nil {
		return vectors, nil
	}
	return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrEmbeddingUnavailable, primaryErr, secondaryErr)
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		if strings.TrimSpace(item) == "" {
			continue
		}
		sanitized = append(sanitized, item)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	var results [][]float32
	for start := 0; start < len(sanitized); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		batchVectors, err := e.embedBatch(ctx, sanitized[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batchVectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32
	err := e.retry.Do(ctx, func() error {
		decoded, err := e.requestEmbeddings(ctx, batch)
		if err != nil {
			return err
		}
		if len(decoded.Data) != len(batch) {
			return backoff.Stop(fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data)))
		}
		vectors = make([][]float32, len(decoded.Data))
		for i, item := range decoded.Data {
			vector := make([]float32, len(item.Embedding))
			for j, value := range item.Embedding {
				vector[j] = float32(value)
			}
			if e.expectDim > 0 && len(vector) != e.expectDim {
				return backoff.Stop(fmt.Errorf("knowledge: embedding length %d does not match configured dimension %d", len(vector), e.expectDim))
			}
			vectors[i] = vector
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *httpEmbedder) requestEmbeddings(ctx context.Context, batch []string) (*embeddingResponse, error) {
	payload := embeddingRequest{
		Model:          e.modelID,
		Input:          batch,
		EncodingFormat: "float",
	}
	if e.expectDim > 0 {
		dim := e.expectDim
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, backoff.Stop(fmt.Errorf("knowledge: encode embedding payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, backoff.Stop(fmt.Errorf("knowledge: create embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reqErr := fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, reqErr
		}
		return nil, backoff.Stop(reqErr)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}
	return &decoded, nil
}
