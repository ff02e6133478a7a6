package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"lumina_back/backoff"
)

const (
	defaultSearchBaseURL = "https://api.exa.ai"
	defaultNumResults    = 10
	searchTimeout        = 30 * time.Second
)

// Client calls an Exa-compatible search API.
type Client struct {
	baseURL    string
	apiKey     string
	numResults int
	httpClient *http.Client
	retry      backoff.Policy
}

// NewClientFromEnv builds the search client from SEARCH_API_KEY and the
// optional SEARCH_API_URL / SEARCH_NUM_RESULTS overrides. A missing key
// fails fast so the tool is never registered half-configured.
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("SEARCH_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("websearch: SEARCH_API_KEY is not configured")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("SEARCH_API_URL")), "/")
	if baseURL == "" {
		baseURL = defaultSearchBaseURL
	}
	numResults := defaultNumResults
	if raw := strings.TrimSpace(os.Getenv("SEARCH_NUM_RESULTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("websearch: invalid SEARCH_NUM_RESULTS %q", raw)
		}
		numResults = parsed
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		numResults: numResults,
		httpClient: &http.Client{Timeout: searchTimeout},
		retry:      backoff.Default,
	}, nil
}

type searchRequest struct {
	Query      string         `json:"query"`
	Type       string         `json:"type"`
	NumResults int            `json:"numResults"`
	Contents   searchContents `json:"contents"`
}

type searchContents struct {
	Text bool `json:"text"`
}

// rawResult mirrors the provider's loose response shape. Highlights is
// kept raw because providers send either string arrays or object arrays.
type rawResult struct {
	Title         *string         `json:"title"`
	URL           string          `json:"url"`
	Text          string          `json:"text"`
	Content       string          `json:"content"`
	Highlights    json.RawMessage `json:"highlights"`
	PublishedDate string          `json:"publishedDate"`
	Author        *string         `json:"author"`
	Score         *float64        `json:"score"`
}

type rawImage struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

type rawResponse struct {
	Results []rawResult `json:"results"`
	Images  []rawImage  `json:"images"`
}

func (c *Client) search(ctx context.Context, query string) (*rawResponse, error) {
	payload, err := json.Marshal(searchRequest{
		Query:      query,
		Type:       "auto",
		NumResults: c.numResults,
		Contents:   searchContents{Text: true},
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal request: %w", err)
	}

	var response rawResponse
	err = c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return backoff.Stop(fmt.Errorf("websearch: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("websearch: call provider: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("websearch: read provider response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("websearch: provider returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Stop(fmt.Errorf("websearch: provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if err := json.Unmarshal(body, &response); err != nil {
			return backoff.Stop(fmt.Errorf("websearch: decode provider response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &response, nil
}
