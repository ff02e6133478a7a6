package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lumina_back/backoff"
)

func newTestTool(t *testing.T, handler http.HandlerFunc) (*Tool, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := &Client{
		baseURL:    server.URL,
		apiKey:     "test-key",
		numResults: 10,
		httpClient: server.Client(),
		retry:      backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	return NewTool(client), server
}

func execute(t *testing.T, tool *Tool, query string) *SearchResults {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"query": query})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	results, ok := out.(*SearchResults)
	if !ok {
		t.Fatalf("unexpected result type %T", out)
	}
	return results
}

func TestExecuteNormalizesObjectHighlights(t *testing.T) {
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"url": "https://a.example/weather", "highlights": [{"text": "Sunny in Lisbon"}, {"text": "22 degrees"}]},
			{"url": "https://b.example/forecast", "title": "Forecast", "highlights": [{"text": "Light rain later"}]},
			{"url": "https://c.example/today", "highlights": [{"score": 0.4}, {"text": "Clear skies"}]}
		]}`))
	})

	results := execute(t, tool, "today's weather in Lisbon")
	if results.Query != "today's weather in Lisbon" {
		t.Fatalf("unexpected query echo %q", results.Query)
	}
	if len(results.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results.Results))
	}
	wantSnippets := []string{"Sunny in Lisbon 22 degrees", "Light rain later", "Clear skies"}
	for i, item := range results.Results {
		if item.URL == "" {
			t.Fatalf("result %d has empty url", i)
		}
		if item.Snippet != wantSnippets[i] {
			t.Fatalf("result %d snippet = %q, want %q", i, item.Snippet, wantSnippets[i])
		}
	}
	if results.Results[0].Title != "No title" {
		t.Fatalf("expected missing title placeholder, got %q", results.Results[0].Title)
	}
	if results.Results[1].Title != "Forecast" {
		t.Fatalf("expected title to pass through, got %q", results.Results[1].Title)
	}
}

func TestExecuteNormalizesStringHighlights(t *testing.T) {
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [{"url": "https://a.example", "highlights": ["first part", "second part"]}]}`))
	})

	results := execute(t, tool, "anything")
	if len(results.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results.Results))
	}
	if got := results.Results[0].Snippet; got != "first part second part" {
		t.Fatalf("unexpected snippet %q", got)
	}
}

func TestExecuteDropsResultsWithoutURL(t *testing.T) {
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": [
			{"url": "", "title": "orphan"},
			{"url": "https://kept.example", "text": "body text"}
		]}`))
	})

	results := execute(t, tool, "anything")
	if len(results.Results) != 1 {
		t.Fatalf("expected url-less result to be dropped, got %d results", len(results.Results))
	}
	if results.Results[0].URL != "https://kept.example" {
		t.Fatalf("unexpected survivor %q", results.Results[0].URL)
	}
	if results.Results[0].Content != "body text" {
		t.Fatalf("expected text field to map to content, got %q", results.Results[0].Content)
	}
}

func TestExecuteProviderErrorCarriesMessage(t *testing.T) {
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid query", http.StatusBadRequest)
	})

	args, _ := json.Marshal(map[string]string{"query": "bad"})
	_, err := tool.Execute(context.Background(), args)
	if err == nil {
		t.Fatal("expected provider error")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected status in error message, got %v", err)
	}
}

func TestExecuteRejectsEmptyQuery(t *testing.T) {
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not be called")
	})
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "  "}`)); err == nil {
		t.Fatal("expected empty query to be rejected")
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	block := make(chan struct{})
	tool, _ := newTestTool(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	args, _ := json.Marshal(map[string]string{"query": "slow"})
	if _, err := tool.Execute(ctx, args); err == nil {
		t.Fatal("expected cancellation error")
	}
}
