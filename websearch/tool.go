package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// SearchResultItem is the canonical result shape. URL is the only field
// guaranteed present; provider-specific field names never leak past here.
type SearchResultItem struct {
	Title         string         `json:"title"`
	URL           string         `json:"url"`
	Content       string         `json:"content"`
	Snippet       string         `json:"snippet"`
	PublishedDate string         `json:"publishedDate,omitempty"`
	Author        *string        `json:"author,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SearchResultImage is an image citation attached to a result set.
type SearchResultImage struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// SearchResults is what the tool hands back to the model.
type SearchResults struct {
	Results []SearchResultItem  `json:"results"`
	Images  []SearchResultImage `json:"images,omitempty"`
	Query   string              `json:"query"`
}

const (
	toolName        = "exaSearch"
	toolDescription = "Search the web for real-time information about a topic or query."
	missingTitle    = "No title"
)

// Tool exposes the search client as a model-invocable tool.
type Tool struct {
	client *Client
}

func NewTool(client *Client) *Tool {
	return &Tool{client: client}
}

func (t *Tool) Name() string        { return toolName }
func (t *Tool) Description() string { return toolDescription }

// Parameters returns the JSON schema for the tool's arguments.
func (t *Tool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query to look up information about."
			}
		},
		"required": ["query"]
	}`)
}

type toolArgs struct {
	Query string `json:"query"`
}

// Execute runs a search for the model-provided arguments and returns the
// normalized result set.
func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var parsed toolArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("websearch: invalid tool arguments: %w", err)
	}
	query := strings.TrimSpace(parsed.Query)
	if query == "" {
		return nil, fmt.Errorf("websearch: tool arguments missing query")
	}

	response, err := t.client.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("websearch: search for %q failed: %w", query, err)
	}

	results := make([]SearchResultItem, 0, len(response.Results))
	for _, raw := range response.Results {
		item, ok := normalizeResult(raw)
		if !ok {
			log.Printf("websearch: dropping result without url for query %q", query)
			continue
		}
		results = append(results, item)
	}

	var images []SearchResultImage
	for _, raw := range response.Images {
		if strings.TrimSpace(raw.URL) == "" {
			continue
		}
		images = append(images, SearchResultImage{URL: raw.URL, Description: raw.Description})
	}
	return &SearchResults{Results: results, Images: images, Query: query}, nil
}

func normalizeResult(raw rawResult) (SearchResultItem, bool) {
	if strings.TrimSpace(raw.URL) == "" {
		return SearchResultItem{}, false
	}

	title := missingTitle
	if raw.Title != nil && strings.TrimSpace(*raw.Title) != "" {
		title = *raw.Title
	}

	content := raw.Text
	if content == "" {
		content = raw.Content
	}

	return SearchResultItem{
		Title:         title,
		URL:           raw.URL,
		Content:       content,
		Snippet:       normalizeHighlights(raw.Highlights),
		PublishedDate: raw.PublishedDate,
		Author:        raw.Author,
		Score:         raw.Score,
		Metadata: map[string]any{
			"source": map[string]any{
				"type":          "webpage",
				"url":           raw.URL,
				"title":         title,
				"publishedDate": raw.PublishedDate,
			},
		},
	}, true
}

// normalizeHighlights joins highlights into one snippet. Providers send
// either a string array or an array of objects with a text field.
func normalizeHighlights(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return strings.Join(asStrings, " ")
	}

	var asObjects []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		parts := make([]string, 0, len(asObjects))
		for _, h := range asObjects {
			if h.Text != "" {
				parts = append(parts, h.Text)
			}
		}
		return strings.Join(parts, " ")
	}

	log.Printf("websearch: unrecognized highlights shape, dropping snippet")
	return ""
}
