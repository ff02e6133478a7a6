package knowledge

import (
	"testing"
	"time"
)

func TestDocumentFromPayload(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		payload  map[string]any
		wantOK   bool
		wantMeta bool
	}{
		{
			name: "complete payload",
			payload: map[string]any{
				"title":      "Policy",
				"content":    "Refunds are processed in 5 days.",
				"url":        "https://example.com/policy",
				"metadata":   `{"document_id":"group-1"}`,
				"created_at": float64(createdAt.UnixMilli()),
			},
			wantOK:   true,
			wantMeta: true,
		},
		{
			name:    "missing payload",
			payload: nil,
			wantOK:  false,
		},
		{
			name: "content is not a string",
			payload: map[string]any{
				"title":   "Broken",
				"content": 42,
			},
			wantOK: false,
		},
		{
			name: "malformed metadata keeps the document",
			payload: map[string]any{
				"title":    "Partial",
				"content":  "still readable",
				"metadata": `{"document_id":`,
			},
			wantOK:   true,
			wantMeta: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc, ok := documentFromPayload("point-1", "user-1", tc.payload)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if doc.OwnerID != "user-1" {
				t.Fatalf("OwnerID = %q, want user-1", doc.OwnerID)
			}
			if content, _ := tc.payload["content"].(string); doc.Content != content {
				t.Fatalf("Content = %q, want %q", doc.Content, content)
			}
			if tc.wantMeta {
				if doc.Metadata["document_id"] != "group-1" {
					t.Fatalf("Metadata = %v, want document_id group-1", doc.Metadata)
				}
				if !doc.CreatedAt.Equal(createdAt) {
					t.Fatalf("CreatedAt = %v, want %v", doc.CreatedAt, createdAt)
				}
			} else if doc.Metadata != nil {
				t.Fatalf("Metadata = %v, want nil after malformed JSON", doc.Metadata)
			}
		})
	}
}
