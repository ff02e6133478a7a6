package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"lumina_back/identity"
	"lumina_back/knowledge"
)

func fileHeader(name, contentType string, size int64) *multipart.FileHeader {
	header := &multipart.FileHeader{Filename: name, Size: size, Header: textproto.MIMEHeader{}}
	if contentType != "" {
		header.Header.Set("Content-Type", contentType)
	}
	return header
}

func TestValidateUpload(t *testing.T) {
	cases := []struct {
		name    string
		header  *multipart.FileHeader
		wantErr bool
	}{
		{"plain text", fileHeader("notes.txt", "text/plain", 100), false},
		{"pdf", fileHeader("report.pdf", "application/pdf", 100), false},
		{"image", fileHeader("photo.jpg", "image/jpeg", 100), false},
		{"unknown mime but allowed extension", fileHeader("readme.md", "application/octet-stream", 100), false},
		{"uppercase extension fallback", fileHeader("README.MD", "", 100), false},
		{"archive rejected", fileHeader("dump.zip", "application/zip", 100), true},
		{"executable rejected", fileHeader("tool.exe", "application/octet-stream", 100), true},
		{"oversized rejected", fileHeader("big.txt", "text/plain", maxUploadBytes+1), true},
		{"at limit accepted", fileHeader("edge.txt", "text/plain", maxUploadBytes), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateUpload(tc.header)
			if tc.wantErr && err == nil {
				t.Fatal("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestExtractContent(t *testing.T) {
	text := extractContent(fileHeader("notes.txt", "text/plain", 11), "text/plain", []byte("hello world"))
	if text != "hello world" {
		t.Fatalf("expected raw text content, got %q", text)
	}

	pdf := extractContent(fileHeader("report.pdf", "application/pdf", 10), "application/pdf", []byte("%PDF-1.4"))
	if !strings.Contains(pdf, "report.pdf") {
		t.Fatalf("expected pdf placeholder to name the file, got %q", pdf)
	}

	image := extractContent(fileHeader("photo.png", "image/png", 2048), "image/png", []byte{0x89, 0x50})
	if !strings.Contains(image, "[Image file] photo.png") {
		t.Fatalf("expected image placeholder, got %q", image)
	}
}

type recordingIndexer struct {
	inputs []knowledge.DocumentInput
}

func (r *recordingIndexer) IndexDocument(_ context.Context, _ string, input knowledge.DocumentInput) (*knowledge.IndexResult, error) {
	r.inputs = append(r.inputs, input)
	return &knowledge.IndexResult{GroupID: "group-1", DocumentIDs: []string{"doc-1"}, ChunkCount: 1}, nil
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func performUpload(t *testing.T, indexer Indexer, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)

	body, contentType := multipartBody(t, files)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	identity.WithUserID(c, "user-a")

	module := &Module{indexer: indexer}
	module.handleUpload(c)
	return recorder
}

func TestHandleUploadIndexesTextFiles(t *testing.T) {
	indexer := &recordingIndexer{}
	recorder := performUpload(t, indexer, map[string]string{"notes.txt": "some notes"})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Success     bool     `json:"success"`
		Filenames   []string `json:"filenames"`
		DocumentIDs []string `json:"documentIds"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.Success || len(response.DocumentIDs) != 1 {
		t.Fatalf("unexpected response %+v", response)
	}
	if len(indexer.inputs) != 1 || indexer.inputs[0].Content != "some notes" {
		t.Fatalf("unexpected indexed inputs %+v", indexer.inputs)
	}
}

func TestHandleUploadRejectsWholeBatchOnBadFile(t *testing.T) {
	indexer := &recordingIndexer{}
	recorder := performUpload(t, indexer, map[string]string{
		"good.txt": "fine",
		"bad.zip":  "PK...",
	})

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
	if len(indexer.inputs) != 0 {
		t.Fatalf("expected no side effects, but %d files were indexed", len(indexer.inputs))
	}
}

func TestHandleUploadRequiresFiles(t *testing.T) {
	recorder := performUpload(t, &recordingIndexer{}, map[string]string{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}
