package chatsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hirelane/chatsync"
)

type seenPart struct {
	field, name, mimeType string
	body                  []byte
}

func TestFileUpload(t *testing.T) {
	parts := make(chan seenPart, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/uploads" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(part)
		parts <- seenPart{part.FormName(), part.FileName(), part.Header.Get("Content-Type"), body}

		raw, _ := json.Marshal(chatsync.UploadResult{URL: "https://cdn.example/u/1", Size: int64(len(body))})
		json.NewEncoder(w).Encode(chatsync.Result{OK: true, Data: raw})
	}))
	defer ts.Close()
	client := chatsync.NewClient("tok", chatsync.WithBaseURL(ts.URL))
	ctx := context.Background()

	t.Run("Upload bytes - happy path", func(t *testing.T) {
		data := []byte("Hello from the upload test")
		res, err := client.Files.Upload(ctx, &chatsync.AttachmentFile{Name: "notes.txt", MimeType: "text/plain", Data: data})
		if err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		if res.URL != "https://cdn.example/u/1" {
			t.Errorf("URL = %s", res.URL)
		}
		p := <-parts
		if p.field != "file" || p.name != "notes.txt" || p.mimeType != "text/plain" {
			t.Errorf("part = field %q name %q type %q", p.field, p.name, p.mimeType)
		}
		if string(p.body) != string(data) {
			t.Errorf("body = %q", p.body)
		}
		if res.FileName != "notes.txt" || res.MimeType != "text/plain" {
			t.Errorf("Expected name and MIME filled from the request, got %+v", res)
		}
	})

	t.Run("Upload guesses MIME from name", func(t *testing.T) {
		if _, err := client.Files.Upload(ctx, &chatsync.AttachmentFile{Name: "photo.webp", Data: []byte{1, 2, 3}}); err != nil {
			t.Fatalf("Upload error: %v", err)
		}
		if p := <-parts; p.mimeType != "image/webp" {
			t.Errorf("Content-Type = %s, want image/webp", p.mimeType)
		}
	})

	t.Run("Oversized file is rejected locally", func(t *testing.T) {
		big := make([]byte, chatsync.MaxAttachmentSize+1)
		_, err := client.Files.Upload(ctx, &chatsync.AttachmentFile{Name: "big.bin", Data: big})
		if !errors.Is(err, chatsync.ErrAttachmentTooLarge) {
			t.Fatalf("Expected ErrAttachmentTooLarge, got %v", err)
		}
		if len(parts) != 0 {
			t.Error("Oversized file reached the server")
		}
	})

	t.Run("Missing name", func(t *testing.T) {
		_, err := client.Files.Upload(ctx, &chatsync.AttachmentFile{Data: []byte("x")})
		if !errors.Is(err, chatsync.ErrValidation) {
			t.Fatalf("Expected validation error, got %v", err)
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mime string
		want chatsync.AttachmentType
	}{
		{"image/png", chatsync.AttachmentImage},
		{"IMAGE/JPEG", chatsync.AttachmentImage},
		{"application/pdf", chatsync.AttachmentDocument},
		{"text/plain", chatsync.AttachmentDocument},
		{"", chatsync.AttachmentDocument},
	}
	for _, tt := range tests {
		if got := chatsync.Classify(tt.mime); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.mime, got, tt.want)
		}
	}
}
