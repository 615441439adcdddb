package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// MaxAttachmentSize is the largest attachment the pipeline accepts.
const MaxAttachmentSize = 10 * 1024 * 1024

// FilesClient uploads attachments.
type FilesClient struct{ client *Client }

// Upload sends a file to the upload endpoint and returns its stable URL.
// The upload is independent of any message; it must finish before the
// message referencing it is sent.
func (f *FilesClient) Upload(ctx context.Context, file *AttachmentFile) (*UploadResult, error) {
	if file == nil || file.Name == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if file.Size() > MaxAttachmentSize {
		return nil, ErrAttachmentTooLarge
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.client.baseURL+"/api/uploads", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := f.client.send(req)
	if err != nil {
		return nil, err
	}
	uploaded, err := decodeData[UploadResult](res)
	if err != nil {
		return nil, err
	}
	if uploaded.MimeType == "" {
		uploaded.MimeType = mimeType
	}
	if uploaded.FileName == "" {
		uploaded.FileName = file.Name
	}
	return uploaded, nil
}

// Classify maps a MIME type to an attachment type.
func Classify(mimeType string) AttachmentType {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return AttachmentImage
	}
	return AttachmentDocument
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".heic": "image/heic",
		".doc":  "application/msword",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
