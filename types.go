package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// Presence is a participant's online status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Participant is one side of a conversation.
type Participant struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Presence  Presence `json:"presence"`
}

// Conversation is a two-party room attached to a job application.
type Conversation struct {
	ID        string      `json:"id"`
	Candidate Participant `json:"candidate"`
	Recruiter Participant `json:"recruiter"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) Participant {
	if c.Candidate.ID == userID {
		return c.Recruiter
	}
	return c.Candidate
}

// Has reports whether userID takes part in the conversation.
func (c *Conversation) Has(userID string) bool {
	return c.Candidate.ID == userID || c.Recruiter.ID == userID
}

// ============================================================================
// Messages
// ============================================================================

// Status is the delivery status of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"

	// StatusFailed is client-only: a provisional message whose send failed.
	StatusFailed Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the server-side statuses.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.rank() > s.rank()
}

// AttachmentType classifies an uploaded attachment.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "IMAGE"
	AttachmentDocument AttachmentType = "FILE"
)

// Attachment references an uploaded file.
type Attachment struct {
	URL      string         `json:"url"`
	Type     AttachmentType `json:"type"`
	FileName string         `json:"fileName"`
}

// Message is a single chat message.
//
// ClientID is the idempotency key generated by the sending client; the server
// echoes it on the confirmed message and on the live echo. Pending marks a
// provisional message that the server has not confirmed yet; its ID is local.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Status         Status      `json:"status"`
	Pending        bool        `json:"-"`
}

func (m *Message) sameBody(other *Message) bool {
	if m.Content != other.Content {
		return false
	}
	switch {
	case m.Attachment == nil && other.Attachment == nil:
		return true
	case m.Attachment == nil || other.Attachment == nil:
		return false
	}
	return *m.Attachment == *other.Attachment
}

// ============================================================================
// Pagination
// ============================================================================

// Direction selects which side of a cursor a page is fetched from.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageQuery bounds a history fetch. An empty Cursor means the most recent page.
type PageQuery struct {
	Cursor    string
	Limit     int
	Direction Direction
}

// Page is one slice of conversation history in ascending timestamp order.
//
// NextCursor is the timestamp of the oldest message (resume point for Before),
// PrevCursor the timestamp of the newest one (resume point for After).
type Page struct {
	Content    []Message `json:"content"`
	HasMore    bool      `json:"hasMore"`
	NextCursor string    `json:"nextCursor,omitempty"`
	PrevCursor string    `json:"prevCursor,omitempty"`
}

// FormatCursor renders t as a page cursor.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseCursor parses a page cursor.
func ParseCursor(cursor string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, cursor)
}

// ============================================================================
// Send / Upload
// ============================================================================

// SendRequest is the body of a send call.
type SendRequest struct {
	ClientID    string       `json:"clientId,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// UploadResult is returned by the upload endpoint.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// AttachmentFile is a local file to attach to an outgoing message.
type AttachmentFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Size returns the payload size in bytes.
func (f *AttachmentFile) Size() int64 {
	return int64(len(f.Data))
}
