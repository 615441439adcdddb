// Package chatsync is the message synchronization engine for two-party
// candidate/recruiter conversations.
//
// It combines cursor-based history pagination, a live websocket channel and an
// outbound send pipeline (attachment upload + optimistic insert) into one
// ordered, deduplicated message sequence per open conversation.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("http://localhost:8080"), chatsync.WithUserID("u-1"))
//
//	// Plain API calls
//	page, _ := client.Messages.FetchPage(ctx, "room-1", nil)
//	msg, _ := client.Messages.Send(ctx, "room-1", &chatsync.SendRequest{Content: "Hello!"})
//
//	// Full synchronization session
//	sess, _ := client.OpenSession(ctx, "room-1", nil)
//	defer sess.Close()
//	_ = sess.Send(ctx, "Hi there", nil)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend on behalf of one local user.
type Client struct {
	token      string
	userID     string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	Rooms    *RoomsClient
	Messages *MessagesClient
	Files    *FilesClient
	Realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used by the client and every session it opens.
func WithLogger(logger *zerolog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.log = *logger
		}
	}
}

// WithUserID sets the local user's identifier. Sessions need it to recognise
// live echoes of the user's own sends.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = id }
}

// NewClient creates a new client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Rooms = &RoomsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Files = &FilesClient{client: c}
	c.Realtime = &RealtimeClient{client: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// UserID returns the local user's identifier.
func (c *Client) UserID() string {
	return c.userID
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (*Result, error) {
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, &APIError{Code: "BAD_RESPONSE", Message: fmt.Sprintf("HTTP %d: %v", resp.StatusCode, err), Status: resp.StatusCode}
	}
	if !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return result, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeData[T any](res *Result) (*T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return &v, nil
}

func roomPath(roomID string, rest ...string) string {
	p := "/api/rooms/" + url.PathEscape(roomID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ============================================================================
// Sub-clients
// ============================================================================

// RoomsClient reads conversation metadata. Conversations are owned elsewhere;
// this client only looks them up.
type RoomsClient struct{ client *Client }

func (r *RoomsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := r.client.doRequest(ctx, http.MethodGet, "/api/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeData[[]Conversation](res)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (r *RoomsClient) Get(ctx context.Context, roomID string) (*Conversation, error) {
	res, err := r.client.doRequest(ctx, http.MethodGet, roomPath(roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](res)
}

// FindConversation scans an already-fetched list for roomID.
func FindConversation(list []Conversation, roomID string) (*Conversation, bool) {
	for i := range list {
		if list[i].ID == roomID {
			return &list[i], true
		}
	}
	return nil, false
}

// MarkAsRead tells the server the local user has seen the room's messages.
func (r *RoomsClient) MarkAsRead(ctx context.Context, roomID string) error {
	_, err := r.client.doRequest(ctx, http.MethodPost, roomPath(roomID, "read"), nil, nil)
	return err
}

// MessagesClient sends messages and fetches history.
type MessagesClient struct{ client *Client }

// Send posts a message and returns the server-confirmed copy.
func (m *MessagesClient) Send(ctx context.Context, roomID string, req *SendRequest) (*Message, error) {
	res, err := m.client.doRequest(ctx, http.MethodPost, roomPath(roomID, "messages"), req, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeData[Message](res)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, &APIError{Code: "BAD_RESPONSE", Message: "confirmed message has no id", Status: http.StatusOK}
	}
	return msg, nil
}
