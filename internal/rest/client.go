// Package rest wraps the beacon backend's chat HTTP API. Only the endpoints
// the sync core consumes are covered; the server remains the source of truth
// for list membership and message ids.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds individual API calls; the sync protocol adds no
// timeout of its own and leans on the next reconnect/flush trigger instead.
const DefaultTimeout = 30 * time.Second

// Client talks to the beacon REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (timeouts, transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationSummary mirrors the server's conversation list entry.
type ConversationSummary struct {
	ID        string      `json:"id"`
	IsGroup   bool        `json:"is_group"`
	Title     string      `json:"title"`
	Members   []MemberRef `json:"members"`
	Latitude  *float64    `json:"latitude,omitempty"`
	Longitude *float64    `json:"longitude,omitempty"`
	RadiusKm  *float64    `json:"radius_km,omitempty"`
	UpdatedAt int64       `json:"updated_at"`
}

// MemberRef identifies a conversation member on the wire.
type MemberRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SendMessageRequest is the body of POST /chat/:chatId/messages.
type SendMessageRequest struct {
	SenderID    string `json:"sender_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
}

// SendMessageResponse carries the server-assigned message id.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Body)
}

// ListConversations fetches the authoritative conversation list for a user.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var convs []ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/chat/list/"+userID, nil, &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// SendMessage delivers one message and returns the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, chatID string, req SendMessageRequest) (string, error) {
	var resp SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/chat/"+chatID+"/messages", req, &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("send message: server returned no message_id")
	}
	return resp.MessageID, nil
}

// RemoveMember removes a user from a group conversation.
func (c *Client) RemoveMember(ctx context.Context, chatID, userID, requestedBy string) error {
	body := map[string]string{"user_id": userID, "requested_by": requestedBy}
	if err := c.do(ctx, http.MethodDelete, "/chat/"+chatID+"/remove-member", body, nil); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
