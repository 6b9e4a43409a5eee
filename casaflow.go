// Package casaflow provides the Go client for the CasaFlow rental-marketplace
// API, centered on the real-time chat synchronization core: a live-channel
// connection manager, an event router, a chat session facade, and a
// cache-reconciled view of conversations and messages.
//
// Example:
//
//	client := casaflow.NewClient(token)
//	session := casaflow.NewChatSession(client, casaflow.SessionConfig{UserID: me})
//	defer session.Logout()
//
//	session.Connect(ctx)
//	conv, _ := session.Store().GetOrCreateConversation(ctx, landlordID)
//	session.SendMessage(ctx, conv.ID, landlordID, "Hi, is the flat still available?")
package casaflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.casaflow.io"
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the CasaFlow REST client. The auth token is a mutable cell:
// SetToken swaps the credential when the session identity changes.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	channelURL string
	httpClient *http.Client
	chat       *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithChannelURL overrides the live-channel endpoint. Defaults to the base URL.
func WithChannelURL(u string) ClientOption {
	return func(c *Client) { c.channelURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new CasaFlow client.
// token is optional — pass "" for an unauthenticated client and call SetToken
// after login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.channelURL == "" {
		c.channelURL = c.baseURL
	}

	c.chat = &ChatClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current auth token ("" when unauthenticated).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ChannelURL returns the live-channel endpoint.
func (c *Client) ChannelURL() string {
	return c.channelURL
}

// Chat returns the chat REST sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*apiResponse, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.StatusCode >= 400 || !out.Success {
		if out.Error != nil {
			return nil, out.Error
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return &out, nil
}

// ============================================================================
// Chat REST sub-client
// ============================================================================

// ChatClient exposes the chat REST contract. The REST path is the
// authoritative write/read path; the live channel is a low-latency overlay.
type ChatClient struct {
	client *Client
}

// CreateConversation is the idempotent get-or-create entry point: the backend
// returns the existing conversation when one already exists between the two
// participants.
func (cc *ChatClient) CreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	resp, err := cc.client.doRequest(ctx, "POST", "/chat/conversation",
		map[string]string{"otherUserId": otherUserID}, nil)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	var conv Conversation
	if err := resp.decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// Conversations lists the user's conversations, each with its last message.
func (cc *ChatClient) Conversations(ctx context.Context) ([]Conversation, error) {
	resp, err := cc.client.doRequest(ctx, "GET", "/chat/conversations", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var convs []Conversation
	if err := resp.decode(&convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return convs, nil
}

// SendMessage performs the authoritative write for a message. The idempotency
// key lets the backend de-duplicate a retried write.
func (cc *ChatClient) SendMessage(ctx context.Context, conversationID, receiverID, content, idempotencyKey string) (*Message, error) {
	body := map[string]string{
		"conversationId": conversationID,
		"receiverId":     receiverID,
		"content":        content,
	}
	if idempotencyKey != "" {
		body["idempotencyKey"] = idempotencyKey
	}
	resp, err := cc.client.doRequest(ctx, "POST", "/chat/send-message", body, nil)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	var msg Message
	if err := resp.decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Messages returns one page of a conversation's history.
func (cc *ChatClient) Messages(ctx context.Context, conversationID string, page, limit int) ([]Message, *Pagination, error) {
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	resp, err := cc.client.doRequest(ctx, "GET", "/chat/conversation/messages/"+conversationID, nil, query)
	if err != nil {
		return nil, nil, fmt.Errorf("get messages: %w", err)
	}
	var msgs []Message
	if err := resp.decode(&msgs); err != nil {
		return nil, nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, resp.Pagination, nil
}

// MarkAsRead marks every message in the conversation as read for the caller.
func (cc *ChatClient) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := cc.client.doRequest(ctx, "PUT", "/chat/mark-as-read/"+conversationID, nil, nil)
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

// UnreadCount returns the caller's total unread message count.
func (cc *ChatClient) UnreadCount(ctx context.Context) (int, error) {
	resp, err := cc.client.doRequest(ctx, "GET", "/chat/unread-count", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	var payload struct {
		Count int `json:"count"`
	}
	if err := resp.decode(&payload); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return payload.Count, nil
}
