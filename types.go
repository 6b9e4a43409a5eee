package casaflow

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the CasaFlow API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Pagination describes the paging metadata attached to list responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
	TotalItems int `json:"totalItems"`
}

// apiResponse is the generic REST response envelope.
type apiResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
}

// decode unmarshals the Data field into the provided type.
func (r *apiResponse) decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Domain Types
// ============================================================================

// MessageOrigin records which path a message arrived through.
type MessageOrigin string

const (
	// OriginREST marks a message obtained from the authoritative REST store.
	OriginREST MessageOrigin = "rest"
	// OriginChannel marks a message delivered over the live channel.
	OriginChannel MessageOrigin = "channel"
)

// DeliveryState tracks an outbound message through the dual-write path.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryAcknowledged DeliveryState = "acknowledged"
	DeliveryFailed       DeliveryState = "failed"
)

// Message is a single chat message. The server-assigned ID is the canonical
// identity; within a conversation messages are totally ordered by
// (CreatedAt, ID).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`

	// Provenance tags, client-side only.
	Origin   MessageOrigin `json:"-"`
	Delivery DeliveryState `json:"-"`
}

// Conversation is a durable two-party chat thread between a tenant and a
// landlord. Conversations are created lazily on first contact and never
// deleted.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ============================================================================
// Live-Channel Events
// ============================================================================

// Inbound event names on the live channel.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventNewMessage       = "newMessage"
	EventMessageAck       = "messageAck"
	EventMessageError     = "messageError"
	EventTyping           = "typing"
	EventMessageRead      = "messageRead"
	EventUserStatusUpdate = "userStatusUpdate"
)

// Outbound event names.
const (
	eventJoinRoom     = "joinRoom"
	eventSendMessage  = "sendMessage"
	eventMarkAsRead   = "markAsRead"
	eventUpdateStatus = "updateStatus"
)

// envelope is the wire format for all live-channel events.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// command is a client-to-server emit.
type command struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ConnectInfo is delivered when the handshake completes.
type ConnectInfo struct {
	UserID string `json:"userId"`
}

// DisconnectInfo carries the reason a connection dropped.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// MessageAck confirms the server accepted a channel-emitted message.
type MessageAck struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// MessageErrorInfo reports a server-side rejection of a send.
type MessageErrorInfo struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TypingEvent signals a participant starting or stopping typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt signals that a participant read a conversation.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	Reader         string `json:"reader"`
}

// StatusUpdate signals a presence change for a user.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Online reports whether the update marks the user as online.
func (s StatusUpdate) Online() bool {
	return s.Status == "online"
}

// outboundMessage is the payload for a sendMessage emit.
type outboundMessage struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Content        string `json:"content"`
}
