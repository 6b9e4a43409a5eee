package casaflow

import (
	"context"
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a typing indicator survives without a
// follow-up event. Bounds the staleness of a lost stop-typing event.
const DefaultTypingExpiry = 3 * time.Second

// NotificationKind classifies a user-visible notification.
type NotificationKind string

const (
	NotifyNewMessage NotificationKind = "new-message"
	NotifySendError  NotificationKind = "send-error"
)

// Notification is a transient, toast-style user notification.
type Notification struct {
	Kind           NotificationKind
	ConversationID string
	From           string
	Body           string
}

// Notifier receives user-visible notifications from the session.
type Notifier func(Notification)

// SessionConfig configures a ChatSession.
type SessionConfig struct {
	// UserID identifies the authenticated user; inbound messages from this
	// sender do not raise notifications.
	UserID string

	// Notifier receives toast-style notifications. Optional.
	Notifier Notifier

	// TypingExpiry overrides the typing auto-clear window. Defaults to 3s.
	TypingExpiry time.Duration

	// Channel tunes the live-channel client. Token and UserID are filled in
	// from the REST client and this config.
	Channel ChannelConfig
}

// ChatSession is the coordination context: the single integration point the
// application depends on for chat. It owns the channel client and event
// router for one authenticated session, translates UI intents into dual
// writes (authoritative REST plus low-latency channel echo), and translates
// inbound events into cache invalidation and notifications. Construct one per
// login and release it with Logout — there is no process-wide singleton.
type ChatSession struct {
	client  *Client
	store   *ChatStore
	router  *EventRouter
	channel *ChannelClient

	userID       string
	notifier     Notifier
	typingExpiry time.Duration

	mu        sync.Mutex
	typing    map[string]bool
	typingSeq map[string]uint64
	online    map[string]bool
	lastErr   string
}

// NewChatSession wires a session over the given REST client.
func NewChatSession(client *Client, cfg SessionConfig) *ChatSession {
	router := NewEventRouter()

	chCfg := cfg.Channel
	chCfg.Token = client.Token()
	chCfg.UserID = cfg.UserID

	s := &ChatSession{
		client:       client,
		store:        NewChatStore(client.Chat()),
		router:       router,
		channel:      NewChannelClient(client.ChannelURL(), chCfg, router),
		userID:       cfg.UserID,
		notifier:     cfg.Notifier,
		typingExpiry: cfg.TypingExpiry,
		typing:       make(map[string]bool),
		typingSeq:    make(map[string]uint64),
		online:       make(map[string]bool),
	}
	if s.typingExpiry <= 0 {
		s.typingExpiry = DefaultTypingExpiry
	}
	s.bind()
	return s
}

// bind registers the inbound event handling — the session's core business
// logic.
func (s *ChatSession) bind() {
	// Every transition into Connected invalidates the chat caches: events
	// missed while disconnected are not replayed, the REST refetch heals
	// the gap.
	s.router.OnConnect(func(ConnectInfo) {
		s.store.InvalidateAll()
	})

	s.router.OnConnectError(func(err error) {
		s.setError(err.Error())
	})

	s.router.OnNewMessage(func(msg Message) {
		s.store.ApplyMessage(msg)
		s.store.InvalidateConversations()
		s.store.InvalidateMessages(msg.ConversationID)
		s.store.InvalidateUnread()
		s.clearTyping(msg.Sender)
		if msg.Sender != s.userID {
			s.notify(Notification{
				Kind:           NotifyNewMessage,
				ConversationID: msg.ConversationID,
				From:           msg.Sender,
				Body:           msg.Content,
			})
		}
	})

	s.router.OnTyping(func(ev TypingEvent) {
		s.handleTyping(ev)
	})

	s.router.OnStatusUpdate(func(up StatusUpdate) {
		s.mu.Lock()
		s.online[up.UserID] = up.Online()
		s.mu.Unlock()
	})

	s.router.OnMessageRead(func(ReadReceipt) {
		// Read state is re-derived from a refetch, never mutated in place.
		s.store.InvalidateUnread()
		s.store.InvalidateConversations()
	})

	s.router.OnMessageAck(func(ack MessageAck) {
		// Observed only: the REST response is already authoritative. The
		// outbox entry, if any, is settled for completeness.
		if ack.IdempotencyKey != "" {
			s.store.Outbox().Ack(ack.IdempotencyKey, ack.MessageID)
		}
	})

	s.router.OnMessageError(func(me MessageErrorInfo) {
		if me.IdempotencyKey != "" {
			s.store.Outbox().Fail(me.IdempotencyKey, me.Message)
		}
		s.notify(Notification{
			Kind:           NotifySendError,
			ConversationID: me.ConversationID,
			Body:           me.Message,
		})
	})
}

// Store exposes the cache reconciliation layer — the only surface the UI
// reads message and conversation data from.
func (s *ChatSession) Store() *ChatStore {
	return s.store
}

// Router exposes the event router for additional subscribers.
func (s *ChatSession) Router() *EventRouter {
	return s.router
}

// Channel exposes the live-channel client (state is read-only to callers).
func (s *ChatSession) Channel() *ChannelClient {
	return s.channel
}

// State returns the live-channel connection state.
func (s *ChatSession) State() ConnState {
	return s.channel.State()
}

// Connect brings the live channel up with the current credential. Call again
// whenever the auth state changes back to available.
func (s *ChatSession) Connect(ctx context.Context) error {
	s.channel.SetToken(s.client.Token())
	return s.channel.Connect(ctx)
}

// Logout force-disconnects, releases all listeners, and clears session state.
func (s *ChatSession) Logout() {
	s.channel.Disconnect()
	s.router.RemoveAllListeners()
	s.store.StopUnreadPolling()

	s.mu.Lock()
	s.typing = make(map[string]bool)
	s.typingSeq = make(map[string]uint64)
	s.online = make(map[string]bool)
	s.lastErr = ""
	s.mu.Unlock()
}

// SendMessage is the dual-write send: the authoritative REST write through
// the store, then a fire-and-forget echo over the live channel. A down
// channel is never an error — durability rests on the REST path alone.
func (s *ChatSession) SendMessage(ctx context.Context, conversationID, receiverID, content string) (*Message, error) {
	if s.client.Token() == "" {
		s.setError("not authenticated")
		return nil, nil
	}

	msg, err := s.store.SendMessage(ctx, conversationID, receiverID, content)
	if err != nil {
		s.notify(Notification{
			Kind:           NotifySendError,
			ConversationID: conversationID,
			Body:           err.Error(),
		})
		return nil, err
	}

	// Low-latency fan-out; ignored when the channel is down or degraded.
	s.channel.EmitSendMessage(ctx, conversationID, s.userID, receiverID, content)
	return msg, nil
}

// SetTyping emits a typing indicator change. Reports an auth error through
// LastError when unauthenticated.
func (s *ChatSession) SetTyping(ctx context.Context, conversationID, receiverID string, isTyping bool) {
	if s.client.Token() == "" {
		s.setError("not authenticated")
		return
	}
	s.channel.EmitTyping(ctx, TypingEvent{
		ConversationID: conversationID,
		Sender:         s.userID,
		Receiver:       receiverID,
		IsTyping:       isTyping,
	})
}

// MarkAsRead records the read state authoritatively and echoes the receipt
// over the live channel.
func (s *ChatSession) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := s.store.MarkAsRead(ctx, conversationID); err != nil {
		return err
	}
	s.channel.EmitMarkAsRead(ctx, conversationID)
	return nil
}

// TypingUsers returns a copy of the per-sender typing map.
func (s *ChatSession) TypingUsers() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.typing))
	for k, v := range s.typing {
		out[k] = v
	}
	return out
}

// OnlineUsers returns a copy of the per-user presence map.
func (s *ChatSession) OnlineUsers() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.online))
	for k, v := range s.online {
		out[k] = v
	}
	return out
}

// LastError returns the most recent session error ("" when clear). Errors
// land here instead of being thrown across the session boundary.
func (s *ChatSession) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearError resets LastError.
func (s *ChatSession) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// ── Internals ────────────────────────────────────────────────────────────

// handleTyping applies last-write-wins with auto-expiry. Each event bumps the
// sender's sequence number, so the expiry scheduled for an earlier event can
// never clear — or resurrect — state written by a later one.
func (s *ChatSession) handleTyping(ev TypingEvent) {
	s.mu.Lock()
	s.typingSeq[ev.Sender]++
	seq := s.typingSeq[ev.Sender]
	s.typing[ev.Sender] = ev.IsTyping
	s.mu.Unlock()

	if !ev.IsTyping {
		return
	}
	sender := ev.Sender
	time.AfterFunc(s.typingExpiry, func() {
		s.mu.Lock()
		if s.typingSeq[sender] == seq {
			s.typing[sender] = false
		}
		s.mu.Unlock()
	})
}

// clearTyping drops a sender's indicator immediately, superseding any
// pending expiry.
func (s *ChatSession) clearTyping(sender string) {
	s.mu.Lock()
	s.typingSeq[sender]++
	s.typing[sender] = false
	s.mu.Unlock()
}

func (s *ChatSession) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *ChatSession) notify(n Notification) {
	if s.notifier != nil {
		s.notifier(n)
	}
}
