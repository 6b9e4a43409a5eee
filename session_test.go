package casaflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

type notificationRecorder struct {
	mu   sync.Mutex
	list []Notification
}

func (nr *notificationRecorder) record(n Notification) {
	nr.mu.Lock()
	nr.list = append(nr.list, n)
	nr.mu.Unlock()
}

func (nr *notificationRecorder) all() []Notification {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return append([]Notification{}, nr.list...)
}

func newTestSession(t *testing.T, f *fakeChatServer, token string) (*ChatSession, *notificationRecorder) {
	t.Helper()
	rec := &notificationRecorder{}
	client := NewClient(token, WithBaseURL(f.url()))
	session := NewChatSession(client, SessionConfig{
		UserID:       "me",
		Notifier:     rec.record,
		TypingExpiry: 100 * time.Millisecond,
	})
	t.Cleanup(session.Logout)
	return session, rec
}

func TestSessionNewMessage(t *testing.T) {
	t.Run("incoming message notifies and invalidates", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, rec := newTestSession(t, f, "tok")
		ctx := context.Background()

		// Prime the caches so invalidation is observable as a refetch.
		if _, err := session.Store().Conversations(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := session.Store().UnreadCount(ctx); err != nil {
			t.Fatal(err)
		}

		session.Router().dispatch(envelope{
			Event: EventNewMessage,
			Data: mustRaw(t, Message{
				ID:             "m1",
				ConversationID: "c1",
				Sender:         "landlord-1",
				Content:        "Viewing tomorrow at 10?",
				CreatedAt:      time.Now(),
			}),
		})

		ns := rec.all()
		if len(ns) != 1 || ns[0].Kind != NotifyNewMessage {
			t.Fatalf("expected one new-message notification, got %+v", ns)
		}
		if ns[0].From != "landlord-1" || ns[0].ConversationID != "c1" {
			t.Errorf("unexpected notification: %+v", ns[0])
		}

		if _, err := session.Store().Conversations(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := session.Store().UnreadCount(ctx); err != nil {
			t.Fatal(err)
		}
		if got := f.hitCount("conversations"); got != 2 {
			t.Errorf("expected conversation list refetched, got %d fetches", got)
		}
		if got := f.hitCount("unread"); got != 2 {
			t.Errorf("expected unread count refetched, got %d fetches", got)
		}
	})

	t.Run("own echo does not notify", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, rec := newTestSession(t, f, "tok")

		session.Router().dispatch(envelope{
			Event: EventNewMessage,
			Data: mustRaw(t, Message{
				ID:             "m1",
				ConversationID: "c1",
				Sender:         "me",
				Content:        "my own message echoed back",
				CreatedAt:      time.Now(),
			}),
		})

		if len(rec.all()) != 0 {
			t.Errorf("echo of own message must not notify, got %+v", rec.all())
		}
	})

	t.Run("message clears the sender's typing indicator", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "tok")

		session.Router().dispatch(envelope{
			Event: EventTyping,
			Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "landlord-1", IsTyping: true}),
		})
		if !session.TypingUsers()["landlord-1"] {
			t.Fatal("expected typing indicator set")
		}

		session.Router().dispatch(envelope{
			Event: EventNewMessage,
			Data: mustRaw(t, Message{
				ID:             "m1",
				ConversationID: "c1",
				Sender:         "landlord-1",
				Content:        "sent it",
				CreatedAt:      time.Now(),
			}),
		})
		if session.TypingUsers()["landlord-1"] {
			t.Error("typing indicator must clear when the message lands")
		}
	})
}

func TestSessionTypingExpiry(t *testing.T) {
	t.Run("indicator expires without follow-up", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "tok")

		session.Router().dispatch(envelope{
			Event: EventTyping,
			Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "u2", IsTyping: true}),
		})
		if !session.TypingUsers()["u2"] {
			t.Fatal("expected typing indicator set")
		}

		time.Sleep(200 * time.Millisecond)
		if session.TypingUsers()["u2"] {
			t.Error("typing indicator must auto-expire")
		}
	})

	t.Run("stale expiry cannot clear a renewed indicator", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "tok")
		typing := envelope{
			Event: EventTyping,
			Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "u2", IsTyping: true}),
		}

		session.Router().dispatch(typing)
		time.Sleep(50 * time.Millisecond)
		session.Router().dispatch(typing) // renew before the first expiry

		// Past the first event's expiry, within the second's.
		time.Sleep(70 * time.Millisecond)
		if !session.TypingUsers()["u2"] {
			t.Error("renewed indicator must survive the first event's expiry")
		}

		time.Sleep(150 * time.Millisecond)
		if session.TypingUsers()["u2"] {
			t.Error("indicator must expire after the renewed window")
		}
	})

	t.Run("explicit stop is immediate and final", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "tok")

		session.Router().dispatch(envelope{
			Event: EventTyping,
			Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "u2", IsTyping: true}),
		})
		session.Router().dispatch(envelope{
			Event: EventTyping,
			Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "u2", IsTyping: false}),
		})
		if session.TypingUsers()["u2"] {
			t.Fatal("explicit stop must clear immediately")
		}

		// The pending expiry from the start event must not flip anything back.
		time.Sleep(150 * time.Millisecond)
		if session.TypingUsers()["u2"] {
			t.Error("indicator resurrected after explicit stop")
		}
	})
}

func TestSessionPresence(t *testing.T) {
	f := newFakeChatServer(t)
	session, _ := newTestSession(t, f, "tok")

	session.Router().dispatch(envelope{
		Event: EventUserStatusUpdate,
		Data:  mustRaw(t, StatusUpdate{UserID: "landlord-1", Status: "online"}),
	})
	if !session.OnlineUsers()["landlord-1"] {
		t.Error("expected landlord-1 online")
	}

	session.Router().dispatch(envelope{
		Event: EventUserStatusUpdate,
		Data:  mustRaw(t, StatusUpdate{UserID: "landlord-1", Status: "offline"}),
	})
	if session.OnlineUsers()["landlord-1"] {
		t.Error("expected landlord-1 offline")
	}
}

func TestSessionReadReceiptInvalidatesUnread(t *testing.T) {
	f := newFakeChatServer(t)
	session, _ := newTestSession(t, f, "tok")
	ctx := context.Background()
	f.setUnread(5)

	if _, err := session.Store().UnreadCount(ctx); err != nil {
		t.Fatal(err)
	}

	f.setUnread(0)
	session.Router().dispatch(envelope{
		Event: EventMessageRead,
		Data:  mustRaw(t, ReadReceipt{ConversationID: "c1", Reader: "landlord-1"}),
	})

	count, err := session.Store().UnreadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected refetched unread count 0, got %d", count)
	}
}

func TestSessionMessageAckSettlesOutbox(t *testing.T) {
	f := newFakeChatServer(t)
	session, _ := newTestSession(t, f, "tok")

	session.Store().Outbox().Track("key-1", "c1", "landlord-1", "hello")
	session.Router().dispatch(envelope{
		Event: EventMessageAck,
		Data:  mustRaw(t, MessageAck{MessageID: "m9", ConversationID: "c1", IdempotencyKey: "key-1"}),
	})

	e, ok := session.Store().Outbox().Get("key-1")
	if !ok || e.State != DeliveryAcknowledged || e.MessageID != "m9" {
		t.Errorf("expected entry acknowledged with m9, got %+v", e)
	}
}

func TestSessionMessageError(t *testing.T) {
	f := newFakeChatServer(t)
	session, rec := newTestSession(t, f, "tok")

	session.Store().Outbox().Track("key-1", "c1", "landlord-1", "hello")
	session.Router().dispatch(envelope{
		Event: EventMessageError,
		Data:  mustRaw(t, MessageErrorInfo{Message: "rate limited", ConversationID: "c1", IdempotencyKey: "key-1"}),
	})

	e, _ := session.Store().Outbox().Get("key-1")
	if e.State != DeliveryFailed || e.Error != "rate limited" {
		t.Errorf("expected failed entry, got %+v", e)
	}
	ns := rec.all()
	if len(ns) != 1 || ns[0].Kind != NotifySendError {
		t.Errorf("expected send-error notification, got %+v", ns)
	}
}

func TestSessionConnectInvalidatesAll(t *testing.T) {
	f := newFakeChatServer(t)
	session, _ := newTestSession(t, f, "tok")
	ctx := context.Background()

	if _, err := session.Store().Conversations(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Store().UnreadCount(ctx); err != nil {
		t.Fatal(err)
	}

	// Events missed while disconnected are not replayed; the transition into
	// Connected must force a refetch of everything.
	session.Router().dispatch(envelope{
		Event: EventConnect,
		Data:  mustRaw(t, ConnectInfo{UserID: "me"}),
	})

	if _, err := session.Store().Conversations(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Store().UnreadCount(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.hitCount("conversations"); got != 2 {
		t.Errorf("expected conversation refetch after connect, got %d fetches", got)
	}
	if got := f.hitCount("unread"); got != 2 {
		t.Errorf("expected unread refetch after connect, got %d fetches", got)
	}
}

func TestSessionSendMessage(t *testing.T) {
	t.Run("durable without live channel", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "tok")
		ctx := context.Background()

		msg, err := session.SendMessage(ctx, "c1", "landlord-1", "hello")
		if err != nil {
			t.Fatalf("send without channel must still succeed: %v", err)
		}
		if msg == nil || msg.ID == "" {
			t.Fatal("expected canonical message from the authoritative write")
		}
		if got := f.hitCount("send"); got != 1 {
			t.Errorf("expected exactly one authoritative write, got %d", got)
		}
	})

	t.Run("unauthenticated reports through LastError", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, _ := newTestSession(t, f, "")

		msg, err := session.SendMessage(context.Background(), "c1", "landlord-1", "hello")
		if err != nil {
			t.Fatalf("auth absence is state, not an error: %v", err)
		}
		if msg != nil {
			t.Error("expected no message without a credential")
		}
		if session.LastError() != "not authenticated" {
			t.Errorf("expected auth error recorded, got %q", session.LastError())
		}
		if got := f.hitCount("send"); got != 0 {
			t.Errorf("no request should reach the server, got %d", got)
		}

		session.ClearError()
		if session.LastError() != "" {
			t.Error("expected LastError cleared")
		}
	})

	t.Run("rejected write notifies", func(t *testing.T) {
		f := newFakeChatServer(t)
		session, rec := newTestSession(t, f, "tok")
		f.setFailSends(true)

		_, err := session.SendMessage(context.Background(), "c1", "landlord-1", "nope")
		if err == nil {
			t.Fatal("expected send error")
		}
		ns := rec.all()
		if len(ns) != 1 || ns[0].Kind != NotifySendError {
			t.Errorf("expected send-error notification, got %+v", ns)
		}
	})
}

func TestSessionLogout(t *testing.T) {
	f := newFakeChatServer(t)
	session, rec := newTestSession(t, f, "tok")

	session.Router().dispatch(envelope{
		Event: EventTyping,
		Data:  mustRaw(t, TypingEvent{ConversationID: "c1", Sender: "u2", IsTyping: true}),
	})
	session.Router().dispatch(envelope{
		Event: EventUserStatusUpdate,
		Data:  mustRaw(t, StatusUpdate{UserID: "u2", Status: "online"}),
	})

	session.Logout()

	if len(session.TypingUsers()) != 0 {
		t.Error("typing state must clear on logout")
	}
	if len(session.OnlineUsers()) != 0 {
		t.Error("presence state must clear on logout")
	}
	if session.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", session.State())
	}

	// Handlers are detached: events after logout must not leak into the
	// released session.
	before := len(rec.all())
	session.Router().dispatch(envelope{
		Event: EventNewMessage,
		Data:  mustRaw(t, Message{ID: "m1", ConversationID: "c1", Sender: "u2", CreatedAt: time.Now()}),
	})
	if len(rec.all()) != before {
		t.Error("no notification should fire after logout")
	}
	if len(session.TypingUsers()) != 0 || len(session.OnlineUsers()) != 0 {
		t.Error("session state must stay cleared after logout")
	}
}
