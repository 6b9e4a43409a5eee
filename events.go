package casaflow

import (
	"encoding/json"
	"sync"
)

// GenericHandler receives a raw event that has no typed registration.
type GenericHandler func(event string, data json.RawMessage)

// EventRouter is a thin pub-sub adapter between named events on the live
// channel and typed callback registration. It performs no business logic:
// payloads are decoded into their domain shape and handed to subscribers;
// malformed payloads are dropped at the boundary.
type EventRouter struct {
	mu             sync.RWMutex
	onConnect      []func(ConnectInfo)
	onDisconnect   []func(DisconnectInfo)
	onConnectError []func(error)
	onNewMessage   []func(Message)
	onMessageAck   []func(MessageAck)
	onMessageError []func(MessageErrorInfo)
	onTyping       []func(TypingEvent)
	onMessageRead  []func(ReadReceipt)
	onStatus       []func(StatusUpdate)
	generic        map[string][]GenericHandler
}

// NewEventRouter creates an empty router.
func NewEventRouter() *EventRouter {
	return &EventRouter{
		generic: make(map[string][]GenericHandler),
	}
}

func (r *EventRouter) OnConnect(h func(ConnectInfo)) {
	r.mu.Lock()
	r.onConnect = append(r.onConnect, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnDisconnect(h func(DisconnectInfo)) {
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnConnectError(h func(error)) {
	r.mu.Lock()
	r.onConnectError = append(r.onConnectError, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnNewMessage(h func(Message)) {
	r.mu.Lock()
	r.onNewMessage = append(r.onNewMessage, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnMessageAck(h func(MessageAck)) {
	r.mu.Lock()
	r.onMessageAck = append(r.onMessageAck, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnMessageError(h func(MessageErrorInfo)) {
	r.mu.Lock()
	r.onMessageError = append(r.onMessageError, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnTyping(h func(TypingEvent)) {
	r.mu.Lock()
	r.onTyping = append(r.onTyping, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnMessageRead(h func(ReadReceipt)) {
	r.mu.Lock()
	r.onMessageRead = append(r.onMessageRead, h)
	r.mu.Unlock()
}

func (r *EventRouter) OnStatusUpdate(h func(StatusUpdate)) {
	r.mu.Lock()
	r.onStatus = append(r.onStatus, h)
	r.mu.Unlock()
}

// On registers a generic handler for an event name.
func (r *EventRouter) On(event string, h GenericHandler) {
	r.mu.Lock()
	r.generic[event] = append(r.generic[event], h)
	r.mu.Unlock()
}

// RemoveAllListeners detaches every registered handler. Called on teardown so
// listeners cannot leak across reconnects or session changes.
func (r *EventRouter) RemoveAllListeners() {
	r.mu.Lock()
	r.onConnect = nil
	r.onDisconnect = nil
	r.onConnectError = nil
	r.onNewMessage = nil
	r.onMessageAck = nil
	r.onMessageError = nil
	r.onTyping = nil
	r.onMessageRead = nil
	r.onStatus = nil
	r.generic = make(map[string][]GenericHandler)
	r.mu.Unlock()
}

// routerSnapshot is a copy of the handler sets taken under the read lock.
type routerSnapshot struct {
	onConnect      []func(ConnectInfo)
	onDisconnect   []func(DisconnectInfo)
	onNewMessage   []func(Message)
	onMessageAck   []func(MessageAck)
	onMessageError []func(MessageErrorInfo)
	onTyping       []func(TypingEvent)
	onMessageRead  []func(ReadReceipt)
	onStatus       []func(StatusUpdate)
	generic        []GenericHandler
}

// dispatch decodes an inbound envelope and invokes the matching handlers.
// Handlers run synchronously on the caller's goroutine; panics in user
// callbacks are swallowed so one bad subscriber cannot kill the read loop.
// Handler slices are snapshotted before calling so a callback may register
// or remove listeners without deadlocking.
func (r *EventRouter) dispatch(env envelope) {
	r.mu.RLock()
	snap := routerSnapshot{
		onConnect:      append([]func(ConnectInfo){}, r.onConnect...),
		onDisconnect:   append([]func(DisconnectInfo){}, r.onDisconnect...),
		onNewMessage:   append([]func(Message){}, r.onNewMessage...),
		onMessageAck:   append([]func(MessageAck){}, r.onMessageAck...),
		onMessageError: append([]func(MessageErrorInfo){}, r.onMessageError...),
		onTyping:       append([]func(TypingEvent){}, r.onTyping...),
		onMessageRead:  append([]func(ReadReceipt){}, r.onMessageRead...),
		onStatus:       append([]func(StatusUpdate){}, r.onStatus...),
		generic:        append([]GenericHandler{}, r.generic[env.Event]...),
	}
	r.mu.RUnlock()

	switch env.Event {
	case EventConnect:
		var p ConnectInfo
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onConnect {
				safeCall(func() { h(p) })
			}
		}
	case EventDisconnect:
		var p DisconnectInfo
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onDisconnect {
				safeCall(func() { h(p) })
			}
		}
	case EventNewMessage:
		var p Message
		if json.Unmarshal(env.Data, &p) == nil {
			p.Origin = OriginChannel
			for _, h := range snap.onNewMessage {
				safeCall(func() { h(p) })
			}
		}
	case EventMessageAck:
		var p MessageAck
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onMessageAck {
				safeCall(func() { h(p) })
			}
		}
	case EventMessageError:
		var p MessageErrorInfo
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onMessageError {
				safeCall(func() { h(p) })
			}
		}
	case EventTyping:
		var p TypingEvent
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onTyping {
				safeCall(func() { h(p) })
			}
		}
	case EventMessageRead:
		var p ReadReceipt
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onMessageRead {
				safeCall(func() { h(p) })
			}
		}
	case EventUserStatusUpdate:
		var p StatusUpdate
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range snap.onStatus {
				safeCall(func() { h(p) })
			}
		}
	}

	for _, h := range snap.generic {
		handler := h
		safeCall(func() { handler(env.Event, env.Data) })
	}
}

// emitDisconnect delivers a locally synthesized disconnect.
func (r *EventRouter) emitDisconnect(info DisconnectInfo) {
	r.mu.RLock()
	handlers := append([]func(DisconnectInfo){}, r.onDisconnect...)
	generic := append([]GenericHandler{}, r.generic[EventDisconnect]...)
	r.mu.RUnlock()
	for _, h := range handlers {
		handler := h
		safeCall(func() { handler(info) })
	}
	data, _ := json.Marshal(info)
	for _, h := range generic {
		handler := h
		safeCall(func() { handler(EventDisconnect, data) })
	}
}

// emitConnectError delivers a locally synthesized connection failure.
func (r *EventRouter) emitConnectError(err error) {
	r.mu.RLock()
	handlers := append([]func(error){}, r.onConnectError...)
	generic := append([]GenericHandler{}, r.generic[EventConnectError]...)
	r.mu.RUnlock()
	for _, h := range handlers {
		handler := h
		safeCall(func() { handler(err) })
	}
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	for _, h := range generic {
		handler := h
		safeCall(func() { handler(EventConnectError, data) })
	}
}

func safeCall(f func()) {
	defer func() { recover() }() // swallow panics in user callbacks
	f()
}
