package casaflow

import (
	"sync"
	"time"
)

// OutboxEntry tracks one outbound send from submission until the
// authoritative identity is known. The draft content is retained on failure
// so the caller can restore it or retry with the same idempotency key.
type OutboxEntry struct {
	Key            string // client-generated idempotency key
	ConversationID string
	Receiver       string
	Content        string
	MessageID      string // canonical server ID, set on acknowledgement
	State          DeliveryState
	Error          string
	CreatedAt      time.Time
}

// Outbox is the per-send reconciliation ledger: every dual-write send is
// tracked pending -> acknowledged | failed, keyed by its idempotency key.
// Safe for concurrent use.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
	order   []string
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		entries: make(map[string]*OutboxEntry),
	}
}

// Track registers a pending send under its idempotency key.
func (o *Outbox) Track(key, conversationID, receiver, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.entries[key]; !exists {
		o.order = append(o.order, key)
	}
	o.entries[key] = &OutboxEntry{
		Key:            key,
		ConversationID: conversationID,
		Receiver:       receiver,
		Content:        content,
		State:          DeliveryPending,
		CreatedAt:      time.Now(),
	}
}

// Ack marks a send acknowledged and records its canonical message ID.
// Acknowledging an unknown or already-settled key is harmless.
func (o *Outbox) Ack(key, messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[key]
	if !ok || e.State == DeliveryAcknowledged {
		return
	}
	e.State = DeliveryAcknowledged
	e.MessageID = messageID
	e.Error = ""
}

// Fail marks a send failed, keeping the draft for caller-driven retry. A key
// that was already acknowledged stays acknowledged: the authoritative write
// won.
func (o *Outbox) Fail(key, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[key]
	if !ok || e.State == DeliveryAcknowledged {
		return
	}
	e.State = DeliveryFailed
	e.Error = errMsg
}

// Get returns a copy of the entry for key, if tracked.
func (o *Outbox) Get(key string) (OutboxEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[key]
	if !ok {
		return OutboxEntry{}, false
	}
	return *e, true
}

// Pending returns the sends still awaiting acknowledgement, oldest first.
func (o *Outbox) Pending() []OutboxEntry {
	return o.byState(DeliveryPending)
}

// Failed returns the sends that were rejected, oldest first.
func (o *Outbox) Failed() []OutboxEntry {
	return o.byState(DeliveryFailed)
}

func (o *Outbox) byState(state DeliveryState) []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, key := range o.order {
		if e := o.entries[key]; e != nil && e.State == state {
			out = append(out, *e)
		}
	}
	return out
}

// Forget drops a settled entry, e.g. after the caller surfaced a failure.
func (o *Outbox) Forget(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[key]; !ok {
		return
	}
	delete(o.entries, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
