package casaflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is the staleness window for cached chat queries. Chat
// data is invalidation-driven, not polling-driven, so the window only bounds
// how long a missed invalidation can go unnoticed.
const DefaultStaleAfter = 30 * time.Second

// Cache keys. Message lists are keyed per conversation.
const (
	cacheKeyConversations = "conversations"
	cacheKeyUnread        = "unread-count"
)

func messagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// ============================================================================
// Query cache
// ============================================================================

type cacheEntry struct {
	fetchedAt time.Time
	stale     bool
}

// queryCache tracks freshness per query key. Values themselves live in the
// store's materialized structures; the cache only answers "may I serve this
// without refetching". Invalidation is idempotent: marking a stale or absent
// entry stale again is harmless.
type queryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration

	hits   int
	misses int
}

func newQueryCache(ttl time.Duration) *queryCache {
	if ttl <= 0 {
		ttl = DefaultStaleAfter
	}
	return &queryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// fresh reports whether the key can be served from the materialized data.
func (qc *queryCache) fresh(key string) bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	e, ok := qc.entries[key]
	if !ok || e.stale || time.Since(e.fetchedAt) > qc.ttl {
		qc.misses++
		return false
	}
	qc.hits++
	return true
}

func (qc *queryCache) markFresh(key string) {
	qc.mu.Lock()
	qc.entries[key] = &cacheEntry{fetchedAt: time.Now()}
	qc.mu.Unlock()
}

func (qc *queryCache) invalidate(key string) {
	qc.mu.Lock()
	if e, ok := qc.entries[key]; ok {
		e.stale = true
	}
	qc.mu.Unlock()
}

func (qc *queryCache) invalidateAll() {
	qc.mu.Lock()
	for _, e := range qc.entries {
		e.stale = true
	}
	qc.mu.Unlock()
}

// ============================================================================
// ChatStore
// ============================================================================

// StoreOption configures a ChatStore.
type StoreOption func(*ChatStore)

// WithStaleAfter overrides the cache staleness window.
func WithStaleAfter(d time.Duration) StoreOption {
	return func(s *ChatStore) { s.cache = newQueryCache(d) }
}

// ChatStore is the cache reconciliation layer: the single source of truth the
// UI reads. It serves paginated message history and the conversation list
// from the REST store, refetches in response to targeted invalidation, and
// reconciles the dual delivery paths by de-duplicating on the server-assigned
// message ID. Only the store writes message/conversation cache entries.
type ChatStore struct {
	api    *ChatClient
	cache  *queryCache
	outbox *Outbox

	mu            sync.Mutex
	conversations []Conversation
	messages      map[string][]Message // materialized per conversation, newest-last
	deepestPage   map[string]int       // page 1 = newest
	hasOlder      map[string]bool
	unreadCount   int

	pollMu   sync.Mutex
	pollStop chan struct{}
}

// NewChatStore creates a store backed by the chat REST client.
func NewChatStore(api *ChatClient, opts ...StoreOption) *ChatStore {
	s := &ChatStore{
		api:         api,
		cache:       newQueryCache(DefaultStaleAfter),
		outbox:      NewOutbox(),
		messages:    make(map[string][]Message),
		deepestPage: make(map[string]int),
		hasOlder:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outbox exposes the per-send delivery ledger.
func (s *ChatStore) Outbox() *Outbox {
	return s.outbox
}

// GetOrCreateConversation is the single client-side entry point for
// conversation creation. The backend guarantees idempotence: re-requesting
// the pair returns the existing conversation. Safe to call every time a chat
// panel opens.
func (s *ChatStore) GetOrCreateConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	s.cache.invalidate(cacheKeyConversations)
	return conv, nil
}

// Conversations returns the conversation list, served from cache within the
// staleness window and refetched otherwise.
func (s *ChatStore) Conversations(ctx context.Context) ([]Conversation, error) {
	if s.cache.fresh(cacheKeyConversations) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]Conversation{}, s.conversations...), nil
	}

	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	s.cache.markFresh(cacheKeyConversations)
	return append([]Conversation{}, convs...), nil
}

// Messages returns the materialized message list for a conversation,
// newest-last. A stale or missing entry triggers a refetch of the newest page
// which is merged into whatever is already materialized, so previously loaded
// older pages survive the refetch. When the refetched page is full and shares
// no message with the materialized list, more than a page arrived while the
// entry was stale; merging would leave a hole, so the older pages are dropped
// and history restarts from the newest page (LoadOlder refills it).
func (s *ChatStore) Messages(ctx context.Context, conversationID string, pageSize int) ([]Message, error) {
	key := messagesKey(conversationID)
	if s.cache.fresh(key) {
		return s.snapshotMessages(conversationID), nil
	}

	msgs, pg, err := s.api.Messages(ctx, conversationID, 1, pageSize)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range msgs {
		msgs[i].Origin = OriginREST
	}
	existing := s.messages[conversationID]
	if len(existing) > 0 && len(msgs) == pageSize && !overlaps(existing, msgs) {
		s.messages[conversationID] = mergeMessages(nil, msgs...)
		s.deepestPage[conversationID] = 1
	} else {
		s.messages[conversationID] = mergeMessages(existing, msgs...)
		if s.deepestPage[conversationID] < 1 {
			s.deepestPage[conversationID] = 1
		}
	}
	if pg != nil {
		s.hasOlder[conversationID] = s.deepestPage[conversationID] < pg.TotalPages
	}
	s.mu.Unlock()
	s.cache.markFresh(key)
	return s.snapshotMessages(conversationID), nil
}

// overlaps reports whether any message ID appears in both lists.
func overlaps(a, b []Message) bool {
	ids := make(map[string]struct{}, len(a))
	for _, m := range a {
		ids[m.ID] = struct{}{}
	}
	for _, m := range b {
		if _, ok := ids[m.ID]; ok {
			return true
		}
	}
	return false
}

// LoadOlder fetches the next older page and prepends it to the materialized
// list. Messages already rendered keep their relative positions, so the view
// can preserve its scroll anchor.
func (s *ChatStore) LoadOlder(ctx context.Context, conversationID string, pageSize int) ([]Message, error) {
	s.mu.Lock()
	page := s.deepestPage[conversationID] + 1
	s.mu.Unlock()

	msgs, pg, err := s.api.Messages(ctx, conversationID, page, pageSize)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range msgs {
		msgs[i].Origin = OriginREST
	}
	s.messages[conversationID] = mergeMessages(s.messages[conversationID], msgs...)
	s.deepestPage[conversationID] = page
	if pg != nil {
		s.hasOlder[conversationID] = page < pg.TotalPages
	} else {
		s.hasOlder[conversationID] = len(msgs) == pageSize
	}
	s.mu.Unlock()
	return s.snapshotMessages(conversationID), nil
}

// HasOlder reports whether more history remains beyond the deepest loaded page.
func (s *ChatStore) HasOlder(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOlder[conversationID]
}

// SendMessage performs the authoritative REST write for a message. The send
// is tracked in the outbox under a fresh idempotency key; on success the
// server's canonical message is merged into the materialized list and the
// affected cache entries are invalidated. The live-channel invalidation for
// the same message may fire too — invalidation is idempotent, so the
// redundancy is harmless.
func (s *ChatStore) SendMessage(ctx context.Context, conversationID, receiverID, content string) (*Message, error) {
	key := uuid.NewString()
	s.outbox.Track(key, conversationID, receiverID, content)

	msg, err := s.api.SendMessage(ctx, conversationID, receiverID, content, key)
	if err != nil {
		s.outbox.Fail(key, err.Error())
		return nil, fmt.Errorf("authoritative send: %w", err)
	}

	msg.Origin = OriginREST
	msg.Delivery = DeliveryAcknowledged
	s.outbox.Ack(key, msg.ID)

	// Merge the canonical message for an immediate view update, but still
	// mark the list stale: peer messages that landed concurrently are only
	// picked up by a refetch.
	s.ApplyMessage(*msg)
	s.cache.invalidate(messagesKey(conversationID))
	s.cache.invalidate(cacheKeyConversations)
	return msg, nil
}

// ApplyMessage merges a single message into the materialized list for its
// conversation, de-duplicating by canonical ID. Both delivery paths funnel
// through here, so a message arriving via the REST response and again via the
// channel echo is counted once regardless of arrival order.
func (s *ChatStore) ApplyMessage(msg Message) {
	s.mu.Lock()
	s.messages[msg.ConversationID] = mergeMessages(s.messages[msg.ConversationID], msg)
	s.mu.Unlock()
}

// MarkAsRead performs the authoritative read-state write and invalidates the
// derived caches; read flags are re-derived on the next refetch.
func (s *ChatStore) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := s.api.MarkAsRead(ctx, conversationID); err != nil {
		return err
	}
	s.cache.invalidate(cacheKeyUnread)
	s.cache.invalidate(cacheKeyConversations)
	return nil
}

// UnreadCount returns the total unread count, cached within the staleness
// window.
func (s *ChatStore) UnreadCount(ctx context.Context) (int, error) {
	if s.cache.fresh(cacheKeyUnread) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.unreadCount, nil
	}
	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.unreadCount = count
	s.mu.Unlock()
	s.cache.markFresh(cacheKeyUnread)
	return count, nil
}

// StartUnreadPolling refetches the unread count on a fixed interval as a
// low-cost liveness fallback — the only polled query; everything else is
// invalidation-driven. Fetch errors are isolated to the poll tick.
func (s *ChatStore) StartUnreadPolling(interval time.Duration, fn func(count int)) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	s.pollStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.cache.invalidate(cacheKeyUnread)
				count, err := s.UnreadCount(context.Background())
				if err != nil {
					continue
				}
				if fn != nil {
					fn(count)
				}
			}
		}
	}()
}

// StopUnreadPolling stops the poller. Idempotent.
func (s *ChatStore) StopUnreadPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
	}
}

// ── Targeted invalidation ────────────────────────────────────────────────

// InvalidateConversations marks the conversation list stale.
func (s *ChatStore) InvalidateConversations() {
	s.cache.invalidate(cacheKeyConversations)
}

// InvalidateMessages marks one conversation's message list stale.
func (s *ChatStore) InvalidateMessages(conversationID string) {
	s.cache.invalidate(messagesKey(conversationID))
}

// InvalidateUnread marks the unread count stale.
func (s *ChatStore) InvalidateUnread() {
	s.cache.invalidate(cacheKeyUnread)
}

// InvalidateAll marks every cached chat query stale. Used on each transition
// into Connected: nothing delivered while disconnected is replayed by the
// live channel, so the REST refetch is what heals the gap.
func (s *ChatStore) InvalidateAll() {
	s.cache.invalidateAll()
}

// ── Internals ────────────────────────────────────────────────────────────

func (s *ChatStore) snapshotMessages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.messages[conversationID]...)
}

// mergeMessages folds incoming messages into an existing list,
// de-duplicating by server-assigned ID and restoring the conversation's
// total order (CreatedAt, then ID). Client arrival order carries no meaning:
// the channel echo and the REST response for the same send may arrive either
// way round.
func mergeMessages(existing []Message, incoming ...Message) []Message {
	byID := make(map[string]int, len(existing))
	for i, m := range existing {
		byID[m.ID] = i
	}
	for _, m := range incoming {
		if i, ok := byID[m.ID]; ok {
			// Server fields win; keep the provenance of the first arrival.
			origin := existing[i].Origin
			delivery := existing[i].Delivery
			existing[i] = m
			if origin != "" {
				existing[i].Origin = origin
			}
			if delivery != "" && m.Delivery == "" {
				existing[i].Delivery = delivery
			}
			continue
		}
		byID[m.ID] = len(existing)
		existing = append(existing, m)
	}
	sort.SliceStable(existing, func(i, j int) bool {
		if !existing[i].CreatedAt.Equal(existing[j].CreatedAt) {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		}
		return existing[i].ID < existing[j].ID
	})
	return existing
}
