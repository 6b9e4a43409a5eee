package casaflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNoCredentials is reported through the router when Connect is called
// without an auth token. It is never returned as an error: the live channel
// fails silently and durability falls back to the REST path.
var ErrNoCredentials = errors.New("no auth credential available")

// errReceiveOnly marks a transport that cannot carry outbound emits.
var errReceiveOnly = errors.New("transport is receive-only")

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the live-channel connection state. It is owned exclusively by
// the ChannelClient and read-only everywhere else.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ChannelConfig configures the live-channel client.
type ChannelConfig struct {
	Token  string
	UserID string

	// HandshakeTimeout bounds the dial plus the wait for the server's
	// connect event. Defaults to 15s.
	HandshakeTimeout time.Duration

	// AutoReconnect enables the internal bounded-backoff reconnector. Off by
	// default: retry is normally driven by the auth lifecycle re-invoking
	// Connect when a credential becomes available again.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// HTTPClient is used for the SSE fallback stream. It must not set a
	// global timeout or the stream would be cut off mid-session.
	HTTPClient *http.Client
}

func (c *ChannelConfig) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// ============================================================================
// Transports
// ============================================================================

// transport is one way of carrying the live channel. The websocket transport
// is bidirectional; the SSE fallback is server-push only.
type transport interface {
	name() string
	bidirectional() bool
	// dial opens the transport. hsCtx bounds the dial itself; connCtx is the
	// long-lived connection context the stream must outlive the handshake on.
	dial(hsCtx, connCtx context.Context, channelURL, token string) error
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, data []byte) error
	close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) name() string        { return "websocket" }
func (t *wsTransport) bidirectional() bool { return true }

func (t *wsTransport) dial(hsCtx, _ context.Context, channelURL, token string) error {
	u := strings.Replace(channelURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws?token=" + token

	conn, _, err := websocket.Dial(hsCtx, u, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.conn = conn
	return nil
}

func (t *wsTransport) read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

type sseTransport struct {
	httpClient *http.Client
	resp       *http.Response
	scanner    *bufio.Scanner
}

func (t *sseTransport) name() string        { return "sse" }
func (t *sseTransport) bidirectional() bool { return false }

func (t *sseTransport) dial(hsCtx, connCtx context.Context, channelURL, token string) error {
	// The request rides the connection context: tying it to the handshake
	// context would kill the stream when the handshake timer fires.
	req, err := http.NewRequestWithContext(connCtx, "GET", channelURL+"/sse?token="+token, nil)
	if err != nil {
		return fmt.Errorf("create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}
	t.resp = resp
	t.scanner = bufio.NewScanner(resp.Body)
	return nil
}

func (t *sseTransport) read(ctx context.Context) ([]byte, error) {
	for t.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line := t.scanner.Text()
		if strings.HasPrefix(line, ":") || line == "" {
			continue // heartbeat comment or event separator
		}
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("sse stream ended")
}

func (t *sseTransport) write(ctx context.Context, data []byte) error {
	return errReceiveOnly
}

func (t *sseTransport) close() error {
	if t.resp == nil {
		return nil
	}
	return t.resp.Body.Close()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is touched from the read loop, the reconnect goroutine, and
// user-facing Disconnect, so its counters carry their own lock.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// ChannelClient
// ============================================================================

// ChannelClient maintains at most one live connection per authenticated
// session. It owns the connection state, performs the auth handshake with
// websocket-first/SSE-fallback transport selection, joins the per-user room,
// and feeds every inbound envelope into the EventRouter. It never retries on
// its own unless AutoReconnect is set.
type ChannelClient struct {
	channelURL string
	cfg        ChannelConfig
	router     *EventRouter
	recon      *reconnector

	mu               sync.Mutex
	state            ConnState
	tr               transport
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewChannelClient creates a channel client that dispatches through router.
func NewChannelClient(channelURL string, cfg ChannelConfig, router *EventRouter) *ChannelClient {
	cfg.defaults()
	return &ChannelClient{
		channelURL: strings.TrimRight(channelURL, "/"),
		cfg:        cfg,
		router:     router,
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

// State returns the current connection state.
func (cc *ChannelClient) State() ConnState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

// IsConnected reports whether the channel is up. Never blocks.
func (cc *ChannelClient) IsConnected() bool {
	return cc.State() == StateConnected
}

// SetToken swaps the credential used on the next Connect.
func (cc *ChannelClient) SetToken(token string) {
	cc.mu.Lock()
	cc.cfg.Token = token
	cc.mu.Unlock()
}

// Connect establishes the live channel. It is a no-op when a connection is
// already up or an attempt is in flight. A missing credential is reported
// through the router, not returned: the caller's REST path remains the
// durable fallback either way.
func (cc *ChannelClient) Connect(ctx context.Context) error {
	cc.mu.Lock()
	if cc.state == StateConnected || cc.state == StateConnecting {
		cc.mu.Unlock()
		return nil
	}
	token := cc.cfg.Token
	if token == "" {
		cc.state = StateError
		cc.mu.Unlock()
		cc.router.emitConnectError(ErrNoCredentials)
		return nil
	}
	cc.state = StateConnecting
	cc.intentionalClose = false
	cc.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())

	tr, env, err := cc.handshake(ctx, connCtx, token)
	if err != nil {
		cancel()
		cc.mu.Lock()
		cc.state = StateError
		cc.mu.Unlock()
		cc.router.emitConnectError(err)
		return err
	}

	cc.mu.Lock()
	cc.tr = tr
	cc.cancelFn = cancel
	cc.state = StateConnected
	cc.mu.Unlock()
	cc.recon.markConnected()

	// Deliver the connect event before joining so subscribers observe the
	// transition ahead of any room traffic.
	cc.router.dispatch(env)
	cc.joinRoom(connCtx)

	go cc.readLoop(connCtx)
	return nil
}

// handshake tries each transport in order and waits, bounded, for the
// server's connect envelope.
func (cc *ChannelClient) handshake(ctx, connCtx context.Context, token string) (transport, envelope, error) {
	hsCtx, cancel := context.WithTimeout(ctx, cc.cfg.HandshakeTimeout)
	defer cancel()

	transports := []transport{
		&wsTransport{},
		&sseTransport{httpClient: cc.cfg.HTTPClient},
	}

	var lastErr error
	for _, tr := range transports {
		if err := tr.dial(hsCtx, connCtx, cc.channelURL, token); err != nil {
			lastErr = err
			continue
		}

		env, err := cc.awaitConnect(hsCtx, connCtx, tr)
		if err != nil {
			tr.close()
			lastErr = fmt.Errorf("%s handshake: %w", tr.name(), err)
			continue
		}
		return tr, env, nil
	}
	return nil, envelope{}, fmt.Errorf("all transports failed: %w", lastErr)
}

// awaitConnect reads the first envelope, which must be the connect event.
func (cc *ChannelClient) awaitConnect(hsCtx, connCtx context.Context, tr transport) (envelope, error) {
	type readResult struct {
		data []byte
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		data, err := tr.read(connCtx)
		ch <- readResult{data, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return envelope{}, r.err
		}
		var env envelope
		if err := json.Unmarshal(r.data, &env); err != nil {
			return envelope{}, fmt.Errorf("malformed handshake frame: %w", err)
		}
		if env.Event != EventConnect {
			return envelope{}, fmt.Errorf("expected %q, got %q", EventConnect, env.Event)
		}
		return env, nil
	case <-hsCtx.Done():
		tr.close() // unblock the pending read
		return envelope{}, fmt.Errorf("handshake timeout: %w", hsCtx.Err())
	}
}

// Disconnect tears down the transport and clears internal state. Idempotent.
func (cc *ChannelClient) Disconnect() error {
	cc.mu.Lock()
	alreadyDown := cc.tr == nil && cc.state == StateDisconnected
	cc.intentionalClose = true
	if cc.cancelFn != nil {
		cc.cancelFn()
		cc.cancelFn = nil
	}
	tr := cc.tr
	cc.tr = nil
	cc.state = StateDisconnected
	cc.mu.Unlock()

	cc.recon.reset()

	if alreadyDown {
		return nil
	}
	var err error
	if tr != nil {
		err = tr.close()
	}
	cc.router.emitDisconnect(DisconnectInfo{Reason: "client disconnect"})
	return err
}

// joinRoom subscribes to the per-user logical room so the backend can address
// events to this user specifically.
func (cc *ChannelClient) joinRoom(ctx context.Context) {
	cc.emit(ctx, command{
		Event: eventJoinRoom,
		Data:  map[string]string{"userId": cc.cfg.UserID},
	})
}

// EmitSendMessage publishes the low-latency echo of a message. Fire-and-forget:
// a down or receive-only channel is not an error, the REST write is the
// authoritative path.
func (cc *ChannelClient) EmitSendMessage(ctx context.Context, conversationID, sender, receiver, content string) error {
	return cc.emit(ctx, command{
		Event: eventSendMessage,
		Data: outboundMessage{
			ConversationID: conversationID,
			Sender:         sender,
			Receiver:       receiver,
			Content:        content,
		},
	})
}

// EmitTyping publishes a typing indicator change.
func (cc *ChannelClient) EmitTyping(ctx context.Context, ev TypingEvent) error {
	return cc.emit(ctx, command{Event: EventTyping, Data: ev})
}

// EmitMarkAsRead publishes a read receipt for the conversation.
func (cc *ChannelClient) EmitMarkAsRead(ctx context.Context, conversationID string) error {
	return cc.emit(ctx, command{
		Event: eventMarkAsRead,
		Data:  map[string]string{"conversationId": conversationID},
	})
}

// EmitStatus publishes a presence status update.
func (cc *ChannelClient) EmitStatus(ctx context.Context, status string) error {
	return cc.emit(ctx, command{
		Event: eventUpdateStatus,
		Data:  map[string]string{"status": status},
	})
}

func (cc *ChannelClient) emit(ctx context.Context, cmd command) error {
	cc.mu.Lock()
	tr := cc.tr
	cc.mu.Unlock()

	if tr == nil || !tr.bidirectional() {
		return nil
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := tr.write(ctx, data); err != nil {
		if errors.Is(err, errReceiveOnly) {
			return nil
		}
		return fmt.Errorf("emit %s: %w", cmd.Event, err)
	}
	return nil
}

func (cc *ChannelClient) readLoop(ctx context.Context) {
	for {
		cc.mu.Lock()
		tr := cc.tr
		cc.mu.Unlock()
		if tr == nil {
			return
		}

		data, err := tr.read(ctx)
		if err != nil {
			cc.mu.Lock()
			intentional := cc.intentionalClose
			cc.mu.Unlock()
			if intentional {
				return
			}

			cc.mu.Lock()
			cc.state = StateDisconnected
			cc.tr = nil
			cc.mu.Unlock()

			cc.router.emitDisconnect(DisconnectInfo{Reason: err.Error()})

			if cc.cfg.AutoReconnect && cc.recon.shouldReconnect() {
				go cc.scheduleReconnect()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		cc.router.dispatch(env)
	}
}

func (cc *ChannelClient) scheduleReconnect() {
	delay := cc.recon.nextDelay()
	cc.mu.Lock()
	cc.state = StateConnecting
	cc.mu.Unlock()

	time.Sleep(delay)

	cc.mu.Lock()
	if cc.intentionalClose {
		cc.mu.Unlock()
		return
	}
	cc.state = StateDisconnected // let Connect take it from the top
	cc.mu.Unlock()

	if err := cc.Connect(context.Background()); err != nil {
		if cc.cfg.AutoReconnect && cc.recon.shouldReconnect() {
			cc.scheduleReconnect()
		}
	}
}
