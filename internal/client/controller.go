// Package client provides in-repo controllers for the chat socket: a
// connection manager with reconnect, plus view-model style wrappers for the
// storefront widget and the staff console.
//
// The connection is an explicit dependency constructed once per session and
// passed to views; there is no package-level socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "parley/contracts/chat/v1"
)

const (
	subprotocol = "parley.chat.v1"

	defaultReconnectDelay    = 1 * time.Second
	defaultReconnectAttempts = 5
	defaultWriteTimeout      = 5 * time.Second
	defaultDialTimeout       = 10 * time.Second
)

// Status is the controller connection state, surfaced to UI code so it can
// distinguish "reconnecting" from a dead session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Sentinel errors. ErrEmptyText is a rejected-input condition (local
// validation, surfaced inline); ErrNotConnected is a failed send.
var (
	ErrEmptyText    = errors.New("client: empty message text")
	ErrNotConnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: controller closed")
	ErrBadHandshake = errors.New("client: handshake failed")
)

// Options configures a Controller.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the chat gateway.
	URL string

	// Token is the bearer credential sent on the handshake.
	Token string

	Log *slog.Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReconnectDelay is a fixed backoff between attempts.
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

func (o *Options) withDefaults() {
	if o.Log == nil {
		o.Log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
}

// Handlers are the event callbacks a view registers before Connect.
// All callbacks run on the controller's read goroutine; keep them fast.
type Handlers struct {
	OnConnected func(v1.ConnectedPayload)
	OnMessage   func(v1.MessagePayload)
	OnTyping    func(v1.TypingPayload)
	OnError     func(v1.ErrorPayload)
	OnStatus    func(Status)

	// OnReconnected fires after a successful automatic reconnect, once the
	// tenant join has been replayed. Views re-fetch the latest history page
	// here: the server keeps no redelivery buffer for the offline window.
	OnReconnected func()
}

// Controller owns one chat socket: connect, disconnect, send, and the
// reconnect loop. Messages are de-duplicated by id before reaching OnMessage,
// so overlapping live broadcasts and history re-fetches stay single-sighted.
type Controller struct {
	opts     Options
	log      *slog.Logger
	handlers Handlers

	mu         sync.Mutex
	conn       *websocket.Conn
	status     Status
	closed     bool
	joinedSlug string
	identity   v1.ConnectedPayload
	seen       map[string]struct{}
	pending    []v1.SendMessagePayload
	cancelRead context.CancelFunc

	wg sync.WaitGroup
}

// NewController constructs a disconnected controller.
func NewController(opts Options, handlers Handlers) *Controller {
	opts.withDefaults()
	return &Controller{
		opts:     opts,
		log:      opts.Log,
		handlers: handlers,
		status:   StatusDisconnected,
		seen:     make(map[string]struct{}),
	}
}

// Status returns the current connection status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the server-acknowledged identity after Connect.
func (c *Controller) Identity() v1.ConnectedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connect dials the gateway, waits for the connected ack, and starts the read
// loop. It does not retry; automatic retries only cover drops of an
// established session.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	conn, ack, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.identity = ack
	c.setStatusLocked(StatusConnected)
	c.startReadLoopLocked(conn)
	c.mu.Unlock()

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(ack)
	}
	return nil
}

// Disconnect closes the socket and stops the reconnect machinery.
// The controller cannot be reused afterwards.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.wg.Wait()
}

// JoinTenant requests staff-room membership and remembers the slug so it is
// replayed after every reconnect. Customers never need to call this.
func (c *Controller) JoinTenant(slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errors.New("client: empty tenant slug")
	}

	c.mu.Lock()
	c.joinedSlug = slug
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v1.TypeJoinTenant, v1.JoinTenantPayload{TenantSlug: slug})
}

// Send relays a message. Empty text after trimming is rejected locally with
// ErrEmptyText and never hits the wire. While reconnecting, the send is
// buffered optimistically and flushed once the session is back; a buffered
// send returns nil.
func (c *Controller) Send(text, customerID string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	payload := v1.SendMessagePayload{Text: text, CustomerID: customerID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == StatusReconnecting {
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, v1.TypeSendMessage, payload)
}

// Typing sends a best-effort typing hint; failures are ignored.
func (c *Controller) Typing(isTyping bool, customerID string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = c.write(conn, v1.TypeTyping, v1.TypingPayload{IsTyping: isTyping, CustomerID: customerID})
}

// Observe records a message id and reports whether it was seen before.
// Views feeding history pages into their local buffer share the same dedupe
// set as the live feed.
func (c *Controller) Observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[id]; dup {
		return true
	}
	c.seen[id] = struct{}{}
	return false
}

// ---- internals ----

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, v1.ConnectedPayload, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		return nil, v1.ConnectedPayload{}, err
	}

	env, err := c.read(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no handshake ack")
		return nil, v1.ConnectedPayload{}, errors.Join(ErrBadHandshake, err)
	}
	if env.Type != v1.TypeConnected {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake reply")
		return nil, v1.ConnectedPayload{}, ErrBadHandshake
	}

	var ack v1.ConnectedPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad handshake payload")
		return nil, v1.ConnectedPayload{}, errors.Join(ErrBadHandshake, err)
	}
	return conn, ack, nil
}

func (c *Controller) startReadLoopLocked(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	c.wg.Add(1)
	go c.readLoop(ctx, conn)
}

func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		env, err := c.read(ctx, conn)
		if err != nil {
			c.onReadFailure(ctx, conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Controller) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("client.message.bad_payload", "err", err)
			return
		}
		if c.Observe(p.ID) {
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(p)
		}

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(p)
		}

	case v1.TypeJoinTenant:
		// Join echo; nothing to track beyond the slug we already hold.

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.log.Warn("client.server_error", "code", p.Code, "msg", p.Message)
		if c.handlers.OnError != nil {
			c.handlers.OnError(p)
		}

	default:
		c.log.Debug("client.ignore", "type", env.Type)
	}
}

// onReadFailure decides between a clean shutdown and the reconnect loop.
func (c *Controller) onReadFailure(ctx context.Context, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "read failed")
	c.log.Info("client.connection.lost", "err", err)

	c.reconnect(ctx)
}

// reconnect retries with a fixed delay. On success it replays the tenant
// join, flushes buffered sends, and fires OnReconnected so the view can
// re-fetch the backlog it may have missed.
func (c *Controller) reconnect(ctx context.Context) {
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, ack, err := c.dial(ctx)
		if err != nil {
			c.log.Info("client.reconnect.fail", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.identity = ack
		slug := c.joinedSlug
		pending := c.pending
		c.pending = nil
		c.setStatusLocked(StatusConnected)
		c.startReadLoopLocked(conn)
		c.mu.Unlock()

		if slug != "" {
			_ = c.write(conn, v1.TypeJoinTenant, v1.JoinTenantPayload{TenantSlug: slug})
		}
		for _, p := range pending {
			_ = c.write(conn, v1.TypeSendMessage, p)
		}

		c.log.Info("client.reconnect.ok", "attempt", attempt)
		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
		return
	}

	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected)
	dropped := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	c.log.Warn("client.reconnect.gave_up", "attempts", c.opts.ReconnectAttempts, "dropped_sends", dropped)
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.handlers.OnStatus != nil {
		// Callback without the lock held would race status readers; callers
		// are expected to treat this as a notification, not a query point.
		go c.handlers.OnStatus(s)
	}
}

func (c *Controller) write(conn *websocket.Conn, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: b,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Controller) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}
