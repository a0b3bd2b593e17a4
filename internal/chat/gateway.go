package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "parley/contracts/chat/v1"
	"parley/internal/identity"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for Parley chat.
//
// It enforces origin policy, subprotocol selection, identity resolution at
// handshake, rate limits, heartbeats, and routes validated envelopes to the
// Relay. A connection is admitted to rooms only after its credential resolves.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	relay    *Relay
	resolver identity.Resolver
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, hub *Hub, relay *Relay, resolver identity.Resolver, metrics *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, hub: hub, relay: relay, resolver: resolver, metrics: metrics}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	credential := bearerFromRequest(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	// Identity resolution gates room admission. A connection with a missing,
	// invalid, or expired credential is closed before it can receive anything.
	who, err := g.resolver.Resolve(r.Context(), credential, time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	connID := uuid.NewString()
	client := NewClient(connID, who, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.hub.Register(client)
	if g.metrics != nil {
		g.metrics.ConnectionsActive.Inc()
	}

	var closeOnce sync.Once

	// joinedTenant tracks the slug of the staff room this connection joined.
	// Customers are implicitly joined to their private room at handshake.
	joinedTenant := ""
	joined := !who.Role.StaffSide()

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: membership removal happens inside hub.Unregister
	// before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(connID)
			if g.metrics != nil {
				g.metrics.ConnectionsActive.Dec()
			}
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if !who.Role.StaffSide() {
		g.hub.JoinCustomer(client, who.TenantSlug, who.UserID)
	}

	ackPayload, _ := json.Marshal(v1.ConnectedPayload{
		ConnectionID: connID,
		UserID:       who.UserID,
		Role:         string(who.Role),
		TenantSlug:   who.TenantSlug,
	})
	ack := newEnvelope(v1.TypeConnected, ackPayload, time.Now().UTC())
	if !g.enqueue(ctx, client, ack) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure: connected ack")
		return
	}

	g.log.Info("ws.connected",
		"conn_id", connID,
		"user_id", who.UserID,
		"role", string(who.Role),
		"tenant", who.TenantSlug,
	)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinTenant:
			slug, err := g.onJoinTenant(ctx, client, env)
			if err != nil {
				// A denied join never tears the connection down; it may
				// still be valid for other purposes.
				g.trySendError(ctx, client, v1.CodeJoinDenied, err.Error())
				continue readLoop
			}
			if joinedTenant != "" && joinedTenant != slug {
				g.hub.LeaveTenant(connID, joinedTenant)
			}
			joinedTenant = slug
			joined = true

		case v1.TypeSendMessage:
			if !joined {
				g.trySendError(ctx, client, v1.CodeNotJoined, "join first")
				continue readLoop
			}
			if err := g.onSendMessage(ctx, client, env, now); err != nil {
				g.trySendError(ctx, client, sendErrorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if !joined {
				g.trySendError(ctx, client, v1.CodeNotJoined, "join first")
				continue readLoop
			}
			g.onTyping(client, env)

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onJoinTenant(ctx context.Context, client *Client, env v1.Envelope) (string, error) {
	var p v1.JoinTenantPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	slug := strings.TrimSpace(p.TenantSlug)
	if slug == "" {
		return "", errors.New("missing tenant_slug")
	}

	// The requested slug must match the resolved identity's tenant.
	// Super admins may join any tenant; customers never join staff rooms.
	if !client.Identity.CanJoinTenant(slug) {
		g.log.Info("ws.join.denied",
			"conn_id", client.ConnID,
			"requested", slug,
			"bound_tenant", client.Identity.TenantSlug,
			"role", string(client.Identity.Role),
		)
		return "", errors.New("tenant not allowed for this identity")
	}

	g.hub.JoinTenant(client, slug)

	echoPayload, _ := json.Marshal(v1.JoinTenantPayload{TenantSlug: slug})
	echo := newEnvelope(v1.TypeJoinTenant, echoPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, echo) {
		g.hub.LeaveTenant(client.ConnID, slug)
		return "", errors.New("backpressure: join echo")
	}

	return slug, nil
}

func (g *Gateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	_, err := g.relay.Send(ctx, client.Identity, p, now)
	return err
}

func (g *Gateway) onTyping(client *Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	g.relay.Typing(client.Identity, p)
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyText):
		return v1.CodeEmptyText
	case errors.Is(err, ErrTextTooLong):
		return v1.CodeTextTooLong
	case errors.Is(err, ErrTargetRequired):
		return v1.CodeBadEnvelope
	case errors.Is(err, ErrPersist):
		return v1.CodePersist
	default:
		return v1.CodeBadEnvelope
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- credential extraction ----

// bearerFromRequest pulls the credential from the Authorization header or the
// "token" query parameter. Its provenance is a collaborator concern; the
// gateway only cares that it resolves.
func bearerFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
