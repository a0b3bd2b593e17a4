// Package main provides a CI-friendly WebSocket smoke test for Parley chat.
//
// It validates:
//   - handshake + subprotocol selection + connected ack
//   - implicit customer room admission
//   - staff join-tenant echo
//   - customer send -> fanout to the staff console
//   - staff reply -> fanout to the customer
//   - backlog visibility over the history API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/contracts/chat/v1"
)

const (
	subprotocol  = "parley.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name     string
	conn     *websocket.Conn
	identity v1.ConnectedPayload

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL         = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL        = flag.String("api", "http://127.0.0.1:8080/api/v1", "History API base URL")
		origin        = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		customerToken = flag.String("customer-token", os.Getenv("PARLEY_SMOKE_CUSTOMER_TOKEN"), "Customer bearer token")
		staffToken    = flag.String("staff-token", os.Getenv("PARLEY_SMOKE_STAFF_TOKEN"), "Staff bearer token")
		text          = flag.String("text", "hello parley 👋", "Message text to send")
		timeout       = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose       = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*customerToken) == "" || strings.TrimSpace(*staffToken) == "" {
		fatalf("both -customer-token and -staff-token are required (see cmd/parley-token)")
	}

	root := context.Background()

	customer := mustConnect(root, "customer", *wsURL, *origin, *customerToken, *timeout)
	defer closeWS(customer.conn)

	staff := mustConnect(root, "staff", *wsURL, *origin, *staffToken, *timeout)
	defer closeWS(staff.conn)

	if customer.identity.TenantSlug != staff.identity.TenantSlug {
		fatalf("tokens belong to different tenants: %q vs %q",
			customer.identity.TenantSlug, staff.identity.TenantSlug)
	}
	tenant := staff.identity.TenantSlug

	if *verbose {
		fmt.Printf("connected: customer=%s staff=%s tenant=%q\n",
			customer.identity.ConnectionID, staff.identity.ConnectionID, tenant)
	}

	mustJoinTenant(root, staff, tenant, *timeout)

	// Customer -> staff fanout. The customer also receives its own broadcast.
	mustWriteEnvelope(root, customer.conn, v1.TypeSendMessage,
		v1.SendMessagePayload{Text: *text}, *timeout)

	sent := mustAssertMessage(root, staff, customer.identity.UserID, *text, *timeout)
	echo := mustAssertMessage(root, customer, customer.identity.UserID, *text, *timeout)
	if echo.ID != sent.ID {
		fatalf("echo id mismatch: staff=%q customer=%q", sent.ID, echo.ID)
	}

	// Staff -> customer fanout.
	reply := "re: " + *text
	mustWriteEnvelope(root, staff.conn, v1.TypeSendMessage,
		v1.SendMessagePayload{Text: reply, CustomerID: customer.identity.UserID}, *timeout)
	mustAssertMessage(root, customer, staff.identity.UserID, reply, *timeout)

	// Both messages must be durable before their broadcasts, so the backlog
	// already contains them.
	mustHistoryContains(*apiURL, *staffToken, customer.identity.UserID, sent.ID, *timeout)

	fmt.Printf("OK: tenant=%s customer=%s staff=%s msg_id=%s\n",
		tenant, customer.identity.UserID, staff.identity.UserID, sent.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if sp := conn.Subprotocol(); sp != "" && sp != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, sp, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeConnected, stepTimeout)
	if err := json.Unmarshal(ack.Payload, &c.identity); err != nil {
		fatalf("unmarshal connected payload (%s): %v", name, err)
	}
	if strings.TrimSpace(c.identity.ConnectionID) == "" {
		fatalf("connected ack missing connection_id (%s)", name)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoinTenant(parent context.Context, c *smokeClient, slug string, stepTimeout time.Duration) {
	mustWriteEnvelope(parent, c.conn, v1.TypeJoinTenant, v1.JoinTenantPayload{TenantSlug: slug}, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoinTenant, stepTimeout)

	var p v1.JoinTenantPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.TenantSlug != slug {
		fatalf("join echo tenant mismatch (%s): got=%q want=%q", c.name, p.TenantSlug, slug)
	}
}

func mustAssertMessage(parent context.Context, c *smokeClient, wantSender, wantText string, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.SenderID != wantSender {
		fatalf("message sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, wantSender)
	}
	if p.Text != wantText {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Text, wantText)
	}
	if strings.TrimSpace(p.ID) == "" || p.CreatedAt.IsZero() {
		fatalf("message missing server fields (%s): %+v", c.name, p)
	}
	return p
}

func mustHistoryContains(apiURL, token, customerID, msgID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	u := strings.TrimRight(apiURL, "/") + "/chat/history?customer_id=" + url.QueryEscape(customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("history request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		fatalf("history fetch: status %d", resp.StatusCode)
	}

	var body struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fatalf("decode history: %v", err)
	}
	for _, m := range body.Messages {
		if m.ID == msgID {
			return
		}
	}
	fatalf("history missing message id=%q", msgID)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Typing hints and unrelated broadcasts may interleave.
		}
	}
}

func mustWriteEnvelope(parent context.Context, conn *websocket.Conn, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
