package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	v1 "parley/contracts/chat/v1"
	"parley/internal/chat"
	"parley/internal/history"
	"parley/internal/identity"
)

// The controller tests run against a real in-process gateway and history API.

type testStack struct {
	server *httptest.Server
	issuer *identity.Issuer
	store  *chat.InMemoryStore
	hub    *chat.Hub
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	secretHex, publicHex := identity.NewDevKeypair()
	issuer, err := identity.NewIssuer("parley", secretHex, 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	resolver, err := identity.NewPasetoResolver(identity.Config{
		Issuer:       "parley",
		ClockSkew:    30 * time.Second,
		PublicKeyHex: publicHex,
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewInMemoryStore()
	hub := chat.NewHub(log)
	relay := chat.NewRelay(log, store, hub, nil, nil)
	gw := chat.NewGateway(log, hub, relay, resolver, nil)
	hist := history.NewHandler(log, store, resolver, hub, nil)

	r := chi.NewRouter()
	r.Get("/ws", gw.HandleWS)
	r.Route("/api/v1", func(r chi.Router) { hist.Routes(r) })

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &testStack{server: ts, issuer: issuer, store: store, hub: hub}
}

func (s *testStack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *testStack) apiURL() string { return s.server.URL + "/api/v1" }

func (s *testStack) token(t *testing.T, id identity.Identity) string {
	t.Helper()
	token, _, err := s.issuer.Issue(id, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func quietOpts(url, token string) Options {
	return Options{
		URL:            url,
		Token:          token,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReconnectDelay: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestController_ConnectAndSend(t *testing.T) {
	s := newTestStack(t)
	who := identity.Identity{UserID: "cust-1", TenantSlug: "acme", Role: identity.RoleCustomer}

	var mu sync.Mutex
	var got []v1.MessagePayload

	ctrl := NewController(quietOpts(s.wsURL(), s.token(t, who)), Handlers{
		OnMessage: func(m v1.MessagePayload) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
	})
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ctrl.Disconnect()

	if ctrl.Status() != StatusConnected {
		t.Fatalf("status=%v want connected", ctrl.Status())
	}
	if id := ctrl.Identity(); id.UserID != "cust-1" || id.Role != "customer" {
		t.Fatalf("identity=%+v", id)
	}

	if err := ctrl.Send("Hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "own message echoed back")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Text != "Hello" || got[0].SenderType != "customer" {
		t.Fatalf("message=%+v", got[0])
	}
}

func TestController_RejectsEmptyTextLocally(t *testing.T) {
	t.Parallel()

	ctrl := NewController(quietOpts("ws://127.0.0.1:0", ""), Handlers{})
	if err := ctrl.Send("   ", ""); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err=%v want=%v", err, ErrEmptyText)
	}
	if err := ctrl.Send("text", ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want=%v", err, ErrNotConnected)
	}
}

func TestController_ObserveDeduplicates(t *testing.T) {
	t.Parallel()

	ctrl := NewController(quietOpts("ws://127.0.0.1:0", ""), Handlers{})
	if ctrl.Observe("msg-1") {
		t.Fatalf("first observation reported as duplicate")
	}
	if !ctrl.Observe("msg-1") {
		t.Fatalf("second observation not reported as duplicate")
	}
	if ctrl.Observe("msg-2") {
		t.Fatalf("distinct id reported as duplicate")
	}
}

// Dropped sessions reconnect with a fixed delay, replay the tenant join, and
// fire OnReconnected so views can re-fetch history.
func TestController_ReconnectAfterServerDrop(t *testing.T) {
	// One event per window: the second frame trips the limiter and the
	// server drops the connection.
	t.Setenv("PARLEY_WS_RATE_EVENTS", "2")
	t.Setenv("PARLEY_WS_RATE_WINDOW", "1h")

	s := newTestStack(t)
	who := identity.Identity{UserID: "staff-9", TenantSlug: "acme", Role: identity.RoleStaff}

	var mu sync.Mutex
	reconnected := false

	ctrl := NewController(quietOpts(s.wsURL(), s.token(t, who)), Handlers{
		OnReconnected: func() {
			mu.Lock()
			reconnected = true
			mu.Unlock()
		},
	})
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ctrl.Disconnect()

	if err := ctrl.JoinTenant("acme"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Exhaust the rate budget to force a server-side disconnect.
	_ = ctrl.Send("one", "cust-1")
	_ = ctrl.Send("two", "cust-1")
	_ = ctrl.Send("three", "cust-1")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnected
	}, "controller reconnect")

	waitFor(t, func() bool { return ctrl.Status() == StatusConnected }, "status connected after reconnect")
}

func TestWidget_HistoryAndLive(t *testing.T) {
	s := newTestStack(t)
	who := identity.Identity{UserID: "cust-1", TenantSlug: "acme", Role: identity.RoleCustomer}
	token := s.token(t, who)

	// Pre-existing backlog.
	for i := 0; i < 3; i++ {
		if _, err := s.store.Append(context.Background(), chat.AppendInput{
			TenantSlug: "acme", CustomerID: "cust-1",
			SenderID: "staff-9", SenderType: identity.RoleStaff, Text: "earlier",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	w := NewWidget(quietOpts(s.wsURL(), token), NewHistoryClient(s.apiURL(), token, nil), 2)
	if err := w.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	// Newest page only, oldest-first locally.
	if got := w.Messages(); len(got) != 2 {
		t.Fatalf("got %d messages want 2", len(got))
	}
	if !w.HasMore() {
		t.Fatalf("hasMore=false want=true")
	}

	if err := w.LoadOlder(context.Background()); err != nil {
		t.Fatalf("load older: %v", err)
	}
	if got := w.Messages(); len(got) != 3 {
		t.Fatalf("after LoadOlder got %d want 3", len(got))
	}
	if w.HasMore() {
		t.Fatalf("hasMore=true after full backlog")
	}

	// Live message lands at the end exactly once.
	if err := w.Send("from the widget"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(w.Messages()) == 4 }, "live message appended")

	msgs := w.Messages()
	if msgs[3].Text != "from the widget" {
		t.Fatalf("last message=%+v", msgs[3])
	}

	// The store already has it; a redundant refresh must not duplicate.
	if err := w.LoadOlder(context.Background()); err != nil {
		t.Fatalf("redundant load: %v", err)
	}
	if got := w.Messages(); len(got) != 4 {
		t.Fatalf("duplicate after refresh: %d messages", len(got))
	}
}

// After a reconnect the read loop is live before the backlog re-fetch
// returns, so a fresh broadcast can land in the buffer ahead of the older
// messages missed while offline. The merge must restore persistence order.
func TestWidget_ReconnectMergeKeepsOrder(t *testing.T) {
	s := newTestStack(t)
	who := identity.Identity{UserID: "cust-1", TenantSlug: "acme", Role: identity.RoleCustomer}
	token := s.token(t, who)

	appendMsg := func(sender string, role identity.Role, text string) chat.Message {
		msg, err := s.store.Append(context.Background(), chat.AppendInput{
			TenantSlug: "acme", CustomerID: "cust-1",
			SenderID: sender, SenderType: role, Text: text,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return msg
	}

	// Missed while offline.
	missedA := appendMsg("staff-9", identity.RoleStaff, "missed a")
	missedB := appendMsg("staff-9", identity.RoleStaff, "missed b")

	w := NewWidget(quietOpts(s.wsURL(), token), NewHistoryClient(s.apiURL(), token, nil), 10)

	// A live broadcast beats the re-fetch into the buffer.
	live := appendMsg("staff-9", identity.RoleStaff, "live")
	w.ctrl.Observe(live.ID)
	w.onMessage(chat.MessageToWire(live))

	if err := w.refreshLatest(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	msgs := w.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages want 3", len(msgs))
	}
	if msgs[0].ID != missedA.ID || msgs[1].ID != missedB.ID || msgs[2].ID != live.ID {
		t.Fatalf("buffer out of persistence order: %q, %q, %q",
			msgs[0].Text, msgs[1].Text, msgs[2].Text)
	}
}

func TestConsole_ReconnectMergeKeepsOrder(t *testing.T) {
	s := newTestStack(t)
	staff := identity.Identity{UserID: "staff-9", TenantSlug: "acme", Role: identity.RoleStaff}
	token := s.token(t, staff)

	appendMsg := func(text string) chat.Message {
		msg, err := s.store.Append(context.Background(), chat.AppendInput{
			TenantSlug: "acme", CustomerID: "cust-1",
			SenderID: "cust-1", SenderType: identity.RoleCustomer, Text: text,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return msg
	}

	missed := appendMsg("missed")

	console := NewConsole(quietOpts(s.wsURL(), token), NewHistoryClient(s.apiURL(), token, nil), "acme", 10)
	console.active = "cust-1"

	live := appendMsg("live")
	console.ctrl.Observe(live.ID)
	console.onMessage(chat.MessageToWire(live))

	if err := console.refreshActive(context.Background(), "cust-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	msgs := console.ActiveMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages want 2", len(msgs))
	}
	if msgs[0].ID != missed.ID || msgs[1].ID != live.ID {
		t.Fatalf("thread out of persistence order: %q, %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestConsole_ConversationsAndReply(t *testing.T) {
	s := newTestStack(t)

	seed := func(customer, text string) {
		if _, err := s.store.Append(context.Background(), chat.AppendInput{
			TenantSlug: "acme", CustomerID: customer,
			SenderID: customer, SenderType: identity.RoleCustomer, Text: text,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	seed("cust-a", "help me")
	seed("cust-b", "me too")

	staff := identity.Identity{UserID: "staff-9", TenantSlug: "acme", Role: identity.RoleStaff}
	token := s.token(t, staff)

	console := NewConsole(quietOpts(s.wsURL(), token), NewHistoryClient(s.apiURL(), token, nil), "acme", 10)
	if err := console.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer console.Close()

	convs := console.Conversations()
	if len(convs) != 2 {
		t.Fatalf("got %d conversations want 2", len(convs))
	}
	if convs[0].CustomerID != "cust-b" || convs[0].UnreadCount != 1 {
		t.Fatalf("conversation list wrong: %+v", convs[0])
	}

	if err := console.OpenConversation(context.Background(), "cust-a"); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if got := console.ActiveMessages(); len(got) != 1 || got[0].Text != "help me" {
		t.Fatalf("active thread wrong: %+v", got)
	}

	// Opening marks the customer's messages read.
	unread, err := s.store.UnreadCount(context.Background(), "acme", "cust-a", chat.SideStaff)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 0 {
		t.Fatalf("unread=%d want=0 after open", unread)
	}

	if err := console.Reply("on it"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	waitFor(t, func() bool { return len(console.ActiveMessages()) == 2 }, "reply appended to active thread")

	// New traffic in a different conversation bumps it to the top unread.
	custToken := s.token(t, identity.Identity{UserID: "cust-b", TenantSlug: "acme", Role: identity.RoleCustomer})
	custCtrl := NewController(quietOpts(s.wsURL(), custToken), Handlers{})
	if err := custCtrl.Connect(context.Background()); err != nil {
		t.Fatalf("customer connect: %v", err)
	}
	defer custCtrl.Disconnect()
	if err := custCtrl.Send("still waiting", ""); err != nil {
		t.Fatalf("customer send: %v", err)
	}

	waitFor(t, func() bool {
		cs := console.Conversations()
		return len(cs) > 0 && cs[0].CustomerID == "cust-b" && cs[0].UnreadCount == 2
	}, "conversation bumped with unread")
}
