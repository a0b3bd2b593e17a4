package client

import (
	"context"
	"sort"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Widget is the storefront customer controller: one customer, one
// conversation. It keeps a local oldest-first message buffer, loads older
// backlog pages on demand, and re-fetches the newest page after reconnects.
type Widget struct {
	ctrl     *Controller
	api      *HistoryClient
	pageSize int

	mu       sync.Mutex
	messages []v1.MessagePayload
	hasMore  bool
	typing   bool

	// OnUpdate, when set, is invoked after any state change so the UI can
	// re-render. Runs on controller goroutines.
	OnUpdate func()
}

// NewWidget wires a widget with its own controller.
func NewWidget(opts Options, api *HistoryClient, pageSize int) *Widget {
	if pageSize <= 0 {
		pageSize = 50
	}
	w := &Widget{api: api, pageSize: pageSize}
	w.ctrl = NewController(opts, Handlers{
		OnMessage:     w.onMessage,
		OnTyping:      w.onTyping,
		OnStatus:      func(Status) { w.notify() },
		OnReconnected: w.onReconnected,
	})
	return w
}

// Open connects the socket and loads the newest backlog page. The customer's
// private room is joined implicitly by the server at handshake.
func (w *Widget) Open(ctx context.Context) error {
	if err := w.ctrl.Connect(ctx); err != nil {
		return err
	}
	if err := w.refreshLatest(ctx); err != nil {
		return err
	}
	return w.api.MarkRead(ctx, "")
}

// Close tears down the socket.
func (w *Widget) Close() { w.ctrl.Disconnect() }

// Status reports the connection status for the UI banner.
func (w *Widget) Status() Status { return w.ctrl.Status() }

// Send relays a message in the customer's own conversation.
func (w *Widget) Send(text string) error {
	return w.ctrl.Send(text, "")
}

// Typing reports the customer's typing state to the staff side.
func (w *Widget) Typing(isTyping bool) { w.ctrl.Typing(isTyping, "") }

// StaffTyping reports whether the staff side is currently typing.
func (w *Widget) StaffTyping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.typing
}

// Messages returns a copy of the buffer, oldest-first.
func (w *Widget) Messages() []v1.MessagePayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]v1.MessagePayload, len(w.messages))
	copy(out, w.messages)
	return out
}

// HasMore reports whether older backlog exists beyond the buffer.
func (w *Widget) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// LoadOlder fetches the page before the oldest buffered message, for
// scroll-triggered backlog loading.
func (w *Widget) LoadOlder(ctx context.Context) error {
	w.mu.Lock()
	before := ""
	if len(w.messages) > 0 {
		before = w.messages[0].ID
	}
	w.mu.Unlock()

	page, err := w.api.History(ctx, "", w.pageSize, before)
	if err != nil {
		return err
	}

	w.mu.Lock()
	older := make([]v1.MessagePayload, 0, len(page.Messages))
	// Page arrives newest-first; prepend in reverse to keep oldest-first.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if w.ctrl.Observe(m.ID) {
			continue
		}
		older = append(older, m)
	}
	w.messages = append(older, w.messages...)
	w.hasMore = page.HasMore
	w.mu.Unlock()

	w.notify()
	return nil
}

// MarkRead marks staff-sent messages in the conversation as read.
func (w *Widget) MarkRead(ctx context.Context) error {
	return w.api.MarkRead(ctx, "")
}

// ---- event handlers ----

func (w *Widget) onMessage(m v1.MessagePayload) {
	w.mu.Lock()
	w.messages = append(w.messages, m)
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) onTyping(p v1.TypingPayload) {
	w.mu.Lock()
	w.typing = p.IsTyping
	w.mu.Unlock()
	w.notify()
}

func (w *Widget) onReconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), w.ctrl.opts.DialTimeout)
	defer cancel()
	_ = w.refreshLatest(ctx)
}

// refreshLatest merges the newest page into the buffer. Duplicates against
// live broadcasts are dropped by the shared dedupe set. A live message can
// land before the fetch returns, so the merged buffer is re-ordered by id;
// ids sort in persistence order, which is the rendered order.
func (w *Widget) refreshLatest(ctx context.Context) error {
	page, err := w.api.History(ctx, "", w.pageSize, "")
	if err != nil {
		return err
	}

	w.mu.Lock()
	fresh := make([]v1.MessagePayload, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if w.ctrl.Observe(m.ID) {
			continue
		}
		fresh = append(fresh, m)
	}
	w.messages = append(w.messages, fresh...)
	sort.Slice(w.messages, func(i, j int) bool { return w.messages[i].ID < w.messages[j].ID })
	if len(w.messages) == len(fresh) {
		w.hasMore = page.HasMore
	}
	w.mu.Unlock()

	w.notify()
	return nil
}

func (w *Widget) notify() {
	if w.OnUpdate != nil {
		w.OnUpdate()
	}
}
