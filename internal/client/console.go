package client

import (
	"context"
	"sort"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Console is the staff-side controller: joins the tenant room, maintains the
// conversation list with unread counts, and holds one open conversation at a
// time. Messages for non-open conversations only bump unread counters.
type Console struct {
	ctrl       *Controller
	api        *HistoryClient
	tenantSlug string
	pageSize   int

	mu            sync.Mutex
	conversations []ConversationItem
	active        string
	messages      []v1.MessagePayload
	hasMore       bool
	typingBy      map[string]bool

	// OnUpdate, when set, is invoked after any state change. Runs on
	// controller goroutines.
	OnUpdate func()
}

// NewConsole wires a staff console with its own controller.
func NewConsole(opts Options, api *HistoryClient, tenantSlug string, pageSize int) *Console {
	if pageSize <= 0 {
		pageSize = 50
	}
	c := &Console{
		api:        api,
		tenantSlug: tenantSlug,
		pageSize:   pageSize,
		typingBy:   make(map[string]bool),
	}
	c.ctrl = NewController(opts, Handlers{
		OnMessage:     c.onMessage,
		OnTyping:      c.onTyping,
		OnStatus:      func(Status) { c.notify() },
		OnReconnected: c.onReconnected,
	})
	return c
}

// Open connects, joins the tenant staff room, and loads the conversation list.
func (c *Console) Open(ctx context.Context) error {
	if err := c.ctrl.Connect(ctx); err != nil {
		return err
	}
	if err := c.ctrl.JoinTenant(c.tenantSlug); err != nil {
		return err
	}
	return c.RefreshConversations(ctx)
}

// Close tears down the socket.
func (c *Console) Close() { c.ctrl.Disconnect() }

// Status reports the connection status.
func (c *Console) Status() Status { return c.ctrl.Status() }

// Conversations returns a copy of the current list.
func (c *Console) Conversations() []ConversationItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConversationItem, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// RefreshConversations reloads the list from the backlog API.
func (c *Console) RefreshConversations(ctx context.Context) error {
	items, err := c.api.Conversations(ctx, "")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = items
	c.mu.Unlock()
	c.notify()
	return nil
}

// OpenConversation loads the newest page for one customer, marks the customer
// side read, and makes it the active thread.
func (c *Console) OpenConversation(ctx context.Context, customerID string) error {
	page, err := c.api.History(ctx, customerID, c.pageSize, "")
	if err != nil {
		return err
	}
	if err := c.api.MarkRead(ctx, customerID); err != nil {
		return err
	}

	c.mu.Lock()
	c.active = customerID
	c.messages = reverseCopy(page.Messages)
	for _, m := range c.messages {
		c.ctrl.Observe(m.ID)
	}
	c.hasMore = page.HasMore
	for i := range c.conversations {
		if c.conversations[i].CustomerID == customerID {
			c.conversations[i].UnreadCount = 0
		}
	}
	c.mu.Unlock()

	c.notify()
	return nil
}

// ActiveMessages returns the open thread, oldest-first.
func (c *Console) ActiveMessages() []v1.MessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.MessagePayload, len(c.messages))
	copy(out, c.messages)
	return out
}

// HasMore reports whether the open thread has older backlog.
func (c *Console) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// LoadOlder pages the open thread backwards.
func (c *Console) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	before := ""
	if len(c.messages) > 0 {
		before = c.messages[0].ID
	}
	c.mu.Unlock()
	if active == "" {
		return nil
	}

	page, err := c.api.History(ctx, active, c.pageSize, before)
	if err != nil {
		return err
	}

	c.mu.Lock()
	older := make([]v1.MessagePayload, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if c.ctrl.Observe(m.ID) {
			continue
		}
		older = append(older, m)
	}
	c.messages = append(older, c.messages...)
	c.hasMore = page.HasMore
	c.mu.Unlock()

	c.notify()
	return nil
}

// Reply sends into the open conversation.
func (c *Console) Reply(text string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return ErrNotConnected
	}
	return c.ctrl.Send(text, active)
}

// Typing reports the staff typing state into the open conversation.
func (c *Console) Typing(isTyping bool) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return
	}
	c.ctrl.Typing(isTyping, active)
}

// CustomerTyping reports whether the given customer is typing.
func (c *Console) CustomerTyping(customerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingBy[customerID]
}

// ---- event handlers ----

func (c *Console) onMessage(m v1.MessagePayload) {
	c.mu.Lock()
	if m.CustomerID == c.active {
		c.messages = append(c.messages, m)
		c.bumpConversationLocked(m, false)
	} else {
		c.bumpConversationLocked(m, m.SenderType == "customer")
	}
	c.mu.Unlock()
	c.notify()
}

// bumpConversationLocked moves the conversation to the top of the list,
// updating last message and optionally the unread counter.
func (c *Console) bumpConversationLocked(m v1.MessagePayload, unread bool) {
	idx := -1
	for i := range c.conversations {
		if c.conversations[i].CustomerID == m.CustomerID {
			idx = i
			break
		}
	}

	var item ConversationItem
	if idx >= 0 {
		item = c.conversations[idx]
		c.conversations = append(c.conversations[:idx], c.conversations[idx+1:]...)
	} else {
		item = ConversationItem{CustomerID: m.CustomerID}
	}
	item.LastMessage = m
	if unread {
		item.UnreadCount++
	}
	c.conversations = append([]ConversationItem{item}, c.conversations...)
}

func (c *Console) onTyping(p v1.TypingPayload) {
	c.mu.Lock()
	c.typingBy[p.CustomerID] = p.IsTyping
	c.mu.Unlock()
	c.notify()
}

func (c *Console) onReconnected() {
	ctx, cancel := context.WithTimeout(context.Background(), c.ctrl.opts.DialTimeout)
	defer cancel()
	_ = c.RefreshConversations(ctx)

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != "" {
		_ = c.refreshActive(ctx, active)
	}
}

// refreshActive merges the newest page of the open thread after a reconnect.
// A live broadcast can beat the fetch into the buffer, so the merge re-orders
// by id to keep the thread in persistence order.
func (c *Console) refreshActive(ctx context.Context, customerID string) error {
	page, err := c.api.History(ctx, customerID, c.pageSize, "")
	if err != nil {
		return err
	}
	c.mu.Lock()
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if c.ctrl.Observe(m.ID) {
			continue
		}
		c.messages = append(c.messages, m)
	}
	sort.Slice(c.messages, func(i, j int) bool { return c.messages[i].ID < c.messages[j].ID })
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Console) notify() {
	if c.OnUpdate != nil {
		c.OnUpdate()
	}
}

func reverseCopy(in []v1.MessagePayload) []v1.MessagePayload {
	out := make([]v1.MessagePayload, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
