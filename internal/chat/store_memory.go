package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"parley/internal/identity"
)

const (
	memMaxMessagesPerConversation = 10_000
)

type convKey struct {
	tenant   string
	customer string
}

type memConv struct {
	msgs []Message // ordered by id (allocation order)
}

// InMemoryStore is a dev/test fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[convKey]*memConv
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[convKey]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message, assigning id and timestamp. The store mutex
// serializes writes, so ids allocate in persistence order.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.TenantSlug == "" || in.CustomerID == "" || in.SenderID == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := convKey{tenant: in.TenantSlug, customer: in.CustomerID}
	c := s.convs[key]
	if c == nil {
		c = &memConv{msgs: make([]Message, 0, 256)}
		s.convs[key] = c
	}

	msg := Message{
		ID:         NewMessageID(now),
		TenantSlug: in.TenantSlug,
		CustomerID: in.CustomerID,
		SenderID:   in.SenderID,
		SenderType: in.SenderType,
		Text:       in.Text,
		CreatedAt:  now,
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return msg, nil
}

// History returns messages newest-first with cursor paging via BeforeID.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryPage, error) {
	if in.TenantSlug == "" || in.CustomerID == "" {
		return HistoryPage{}, errors.New("missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[convKey{tenant: in.TenantSlug, customer: in.CustomerID}]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return HistoryPage{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	end := len(snap)
	if in.BeforeID != "" {
		end = sort.Search(len(snap), func(i int) bool { return snap[i].ID >= in.BeforeID })
		if end == 0 {
			return HistoryPage{Messages: nil, HasMore: false}, nil
		}
	}

	start := end - limit
	hasMore := start > 0
	if start < 0 {
		start = 0
	}
	window := snap[start:end]

	// Newest-first, as stored pages are served to the caller.
	out := make([]Message, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, window[i])
	}

	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

// MarkRead sets ReadAt on the opposite side's unread messages. Idempotent.
func (s *InMemoryStore) MarkRead(ctx context.Context, tenantSlug, customerID string, viewer Side, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[convKey{tenant: tenantSlug, customer: customerID}]
	if c == nil {
		return 0, nil
	}

	var marked int64
	for i := range c.msgs {
		if c.msgs[i].ReadAt != nil {
			continue
		}
		if !unreadFor(viewer, c.msgs[i].SenderType) {
			continue
		}
		ts := now
		c.msgs[i].ReadAt = &ts
		marked++
	}
	return marked, nil
}

// UnreadCount counts the opposite side's unread messages for the viewer.
func (s *InMemoryStore) UnreadCount(ctx context.Context, tenantSlug, customerID string, viewer Side) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[convKey{tenant: tenantSlug, customer: customerID}]
	if c == nil {
		return 0, nil
	}

	var n int64
	for i := range c.msgs {
		if c.msgs[i].ReadAt == nil && unreadFor(viewer, c.msgs[i].SenderType) {
			n++
		}
	}
	return n, nil
}

// Conversations materializes the staff-side conversation list on demand.
func (s *InMemoryStore) Conversations(ctx context.Context, tenantSlug string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationSummary, 0, 16)
	for key, c := range s.convs {
		if key.tenant != tenantSlug || len(c.msgs) == 0 {
			continue
		}
		var unread int64
		for i := range c.msgs {
			if c.msgs[i].ReadAt == nil && unreadFor(SideStaff, c.msgs[i].SenderType) {
				unread++
			}
		}
		out = append(out, ConversationSummary{
			CustomerID:  key.customer,
			LastMessage: c.msgs[len(c.msgs)-1],
			UnreadCount: unread,
		})
	}

	// Most recently active first.
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessage.ID > out[j].LastMessage.ID })
	return out, nil
}

// unreadFor reports whether a message by senderType counts as unread for the
// viewer side. Each side only counts messages from the other side.
func unreadFor(viewer Side, senderType identity.Role) bool {
	if viewer == SideStaff {
		return senderType == identity.RoleCustomer
	}
	return senderType != identity.RoleCustomer
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
