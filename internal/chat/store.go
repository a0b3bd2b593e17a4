package chat

import (
	"context"
	"time"

	"parley/internal/identity"
)

// Message is the canonical persisted message representation.
//
// A conversation is uniquely identified by (TenantSlug, CustomerID); every
// message in a customer's thread carries the customer id, including staff
// replies, so one key queries the whole thread.
type Message struct {
	ID         string
	TenantSlug string
	CustomerID string
	SenderID   string
	SenderType identity.Role
	Text       string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

// Side selects the viewer side of a conversation for read/unread semantics.
// Each side only counts unread messages authored by the other side.
type Side uint8

const (
	// SideCustomer views the conversation as the customer.
	SideCustomer Side = iota
	// SideStaff views the conversation as tenant staff.
	SideStaff
)

// AppendInput describes a message append request. ID and CreatedAt are
// assigned by the store at persistence time.
type AppendInput struct {
	TenantSlug string
	CustomerID string
	SenderID   string
	SenderType identity.Role
	Text       string
	Now        time.Time
}

// HistoryInput describes a backward-paginated history query.
// BeforeID is a cursor: results are the Limit messages immediately older than
// it; empty means "most recent page".
type HistoryInput struct {
	TenantSlug string
	CustomerID string
	Limit      int
	BeforeID   string
}

// HistoryPage is a history query result, newest-first as stored.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// ConversationSummary is the derived per-customer view served to staff.
// It is computed on demand and never persisted.
type ConversationSummary struct {
	CustomerID  string
	LastMessage Message
	UnreadCount int64
}

// MessageStore persists and queries chat messages.
//
// Requirements:
//   - Append serializes writes per conversation so ids allocate in
//     persistence order (ids are ULIDs; lexicographic order is display order).
//   - History is idempotent for a fixed cursor (append-only store).
//   - MarkRead is idempotent.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	History(ctx context.Context, in HistoryInput) (HistoryPage, error)
	MarkRead(ctx context.Context, tenantSlug, customerID string, viewer Side, now time.Time) (int64, error)
	UnreadCount(ctx context.Context, tenantSlug, customerID string, viewer Side) (int64, error)
	Conversations(ctx context.Context, tenantSlug string) ([]ConversationSummary, error)
	Close() error
}
