package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/internal/identity"
)

func mustAppend(t *testing.T, s MessageStore, tenant, customer, sender string, role identity.Role, text string) Message {
	t.Helper()
	msg, err := s.Append(context.Background(), AppendInput{
		TenantSlug: tenant,
		CustomerID: customer,
		SenderID:   sender,
		SenderType: role,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return msg
}

func seedConversation(t *testing.T, s MessageStore, tenant, customer string, n int) []Message {
	t.Helper()
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, mustAppend(t, s, tenant, customer, customer, identity.RoleCustomer, fmt.Sprintf("msg-%d", i)))
	}
	return msgs
}

func TestInMemoryStore_Append_AssignsOrderedIDs(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	msgs := seedConversation(t, s, "acme", "cust-1", 10)

	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].ID >= msgs[i].ID {
			t.Fatalf("ids not strictly increasing: %q then %q", msgs[i-1].ID, msgs[i].ID)
		}
	}
	for _, m := range msgs {
		if m.ID == "" || m.CreatedAt.IsZero() {
			t.Fatalf("missing server-assigned fields: %+v", m)
		}
		if m.ReadAt != nil {
			t.Fatalf("new message must start unread")
		}
	}
}

// Two senders can read the clock in one order and reach the store in the
// other. Ids, and therefore the rendered order, must follow persistence
// order, not the supplied timestamps.
func TestInMemoryStore_Append_OrderSurvivesBackwardsClocks(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	first, err := s.Append(ctx, AppendInput{
		TenantSlug: "acme", CustomerID: "cust-1",
		SenderID: "staff-9", SenderType: identity.RoleStaff,
		Text: "persisted first", Now: base,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}

	second, err := s.Append(ctx, AppendInput{
		TenantSlug: "acme", CustomerID: "cust-1",
		SenderID: "cust-1", SenderType: identity.RoleCustomer,
		Text: "persisted second", Now: base.Add(-2 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if second.ID <= first.ID {
		t.Fatalf("later-persisted id %q not greater than %q", second.ID, first.ID)
	}

	page, err := s.History(ctx, HistoryInput{TenantSlug: "acme", CustomerID: "cust-1", Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Messages[0].ID != second.ID {
		t.Fatalf("newest-first must lead with the later-persisted message, got %q", page.Messages[0].Text)
	}
}

func TestInMemoryStore_Append_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	_, err := s.Append(context.Background(), AppendInput{TenantSlug: "acme"})
	if err == nil {
		t.Fatalf("expected error for missing conversation key")
	}
}

// Walks the backlog with a cursor: 5 messages, pages of 2.
func TestInMemoryStore_History_CursorWalk(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	msgs := seedConversation(t, s, "acme", "cust-1", 5)
	ctx := context.Background()

	page1, err := s.History(ctx, HistoryInput{TenantSlug: "acme", CustomerID: "cust-1", Limit: 2})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1.Messages) != 2 || !page1.HasMore {
		t.Fatalf("page1: got %d messages hasMore=%v, want 2/true", len(page1.Messages), page1.HasMore)
	}
	// Newest-first: messages 4 and 3.
	if page1.Messages[0].ID != msgs[4].ID || page1.Messages[1].ID != msgs[3].ID {
		t.Fatalf("page1 order wrong: %q, %q", page1.Messages[0].Text, page1.Messages[1].Text)
	}

	page2, err := s.History(ctx, HistoryInput{
		TenantSlug: "acme", CustomerID: "cust-1", Limit: 2,
		BeforeID: page1.Messages[1].ID,
	})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2.Messages) != 2 || !page2.HasMore {
		t.Fatalf("page2: got %d messages hasMore=%v, want 2/true", len(page2.Messages), page2.HasMore)
	}
	if page2.Messages[0].ID != msgs[2].ID || page2.Messages[1].ID != msgs[1].ID {
		t.Fatalf("page2 order wrong")
	}

	page3, err := s.History(ctx, HistoryInput{
		TenantSlug: "acme", CustomerID: "cust-1", Limit: 2,
		BeforeID: page2.Messages[1].ID,
	})
	if err != nil {
		t.Fatalf("page3: %v", err)
	}
	if len(page3.Messages) != 1 || page3.HasMore {
		t.Fatalf("page3: got %d messages hasMore=%v, want 1/false", len(page3.Messages), page3.HasMore)
	}
	if page3.Messages[0].ID != msgs[0].ID {
		t.Fatalf("page3 should hold the oldest message")
	}
}

// The store is append-only, so re-fetching the same cursor yields the same page.
func TestInMemoryStore_History_CursorIsStable(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	msgs := seedConversation(t, s, "acme", "cust-1", 6)
	ctx := context.Background()

	in := HistoryInput{TenantSlug: "acme", CustomerID: "cust-1", Limit: 3, BeforeID: msgs[4].ID}

	first, err := s.History(ctx, in)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// New traffic after the cursor must not shift the page.
	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "later")

	second, err := s.History(ctx, in)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(first.Messages) != len(second.Messages) {
		t.Fatalf("page size changed: %d vs %d", len(first.Messages), len(second.Messages))
	}
	for i := range first.Messages {
		if first.Messages[i].ID != second.Messages[i].ID {
			t.Fatalf("page content changed at %d", i)
		}
		if first.Messages[i].ID >= in.BeforeID {
			t.Fatalf("cursor leak: %q >= %q", first.Messages[i].ID, in.BeforeID)
		}
	}
}

func TestInMemoryStore_History_ClampsLimit(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	seedConversation(t, s, "acme", "cust-1", 3)

	page, err := s.History(context.Background(), HistoryInput{
		TenantSlug: "acme", CustomerID: "cust-1", Limit: 1_000_000,
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 3 || page.HasMore {
		t.Fatalf("got %d/%v", len(page.Messages), page.HasMore)
	}

	if got := clampHistoryLimit(0); got != defaultHistoryLimit {
		t.Fatalf("clamp(0)=%d want=%d", got, defaultHistoryLimit)
	}
	if got := clampHistoryLimit(maxHistoryLimit + 1); got != maxHistoryLimit {
		t.Fatalf("clamp(max+1)=%d want=%d", got, maxHistoryLimit)
	}
}

// Staff count unread customer-sent; customers count unread staff-sent.
func TestInMemoryStore_UnreadAsymmetry(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "hello")
	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "anyone there?")
	mustAppend(t, s, "acme", "cust-1", "staff-9", identity.RoleStaff, "hi, how can we help?")
	mustAppend(t, s, "acme", "cust-1", "admin-1", identity.RoleAdmin, "escalating")

	staffUnread, err := s.UnreadCount(ctx, "acme", "cust-1", SideStaff)
	if err != nil {
		t.Fatalf("unread staff: %v", err)
	}
	if staffUnread != 2 {
		t.Fatalf("staff unread=%d want=2", staffUnread)
	}

	custUnread, err := s.UnreadCount(ctx, "acme", "cust-1", SideCustomer)
	if err != nil {
		t.Fatalf("unread customer: %v", err)
	}
	if custUnread != 2 {
		t.Fatalf("customer unread=%d want=2", custUnread)
	}
}

func TestInMemoryStore_MarkRead_Idempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "one")
	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "two")
	mustAppend(t, s, "acme", "cust-1", "staff-9", identity.RoleStaff, "reply")

	marked, err := s.MarkRead(ctx, "acme", "cust-1", SideStaff, now)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 2 {
		t.Fatalf("marked=%d want=2", marked)
	}

	again, err := s.MarkRead(ctx, "acme", "cust-1", SideStaff, now)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if again != 0 {
		t.Fatalf("second mark read marked=%d want=0", again)
	}

	// The staff reply stays unread from the customer's side.
	custUnread, err := s.UnreadCount(ctx, "acme", "cust-1", SideCustomer)
	if err != nil {
		t.Fatalf("unread customer: %v", err)
	}
	if custUnread != 1 {
		t.Fatalf("customer unread=%d want=1", custUnread)
	}
}

func TestInMemoryStore_Conversations(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	mustAppend(t, s, "acme", "cust-a", "cust-a", identity.RoleCustomer, "a1")
	mustAppend(t, s, "acme", "cust-b", "cust-b", identity.RoleCustomer, "b1")
	lastA := mustAppend(t, s, "acme", "cust-a", "staff-1", identity.RoleStaff, "a2")
	// Other tenant traffic must not leak into the list.
	mustAppend(t, s, "globex", "cust-z", "cust-z", identity.RoleCustomer, "z1")

	convs, err := s.Conversations(ctx, "acme")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}

	// Most recently active first.
	if convs[0].CustomerID != "cust-a" || convs[0].LastMessage.ID != lastA.ID {
		t.Fatalf("first conversation wrong: %+v", convs[0])
	}
	if convs[0].UnreadCount != 1 {
		t.Fatalf("cust-a unread=%d want=1 (staff reply does not count)", convs[0].UnreadCount)
	}
	if convs[1].CustomerID != "cust-b" || convs[1].UnreadCount != 1 {
		t.Fatalf("second conversation wrong: %+v", convs[1])
	}
}

// All messages with the same (tenant, customer) key land in one thread,
// regardless of which staff member replied.
func TestInMemoryStore_ConversationKeying(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "hi")
	mustAppend(t, s, "acme", "cust-1", "staff-1", identity.RoleStaff, "hello")
	mustAppend(t, s, "acme", "cust-1", "staff-2", identity.RoleStaff, "also hello")

	page, err := s.History(ctx, HistoryInput{TenantSlug: "acme", CustomerID: "cust-1", Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(page.Messages))
	}
	for _, m := range page.Messages {
		if m.CustomerID != "cust-1" || m.TenantSlug != "acme" {
			t.Fatalf("message escaped its conversation: %+v", m)
		}
	}
}
