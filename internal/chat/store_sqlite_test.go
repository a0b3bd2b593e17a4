package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"parley/internal/identity"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_AppendAndHistory(t *testing.T) {
	t.Parallel()

	s := newSQLiteTestStore(t)
	msgs := seedConversation(t, s, "acme", "cust-1", 5)

	page, err := s.History(context.Background(), HistoryInput{
		TenantSlug: "acme", CustomerID: "cust-1", Limit: 2,
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("got %d/%v want 2/true", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].ID != msgs[4].ID || page.Messages[1].ID != msgs[3].ID {
		t.Fatalf("newest-first order violated")
	}

	older, err := s.History(context.Background(), HistoryInput{
		TenantSlug: "acme", CustomerID: "cust-1", Limit: 10,
		BeforeID: page.Messages[1].ID,
	})
	if err != nil {
		t.Fatalf("history before: %v", err)
	}
	if len(older.Messages) != 3 || older.HasMore {
		t.Fatalf("got %d/%v want 3/false", len(older.Messages), older.HasMore)
	}
	for _, m := range older.Messages {
		if m.ID >= page.Messages[1].ID {
			t.Fatalf("cursor leak: %q", m.ID)
		}
	}
}

func TestSQLiteStore_MarkReadAndUnread(t *testing.T) {
	t.Parallel()

	s := newSQLiteTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, "acme", "cust-1", "cust-1", identity.RoleCustomer, "hello")
	mustAppend(t, s, "acme", "cust-1", "staff-9", identity.RoleStaff, "hi")

	staffUnread, err := s.UnreadCount(ctx, "acme", "cust-1", SideStaff)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if staffUnread != 1 {
		t.Fatalf("staff unread=%d want=1", staffUnread)
	}

	marked, err := s.MarkRead(ctx, "acme", "cust-1", SideStaff, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked=%d want=1", marked)
	}

	again, err := s.MarkRead(ctx, "acme", "cust-1", SideStaff, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if again != 0 {
		t.Fatalf("second mark read marked=%d want=0", again)
	}

	custUnread, err := s.UnreadCount(ctx, "acme", "cust-1", SideCustomer)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if custUnread != 1 {
		t.Fatalf("customer unread=%d want=1", custUnread)
	}
}

func TestSQLiteStore_Conversations(t *testing.T) {
	t.Parallel()

	s := newSQLiteTestStore(t)

	mustAppend(t, s, "acme", "cust-a", "cust-a", identity.RoleCustomer, "a1")
	lastB := mustAppend(t, s, "acme", "cust-b", "cust-b", identity.RoleCustomer, "b1")
	mustAppend(t, s, "globex", "cust-z", "cust-z", identity.RoleCustomer, "z1")

	convs, err := s.Conversations(context.Background(), "acme")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].CustomerID != "cust-b" || convs[0].LastMessage.ID != lastB.ID {
		t.Fatalf("most recent first violated: %+v", convs[0])
	}
	if convs[0].UnreadCount != 1 || convs[1].UnreadCount != 1 {
		t.Fatalf("unread counts wrong: %+v", convs)
	}
}
