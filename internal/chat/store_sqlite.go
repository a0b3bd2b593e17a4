package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"parley/internal/identity"
)

// SQLiteStore is a MessageStore for single-node deployments without Postgres.
//
// The connection pool is capped at one connection, which serializes writes;
// combined with ULID allocation under the id mutex this preserves
// per-conversation persistence order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates, if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("chat: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := createSQLiteTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	const tables = `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_slug TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(tenant_slug, customer_id, id);
	`
	_, err := db.Exec(tables)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append persists a message with server-assigned id and timestamp.
func (s *SQLiteStore) Append(ctx context.Context, in AppendInput) (Message, error) {
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

	msg := Message{
		ID:         NewMessageID(now),
		TenantSlug: in.TenantSlug,
		CustomerID: in.CustomerID,
		SenderID:   in.SenderID,
		SenderType: in.SenderType,
		Text:       in.Text,
		CreatedAt:  now,
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_slug, customer_id, sender_id, sender_type, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TenantSlug, msg.CustomerID, msg.SenderID, string(msg.SenderType), msg.Text, msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// History returns messages newest-first, with optional paging by BeforeID.
func (s *SQLiteStore) History(ctx context.Context, in HistoryInput) (HistoryPage, error) {
	if in.TenantSlug == "" || in.CustomerID == "" {
		return HistoryPage{}, errors.New("missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	var (
		rows *sql.Rows
		err  error
	)
	if in.BeforeID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tenant_slug, customer_id, sender_id, sender_type, text, created_at, read_at
			   FROM messages
			  WHERE tenant_slug = ? AND customer_id = ?
			  ORDER BY id DESC
			  LIMIT ?`,
			in.TenantSlug, in.CustomerID, fetch,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tenant_slug, customer_id, sender_id, sender_type, text, created_at, read_at
			   FROM messages
			  WHERE tenant_slug = ? AND customer_id = ? AND id < ?
			  ORDER BY id DESC
			  LIMIT ?`,
			in.TenantSlug, in.CustomerID, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead sets read_at on the opposite side's unread messages. Idempotent.
func (s *SQLiteStore) MarkRead(ctx context.Context, tenantSlug, customerID string, viewer Side, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		    SET read_at = ?
		  WHERE tenant_slug = ? AND customer_id = ?
		    AND read_at IS NULL
		    AND `+senderSidePredicate(viewer, "?"),
		now, tenantSlug, customerID, string(identity.RoleCustomer),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount counts the opposite side's unread messages for the viewer.
func (s *SQLiteStore) UnreadCount(ctx context.Context, tenantSlug, customerID string, viewer Side) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*)
		   FROM messages
		  WHERE tenant_slug = ? AND customer_id = ?
		    AND read_at IS NULL
		    AND `+senderSidePredicate(viewer, "?"),
		tenantSlug, customerID, string(identity.RoleCustomer),
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Conversations materializes the staff-side conversation list on demand.
func (s *SQLiteStore) Conversations(ctx context.Context, tenantSlug string) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.tenant_slug, m.customer_id, m.sender_id, m.sender_type, m.text, m.created_at, m.read_at
		   FROM messages m
		   JOIN (SELECT customer_id, max(id) AS max_id
		           FROM messages
		          WHERE tenant_slug = ?
		          GROUP BY customer_id) last
		     ON m.customer_id = last.customer_id AND m.id = last.max_id
		  WHERE m.tenant_slug = ?`,
		tenantSlug, tenantSlug,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byCustomer := make(map[string]*ConversationSummary, 16)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		byCustomer[m.CustomerID] = &ConversationSummary{
			CustomerID:  m.CustomerID,
			LastMessage: m,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unreadRows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, count(*)
		   FROM messages
		  WHERE tenant_slug = ? AND read_at IS NULL AND sender_type = ?
		  GROUP BY customer_id`,
		tenantSlug, string(identity.RoleCustomer),
	)
	if err != nil {
		return nil, err
	}
	defer unreadRows.Close()

	for unreadRows.Next() {
		var customerID string
		var n int64
		if err := unreadRows.Scan(&customerID, &n); err != nil {
			return nil, err
		}
		if c, ok := byCustomer[customerID]; ok {
			c.UnreadCount = n
		}
	}
	if err := unreadRows.Err(); err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(byCustomer))
	for _, c := range byCustomer {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessage.ID > out[j].LastMessage.ID })
	return out, nil
}

func scanSQLiteMessage(rows *sql.Rows) (Message, error) {
	var (
		m          Message
		senderType string
		readAt     sql.NullTime
	)
	if err := rows.Scan(
		&m.ID,
		&m.TenantSlug,
		&m.CustomerID,
		&m.SenderID,
		&senderType,
		&m.Text,
		&m.CreatedAt,
		&readAt,
	); err != nil {
		return Message{}, err
	}
	m.SenderType = identity.Role(senderType)
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, nil
}
