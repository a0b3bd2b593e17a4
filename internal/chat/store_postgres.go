package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/identity"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks so that ids allocate
//   strictly in persistence order under concurrent senders.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and messages table if missing. Idempotent;
// called once at startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")
	idx := pgx.Identifier{"idx_" + s.schema + "_messages_conversation"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     id          text PRIMARY KEY,
		     tenant_slug text NOT NULL,
		     customer_id text NOT NULL,
		     sender_id   text NOT NULL,
		     sender_type text NOT NULL,
		     text        text NOT NULL,
		     created_at  timestamptz NOT NULL,
		     read_at     timestamptz
		 )`,
		`CREATE INDEX IF NOT EXISTS ` + idx + ` ON ` + messages + ` (tenant_slug, customer_id, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append persists a message with server-assigned id and timestamp.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize writes per conversation so message ids (ULIDs) allocate in
	// commit order. hashtextextended reduces collision risk vs hashtext.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		in.TenantSlug+":"+in.CustomerID,
	); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, tenant_slug, customer_id, sender_id, sender_type, text, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.TenantSlug, msg.CustomerID, msg.SenderID, string(msg.SenderType), msg.Text, msg.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// History returns messages newest-first, with optional paging by BeforeID.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryPage, error) {
	if s == nil || s.pool == nil {
		return HistoryPage{}, errors.New("chat: nil store")
	}
	if in.TenantSlug == "" || in.CustomerID == "" {
		return HistoryPage{}, errors.New("missing conversation key")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.BeforeID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, tenant_slug, customer_id, sender_id, sender_type, text, created_at, read_at
			   FROM `+messages+`
			  WHERE tenant_slug = $1 AND customer_id = $2
			  ORDER BY id DESC
			  LIMIT $3`,
			in.TenantSlug, in.CustomerID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, tenant_slug, customer_id, sender_id, sender_type, text, created_at, read_at
			   FROM `+messages+`
			  WHERE tenant_slug = $1 AND customer_id = $2 AND id < $3
			  ORDER BY id DESC
			  LIMIT $4`,
			in.TenantSlug, in.CustomerID, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
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
func (s *PostgresStore) MarkRead(ctx context.Context, tenantSlug, customerID string, viewer Side, now time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_at = $4
		  WHERE tenant_slug = $1 AND customer_id = $2
		    AND read_at IS NULL
		    AND `+senderSidePredicate(viewer, "$3"),
		tenantSlug, customerID, string(identity.RoleCustomer), now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UnreadCount counts the opposite side's unread messages for the viewer.
func (s *PostgresStore) UnreadCount(ctx context.Context, tenantSlug, customerID string, viewer Side) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+messages+`
		  WHERE tenant_slug = $1 AND customer_id = $2
		    AND read_at IS NULL
		    AND `+senderSidePredicate(viewer, "$3"),
		tenantSlug, customerID, string(identity.RoleCustomer),
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Conversations materializes the staff-side conversation list on demand.
func (s *PostgresStore) Conversations(ctx context.Context, tenantSlug string) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (customer_id)
		        id, tenant_slug, customer_id, sender_id, sender_type, text, created_at, read_at
		   FROM `+messages+`
		  WHERE tenant_slug = $1
		  ORDER BY customer_id, id DESC`,
		tenantSlug,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byCustomer := make(map[string]*ConversationSummary, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
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

	unreadRows, err := s.pool.Query(ctx,
		`SELECT customer_id, count(*)
		   FROM `+messages+`
		  WHERE tenant_slug = $1 AND read_at IS NULL AND sender_type = $2
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
	// Most recently active first.
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessage.ID > out[j].LastMessage.ID })
	return out, nil
}

// senderSidePredicate returns the SQL predicate selecting messages authored
// by the side the viewer counts as unread. param is the placeholder bound to
// the customer role value.
func senderSidePredicate(viewer Side, param string) string {
	if viewer == SideStaff {
		return "sender_type = " + param
	}
	return "sender_type <> " + param
}

func scanMessage(rows pgx.Rows) (Message, error) {
	var (
		m          Message
		senderType string
		readAt     *time.Time
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
	m.ReadAt = readAt
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
