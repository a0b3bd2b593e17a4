package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"
)

// ErrUnauthorized is returned when the backlog API rejects the credential.
var ErrUnauthorized = errors.New("client: unauthorized")

// HistoryPage is one page of backlog, newest-first as served.
type HistoryPage struct {
	Messages []v1.MessagePayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

// ConversationItem is one row of the staff conversation list.
type ConversationItem struct {
	CustomerID  string            `json:"customer_id"`
	LastMessage v1.MessagePayload `json:"last_message"`
	UnreadCount int64             `json:"unread_count"`
	Online      bool              `json:"online"`
}

// HistoryClient talks to the HTTP backlog surface. It is deliberately thin:
// the server owns limits, scoping, and unread semantics.
type HistoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHistoryClient constructs a client for the given API base URL
// (e.g. "http://localhost:8080/api/v1").
func NewHistoryClient(baseURL, token string, hc *http.Client) *HistoryClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

// History fetches a backlog page. customerID is empty for customers (their
// own conversation is implicit) and required for staff. before is the
// exclusive ULID cursor; empty fetches the newest page.
func (c *HistoryClient) History(ctx context.Context, customerID string, limit int, before string) (HistoryPage, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}

	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, "/chat/history", q, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// MarkRead marks the other side's messages read for one conversation.
func (c *HistoryClient) MarkRead(ctx context.Context, customerID string) error {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	return c.do(ctx, http.MethodPost, "/chat/read", q, nil)
}

// Conversations fetches the staff-side conversation list. tenantSlug is only
// honored for super admins; everyone else is scoped server-side.
func (c *HistoryClient) Conversations(ctx context.Context, tenantSlug string) ([]ConversationItem, error) {
	q := url.Values{}
	if tenantSlug != "" {
		q.Set("tenant_slug", tenantSlug)
	}

	var items []ConversationItem
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", q, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *HistoryClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		return fmt.Errorf("client: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
