// Package history serves the chat backlog over HTTP, independent of the live
// relay: paginated history, idempotent mark-as-read, and the staff-side
// conversation list with unread counts.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	v1 "parley/contracts/chat/v1"
	"parley/internal/chat"
	"parley/internal/identity"
)

type ctxKey uint8

const identityKey ctxKey = 0

// Handler exposes the history endpoints. hub and dir are optional: hub adds
// live presence to the conversation list, dir adds customer profiles.
type Handler struct {
	log      *slog.Logger
	store    chat.MessageStore
	resolver identity.Resolver
	hub      *chat.Hub
	dir      identity.Directory
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, store chat.MessageStore, resolver identity.Resolver, hub *chat.Hub, dir identity.Directory) *Handler {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Handler{log: log, store: store, resolver: resolver, hub: hub, dir: dir}
}

// Routes mounts the chat HTTP surface.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Use(h.withIdentity)
		r.Get("/history", h.history)
		r.Post("/read", h.markRead)
		r.Get("/conversations", h.conversations)
	})
}

// withIdentity resolves the bearer credential and stashes the identity in the
// request context. Tenant scoping for every endpoint derives from it.
func (h *Handler) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		who, err := h.resolver.Resolve(r.Context(), token, time.Now().UTC())
		if err != nil {
			h.log.Info("history.reject.auth", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, who)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) identity.Identity {
	who, _ := r.Context().Value(identityKey).(identity.Identity)
	return who
}

// historyResponse is the GET /chat/history body.
// Messages are newest-first as stored; callers reverse for display.
type historyResponse struct {
	Messages []v1.MessagePayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)

	customerID, ok := h.conversationFor(w, r, who)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := h.store.History(r.Context(), chat.HistoryInput{
		TenantSlug: who.TenantSlug,
		CustomerID: customerID,
		Limit:      limit,
		BeforeID:   strings.TrimSpace(r.URL.Query().Get("before")),
	})
	if err != nil {
		h.log.Error("history.fetch.fail", "tenant", who.TenantSlug, "customer_id", customerID, "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	msgs := make([]v1.MessagePayload, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, chat.MessageToWire(m))
	}
	writeJSON(w, http.StatusOK, historyResponse{Messages: msgs, HasMore: page.HasMore})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)

	customerID, ok := h.conversationFor(w, r, who)
	if !ok {
		return
	}

	viewer := chat.SideCustomer
	if who.Role.StaffSide() {
		viewer = chat.SideStaff
	}

	marked, err := h.store.MarkRead(r.Context(), who.TenantSlug, customerID, viewer, time.Now().UTC())
	if err != nil {
		h.log.Error("history.read.fail", "tenant", who.TenantSlug, "customer_id", customerID, "err", err)
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}

	h.log.Info("history.read", "tenant", who.TenantSlug, "customer_id", customerID, "marked", marked)
	w.WriteHeader(http.StatusNoContent)
}

// conversationItem is one row of the staff conversation list.
type conversationItem struct {
	CustomerID  string                    `json:"customer_id"`
	Customer    *identity.CustomerProfile `json:"customer,omitempty"`
	LastMessage v1.MessagePayload         `json:"last_message"`
	UnreadCount int64                     `json:"unread_count"`
	Online      bool                      `json:"online"`
}

func (h *Handler) conversations(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	if !who.Role.StaffSide() {
		writeError(w, http.StatusForbidden, "staff only")
		return
	}

	// Super admins may inspect any tenant; everyone else is scoped to their own.
	tenant := who.TenantSlug
	if q := strings.TrimSpace(r.URL.Query().Get("tenant_slug")); q != "" && who.Role == identity.RoleSuperAdmin {
		tenant = q
	}

	summaries, err := h.store.Conversations(r.Context(), tenant)
	if err != nil {
		h.log.Error("history.conversations.fail", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, "conversations unavailable")
		return
	}

	items := make([]conversationItem, 0, len(summaries))
	for _, s := range summaries {
		item := conversationItem{
			CustomerID:  s.CustomerID,
			LastMessage: chat.MessageToWire(s.LastMessage),
			UnreadCount: s.UnreadCount,
		}
		if h.hub != nil {
			item.Online = h.hub.CustomerOnline(tenant, s.CustomerID)
		}
		if h.dir != nil {
			if p, ok := h.dir.Lookup(s.CustomerID); ok {
				item.Customer = &p
			}
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// conversationFor resolves which conversation the request addresses.
// Customers are always their own conversation; staff must name a customer.
func (h *Handler) conversationFor(w http.ResponseWriter, r *http.Request, who identity.Identity) (string, bool) {
	requested := strings.TrimSpace(r.URL.Query().Get("customer_id"))

	if who.Role.StaffSide() {
		if requested == "" {
			writeError(w, http.StatusBadRequest, "customer_id required")
			return "", false
		}
		return requested, true
	}

	if requested != "" && requested != who.UserID {
		writeError(w, http.StatusForbidden, "not your conversation")
		return "", false
	}
	return who.UserID, true
}

// ---- helpers ----

func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
