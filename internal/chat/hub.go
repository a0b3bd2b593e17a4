package chat

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Room name layout. All data and rooms are scoped by tenant.
func tenantRoomName(slug string) string { return "tenant:" + slug }
func customerRoomName(slug, customerID string) string {
	return "customer:" + slug + ":" + customerID
}

// Hub is the connection registry and room router.
//
// It maps live connections to their identity and joined rooms: every
// staff-side connection for tenant T may join room "tenant:T", and every
// customer connection is a member of its own private room. Membership is
// runtime-only and never survives a process restart.
type Hub struct {
	log *slog.Logger

	mu          sync.RWMutex
	conns       map[string]*Client
	rooms       map[string]*Room
	memberships map[string]map[string]*Room // conn id -> room name -> room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:         log,
		conns:       make(map[string]*Client),
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]*Room),
	}
}

// Register admits an authenticated connection into the registry.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.ConnID == "" {
		return
	}
	h.mu.Lock()
	h.conns[client.ConnID] = client
	h.mu.Unlock()
}

// Unregister removes the connection from every room it was a member of and
// signals client shutdown. No grace period: a reconnect is a brand-new
// connection with a brand-new identity resolution.
func (h *Hub) Unregister(connID string) {
	if h == nil || connID == "" {
		return
	}

	h.mu.Lock()
	client := h.conns[connID]
	delete(h.conns, connID)
	rooms := h.memberships[connID]
	delete(h.memberships, connID)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Leave(connID)
		h.pruneIfEmpty(r)
	}

	// Signal shutdown after membership removal so broadcasters never hold a
	// pointer to a client whose goroutines are being torn down.
	if client != nil {
		client.Close()
	}
}

// JoinTenant adds a staff-side connection to the tenant room.
// Authorization is the caller's responsibility (gateway enforces it).
func (h *Hub) JoinTenant(client *Client, slug string) {
	h.join(client, tenantRoomName(slug))
}

// JoinCustomer adds a customer connection to its private room.
func (h *Hub) JoinCustomer(client *Client, slug, customerID string) {
	h.join(client, customerRoomName(slug, customerID))
}

func (h *Hub) join(client *Client, name string) {
	if h == nil || client == nil || client.ConnID == "" {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[name]
	if !ok {
		r = NewRoom(h.log, name)
		h.rooms[name] = r
	}
	mm := h.memberships[client.ConnID]
	if mm == nil {
		mm = make(map[string]*Room, 2)
		h.memberships[client.ConnID] = mm
	}
	mm[name] = r
	h.mu.Unlock()

	r.Join(client)
}

// LeaveTenant removes a connection from a tenant room without tearing the
// connection down (it may still be valid for other purposes).
func (h *Hub) LeaveTenant(connID, slug string) {
	if h == nil || connID == "" {
		return
	}
	name := tenantRoomName(slug)

	h.mu.Lock()
	r := h.rooms[name]
	if mm := h.memberships[connID]; mm != nil {
		delete(mm, name)
	}
	h.mu.Unlock()

	if r != nil {
		r.Leave(connID)
		h.pruneIfEmpty(r)
	}
}

// BroadcastTenant fans an envelope out to the tenant staff room.
// Returns the number of dropped deliveries.
func (h *Hub) BroadcastTenant(slug string, env v1.Envelope) int {
	return h.broadcast(tenantRoomName(slug), env)
}

// BroadcastCustomer fans an envelope out to one customer's private room.
func (h *Hub) BroadcastCustomer(slug, customerID string, env v1.Envelope) int {
	return h.broadcast(customerRoomName(slug, customerID), env)
}

func (h *Hub) broadcast(name string, env v1.Envelope) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	r := h.rooms[name]
	h.mu.RUnlock()

	if r == nil {
		return 0
	}
	return r.Broadcast(env)
}

// CustomerOnline reports whether the customer currently holds at least one
// live connection. Presence is derived, never persisted.
func (h *Hub) CustomerOnline(slug, customerID string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	r := h.rooms[customerRoomName(slug, customerID)]
	h.mu.RUnlock()
	return r.Size() > 0
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) pruneIfEmpty(r *Room) {
	if r == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[r.Name]; ok && cur == r && r.Size() == 0 {
		delete(h.rooms, r.Name)
	}
}
