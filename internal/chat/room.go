package chat

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, name string) *Room {
	return &Room{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.ConnID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room", r.Name, "conn_id", client.ConnID)
}

// Leave removes a client from membership. It does not close the client;
// the connection may remain a member of other rooms.
func (r *Room) Leave(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[connID]
	delete(r.members, connID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "room", r.Name, "conn_id", connID)
	}
}

// Size returns the current member count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members.
// Non-blocking: if a member queue is full or the client is shutting down,
// the envelope is dropped for that member. Returns the number of drops.
func (r *Room) Broadcast(env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	dropped := 0
	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			dropped++
		}
	}
	return dropped
}
