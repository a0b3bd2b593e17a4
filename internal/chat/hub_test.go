package chat

import (
	"encoding/json"
	"testing"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/identity"
)

func testEnvelope() v1.Envelope {
	return newEnvelope(v1.TypeMessage, json.RawMessage(`{}`), time.Now().UTC())
}

// A staff connection joined to tenant X never receives tenant Y traffic.
func TestHub_TenantRoomIsolation(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger())
	acmeStaff := joinStaff(t, hub, "conn-acme", "acme")
	globexStaff := joinStaff(t, hub, "conn-globex", "globex")

	env := testEnvelope()
	if dropped := hub.BroadcastTenant("acme", env); dropped != 0 {
		t.Fatalf("dropped=%d want=0", dropped)
	}

	select {
	case got := <-acmeStaff.Send:
		if got.ID != env.ID {
			t.Fatalf("wrong envelope delivered")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acme staff never got the broadcast")
	}
	assertNoDelivery(t, globexStaff)
}

func TestHub_CustomerRoomIsolation(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger())
	c1 := joinCustomer(t, hub, "conn-1", "acme", "cust-1")
	c2 := joinCustomer(t, hub, "conn-2", "acme", "cust-2")

	hub.BroadcastCustomer("acme", "cust-1", testEnvelope())

	select {
	case <-c1.Send:
	case <-time.After(2 * time.Second):
		t.Fatalf("cust-1 never got the broadcast")
	}
	assertNoDelivery(t, c2)
}

func TestHub_Unregister_RemovesFromAllRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger())
	staff := joinStaff(t, hub, "conn-1", "acme")

	if hub.Connections() != 1 {
		t.Fatalf("connections=%d want=1", hub.Connections())
	}

	hub.Unregister(staff.ConnID)

	if hub.Connections() != 0 {
		t.Fatalf("connections=%d want=0", hub.Connections())
	}
	if dropped := hub.BroadcastTenant("acme", testEnvelope()); dropped != 0 {
		t.Fatalf("broadcast to pruned room dropped=%d want=0", dropped)
	}
	select {
	case <-staff.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not closed on unregister")
	}
}

func TestHub_LeaveTenant_KeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger())
	staff := joinStaff(t, hub, "conn-1", "acme")

	hub.LeaveTenant(staff.ConnID, "acme")

	// The membership is gone but the connection itself is not torn down.
	assertNoDelivery(t, staff)
	hub.BroadcastTenant("acme", testEnvelope())
	assertNoDelivery(t, staff)

	select {
	case <-staff.Done():
		t.Fatalf("leave must not close the client")
	default:
	}
}

func TestHub_CustomerOnline(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger())
	if hub.CustomerOnline("acme", "cust-1") {
		t.Fatalf("offline customer reported online")
	}

	cust := joinCustomer(t, hub, "conn-1", "acme", "cust-1")
	if !hub.CustomerOnline("acme", "cust-1") {
		t.Fatalf("online customer reported offline")
	}

	hub.Unregister(cust.ConnID)
	if hub.CustomerOnline("acme", "cust-1") {
		t.Fatalf("disconnected customer still reported online")
	}
}

func TestRoom_Broadcast_DropsOnFullQueue(t *testing.T) {
	t.Parallel()

	room := NewRoom(discardLogger(), "tenant:acme")
	slow := NewClient("conn-slow", identity.Identity{UserID: "u", TenantSlug: "acme", Role: identity.RoleStaff}, 1)
	room.Join(slow)

	if dropped := room.Broadcast(testEnvelope()); dropped != 0 {
		t.Fatalf("first broadcast dropped=%d want=0", dropped)
	}
	// Queue full now; next broadcast must drop instead of blocking.
	if dropped := room.Broadcast(testEnvelope()); dropped != 1 {
		t.Fatalf("second broadcast dropped=%d want=1", dropped)
	}
}

func TestRoom_Broadcast_SkipsClosedClients(t *testing.T) {
	t.Parallel()

	room := NewRoom(discardLogger(), "tenant:acme")
	closed := NewClient("conn-closed", identity.Identity{UserID: "u", TenantSlug: "acme", Role: identity.RoleStaff}, 1)
	room.Join(closed)
	closed.Close()

	if dropped := room.Broadcast(testEnvelope()); dropped != 0 {
		t.Fatalf("closed client counted as drop: %d", dropped)
	}
	assertNoDelivery(t, closed)
}
