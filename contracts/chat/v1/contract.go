// Package v1 defines the Parley chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and client controllers so the
// socket protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeConnected acknowledges a successful handshake (server -> client).
	TypeConnected = "connected"

	// TypeJoinTenant requests membership in a tenant staff room (client -> server)
	// and is echoed back on success.
	TypeJoinTenant = "join-tenant"

	// TypeSendMessage requests relaying a new message (client -> server).
	TypeSendMessage = "send-message"

	// TypeMessage broadcasts an accepted message (server -> room members).
	// Clients must de-duplicate by message id.
	TypeMessage = "message"

	// TypeTyping is a best-effort presence hint (both directions).
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadEnvelope = "bad_envelope"
	CodeNotJoined   = "not_joined"
	CodeJoinDenied  = "join_denied"
	CodeEmptyText   = "empty_text"
	CodeTextTooLong = "text_too_long"
	CodePersist     = "persist_failed"
	CodeRateLimited = "rate_limited"
	CodeUnsupported = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnected,
		TypeJoinTenant,
		TypeSendMessage,
		TypeMessage,
		TypeTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ConnectedPayload informs the client that identity resolution succeeded.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	TenantSlug   string `json:"tenant_slug"`
}

// JoinTenantPayload requests membership in a tenant staff room.
// The server re-validates the slug against the resolved identity.
type JoinTenantPayload struct {
	TenantSlug string `json:"tenant_slug"`
}

// SendMessagePayload requests relaying a message.
// CustomerID is required for staff-side senders and ignored for customers,
// whose conversation is implicitly their own.
type SendMessagePayload struct {
	Text       string `json:"text"`
	CustomerID string `json:"customer_id,omitempty"`
}

// MessagePayload is the broadcast form of a persisted message.
type MessagePayload struct {
	ID         string     `json:"id"`
	TenantSlug string     `json:"tenant_slug"`
	CustomerID string     `json:"customer_id"`
	SenderID   string     `json:"sender_id"`
	SenderType string     `json:"sender_type"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// TypingPayload is a best-effort typing hint.
// CustomerID identifies the conversation; for customer senders the server
// fills it from the bound identity.
type TypingPayload struct {
	CustomerID string `json:"customer_id,omitempty"`
	SenderType string `json:"sender_type,omitempty"`
	IsTyping   bool   `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
