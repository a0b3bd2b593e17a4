// Package chat implements Parley's realtime core: the websocket gateway,
// room routing, the message relay, and message persistence primitives.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "parley/contracts/chat/v1"
	"parley/internal/identity"
)

var (
	// ErrEmptyText is returned when the message text is empty after trimming.
	ErrEmptyText = errors.New("empty text")

	// ErrTextTooLong is returned when the message text exceeds the rune cap.
	ErrTextTooLong = errors.New("text too long")

	// ErrTargetRequired is returned when a staff-side sender omits the
	// customer id that identifies the conversation.
	ErrTargetRequired = errors.New("customer_id required")

	// ErrPersist wraps store write failures. Nothing is broadcast when the
	// write fails; retry is a client concern.
	ErrPersist = errors.New("persist failed")
)

// Relay is the send-path state machine: it validates an inbound send,
// persists the message with server-assigned identity fields, and fans the
// stored message out to the tenant staff room plus the customer's private
// room. Persistence strictly precedes broadcast.
type Relay struct {
	log       *slog.Logger
	store     MessageStore
	hub       *Hub
	backplane Backplane
	metrics   *Metrics

	// instanceID marks locally originated backplane frames so they are not
	// re-applied by this process.
	instanceID string
}

// NewRelay constructs a Relay. backplane and metrics may be nil.
func NewRelay(log *slog.Logger, store MessageStore, hub *Hub, backplane Backplane, metrics *Metrics) *Relay {
	if backplane == nil {
		backplane = NopBackplane{}
	}
	return &Relay{
		log:        log,
		store:      store,
		hub:        hub,
		backplane:  backplane,
		metrics:    metrics,
		instanceID: uuid.NewString(),
	}
}

// InstanceID identifies this relay process on the backplane.
func (r *Relay) InstanceID() string { return r.instanceID }

// Send validates, persists, and broadcasts one message.
//
// Sender role, tenant, and id come from the bound connection identity; the
// client supplies only the text and, for staff-side senders, the target
// customer. The broadcast goes to every member of both rooms including the
// sender's own connection; clients de-duplicate by message id.
func (r *Relay) Send(ctx context.Context, sender identity.Identity, in v1.SendMessagePayload, now time.Time) (Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		r.countFailure("empty_text")
		return Message{}, ErrEmptyText
	}
	if len([]rune(text)) > maxMessageChars {
		r.countFailure("text_too_long")
		return Message{}, fmt.Errorf("%w: max=%d chars", ErrTextTooLong, maxMessageChars)
	}

	customerID := strings.TrimSpace(in.CustomerID)
	if sender.Role.StaffSide() {
		if customerID == "" {
			r.countFailure("target_required")
			return Message{}, ErrTargetRequired
		}
	} else {
		// A customer always posts into its own conversation.
		customerID = sender.UserID
	}

	msg, err := r.store.Append(ctx, AppendInput{
		TenantSlug: sender.TenantSlug,
		CustomerID: customerID,
		SenderID:   sender.UserID,
		SenderType: sender.Role,
		Text:       text,
		Now:        now,
	})
	if err != nil {
		r.countFailure("persist")
		r.log.Error("relay.persist.fail", "tenant", sender.TenantSlug, "customer_id", customerID, "err", err)
		return Message{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	env := newMessageEnvelope(msg)

	// Cross-instance fan-out is best effort; local delivery never depends on it.
	if err := r.backplane.Publish(Frame{
		Origin:     r.instanceID,
		TenantSlug: msg.TenantSlug,
		CustomerID: msg.CustomerID,
		Envelope:   env,
	}); err != nil {
		r.log.Warn("relay.backplane.publish.fail", "err", err)
	}

	r.deliver(msg.TenantSlug, msg.CustomerID, env)

	if r.metrics != nil {
		r.metrics.MessagesRelayed.WithLabelValues(string(msg.SenderType)).Inc()
	}
	r.log.Info("relay.message",
		"id", msg.ID,
		"tenant", msg.TenantSlug,
		"customer_id", msg.CustomerID,
		"sender_type", string(msg.SenderType),
	)
	return msg, nil
}

// Typing routes a best-effort typing hint to the opposite side of the
// conversation. No durability, no delivery guarantee.
func (r *Relay) Typing(sender identity.Identity, in v1.TypingPayload) {
	customerID := strings.TrimSpace(in.CustomerID)
	if !sender.Role.StaffSide() {
		customerID = sender.UserID
	}
	if customerID == "" {
		return
	}

	payload, _ := json.Marshal(v1.TypingPayload{
		CustomerID: customerID,
		SenderType: string(sender.Role),
		IsTyping:   in.IsTyping,
	})
	env := newEnvelope(v1.TypeTyping, payload, time.Now().UTC())

	if sender.Role.StaffSide() {
		r.hub.BroadcastCustomer(sender.TenantSlug, customerID, env)
	} else {
		r.hub.BroadcastTenant(sender.TenantSlug, env)
	}
}

// ApplyRemote delivers a backplane frame originated on another instance to
// local rooms. Frames from this instance are ignored.
func (r *Relay) ApplyRemote(f Frame) {
	if f.Origin == r.instanceID {
		return
	}
	r.deliver(f.TenantSlug, f.CustomerID, f.Envelope)
	if r.metrics != nil {
		r.metrics.BackplaneApplied.Inc()
	}
}

func (r *Relay) deliver(tenantSlug, customerID string, env v1.Envelope) {
	dropped := r.hub.BroadcastTenant(tenantSlug, env)
	dropped += r.hub.BroadcastCustomer(tenantSlug, customerID, env)
	if dropped > 0 {
		if r.metrics != nil {
			r.metrics.BroadcastDropped.Add(float64(dropped))
		}
		r.log.Warn("relay.broadcast.dropped", "tenant", tenantSlug, "dropped", dropped)
	}
}

func (r *Relay) countFailure(reason string) {
	if r.metrics != nil {
		r.metrics.SendFailures.WithLabelValues(reason).Inc()
	}
}

// ---- envelope helpers ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}

func newMessageEnvelope(msg Message) v1.Envelope {
	payload, _ := json.Marshal(MessageToWire(msg))
	return newEnvelope(v1.TypeMessage, payload, msg.CreatedAt)
}

// MessageToWire converts a stored message to its broadcast form.
func MessageToWire(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:         m.ID,
		TenantSlug: m.TenantSlug,
		CustomerID: m.CustomerID,
		SenderID:   m.SenderID,
		SenderType: string(m.SenderType),
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
		ReadAt:     m.ReadAt,
	}
}
