package chat

import v1 "parley/contracts/chat/v1"

// Frame is the unit published on the broadcast backplane so a message
// persisted by one process reaches room members held by another.
type Frame struct {
	Origin     string      `json:"origin"`
	TenantSlug string      `json:"tenant_slug"`
	CustomerID string      `json:"customer_id"`
	Envelope   v1.Envelope `json:"envelope"`
}

// Backplane fans frames out across relay instances. The single-process
// deployment uses NopBackplane; multi-instance deployments plug in a
// pub/sub implementation.
type Backplane interface {
	// Publish sends a frame to all peer instances. Best effort.
	Publish(f Frame) error

	// Start begins delivering remote frames to the handler until Close.
	Start(handler func(Frame)) error

	Close() error
}

// NopBackplane is the single-process default: publishes go nowhere and no
// remote frames ever arrive.
type NopBackplane struct{}

func (NopBackplane) Publish(Frame) error     { return nil }
func (NopBackplane) Start(func(Frame)) error { return nil }
func (NopBackplane) Close() error            { return nil }
