package editbus

import "context"

// Delivery receives every payload a transport reads for a subscribed document.
type Delivery func(ctx context.Context, payload []byte)

// Transport moves opaque payloads between nodes. Implementations only need to
// route by document; loop prevention, envelopes and rollup coordination live
// in SessionBus.
type Transport interface {
	// Name identifies the backend, e.g. "redis".
	Name() string

	// Subscribe starts delivering payloads published for documentID.
	Subscribe(ctx context.Context, documentID string, deliver Delivery) error

	// Unsubscribe stops delivery for documentID.
	Unsubscribe(ctx context.Context, documentID string) error

	// Publish sends payload to every node subscribed to documentID.
	Publish(ctx context.Context, documentID string, payload []byte) error

	// Close releases the backend.
	Close() error
}

// NoopTransport is used by single-node deployments. Nothing is sent or
// received, but SessionBus still schedules rollups locally.
type NoopTransport struct{}

// Name implements Transport.
func (NoopTransport) Name() string { return TypeNoop }

// Subscribe implements Transport.
func (NoopTransport) Subscribe(context.Context, string, Delivery) error { return nil }

// Unsubscribe implements Transport.
func (NoopTransport) Unsubscribe(context.Context, string) error { return nil }

// Publish implements Transport.
func (NoopTransport) Publish(context.Context, string, []byte) error { return nil }

// Close implements Transport.
func (NoopTransport) Close() error { return nil }
