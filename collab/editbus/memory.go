package editbus

import (
	"context"
	"sync"
)

// MemoryHub connects several in-process transports as if they were nodes
// sharing a broker. Delivery is asynchronous and ordered per publisher.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[*MemoryTransport]struct{}

	// skipPublisher withholds a publication from the transport that sent it.
	skipPublisher bool
}

// MemoryHubOption configures a MemoryHub.
type MemoryHubOption func(*MemoryHub)

// WithoutSelfDelivery stops the hub from echoing publications back to their
// publisher. Real brokers echo, so the default is to deliver.
func WithoutSelfDelivery() MemoryHubOption {
	return func(h *MemoryHub) { h.skipPublisher = true }
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub(opts ...MemoryHubOption) *MemoryHub {
	h := &MemoryHub{nodes: make(map[*MemoryTransport]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Transport attaches a new node to the hub.
func (h *MemoryHub) Transport() *MemoryTransport {
	t := &MemoryTransport{
		hub:    h,
		routes: make(map[string]Delivery),
		inbox:  make(chan memoryMessage, 256),
		done:   make(chan struct{}),
	}
	go t.run()

	h.mu.Lock()
	h.nodes[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// Subscribers counts the transports subscribed to documentID.
func (h *MemoryHub) Subscribers(documentID string) int {
	h.mu.RLock()
	nodes := make([]*MemoryTransport, 0, len(h.nodes))
	for t := range h.nodes {
		nodes = append(nodes, t)
	}
	h.mu.RUnlock()

	n := 0
	for _, t := range nodes {
		if t.subscribed(documentID) {
			n++
		}
	}
	return n
}

func (h *MemoryHub) publish(from *MemoryTransport, documentID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for t := range h.nodes {
		if t == from && h.skipPublisher {
			continue
		}
		if !t.subscribed(documentID) {
			continue
		}
		t.enqueue(memoryMessage{documentID: documentID, payload: append([]byte(nil), payload...)})
	}
}

func (h *MemoryHub) detach(t *MemoryTransport) {
	h.mu.Lock()
	delete(h.nodes, t)
	h.mu.Unlock()
}

type memoryMessage struct {
	documentID string
	payload    []byte
}

// MemoryTransport is one node's attachment to a MemoryHub.
type MemoryTransport struct {
	hub *MemoryHub

	mu     sync.RWMutex
	routes map[string]Delivery

	inbox     chan memoryMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (t *MemoryTransport) run() {
	for {
		select {
		case msg := <-t.inbox:
			t.mu.RLock()
			deliver := t.routes[msg.documentID]
			t.mu.RUnlock()
			if deliver != nil {
				deliver(context.Background(), msg.payload)
			}
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) enqueue(msg memoryMessage) {
	select {
	case t.inbox <- msg:
	case <-t.done:
	}
}

func (t *MemoryTransport) subscribed(documentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[documentID]
	return ok
}

// Name implements Transport.
func (t *MemoryTransport) Name() string { return TypeMemory }

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(_ context.Context, documentID string, deliver Delivery) error {
	t.mu.Lock()
	t.routes[documentID] = deliver
	t.mu.Unlock()
	return nil
}

// Unsubscribe implements Transport.
func (t *MemoryTransport) Unsubscribe(_ context.Context, documentID string) error {
	t.mu.Lock()
	delete(t.routes, documentID)
	t.mu.Unlock()
	return nil
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(_ context.Context, documentID string, payload []byte) error {
	t.hub.publish(t, documentID, payload)
	return nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.hub.detach(t)
		close(t.done)
	})
	return nil
}
