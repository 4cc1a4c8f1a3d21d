package editbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"collabsync/collab/editop"
)

const (
	defaultRollupTimeout  = 30 * time.Second
	defaultOutboxSize     = 1024
	defaultPublishTimeout = 5 * time.Second
	rollupCallTimeout     = 30 * time.Second
)

// SessionConfig configures a SessionBus.
type SessionConfig struct {
	// NodeID identifies this node on the bus. Envelopes carrying it are
	// dropped on receipt. A random id is generated when empty.
	NodeID string

	// RollupTimeout is how long an empty document waits for other nodes to
	// object before it is rolled up.
	RollupTimeout time.Duration

	// Executor compacts a document when its rollup timer fires.
	Executor RollupExecutor

	// Clock drives rollup timers. Tests inject a mock.
	Clock clock.Clock

	// OutboxSize bounds the queue of pending publications.
	OutboxSize int

	// Registerer receives the bus metrics. Nil disables registration.
	Registerer prometheus.Registerer

	Logger *zap.Logger
}

type documentState struct {
	state      RollupState
	handler    OperationHandler
	token      string
	generation uint64
}

type outbound struct {
	documentID string
	kind       string
	payload    []byte
}

// SessionBus implements Bus over any Transport.
type SessionBus struct {
	transport Transport
	nodeID    string
	executor  RollupExecutor
	rollups   *rollupCoordinator
	metrics   *busMetrics
	logger    *zap.Logger

	// subMu serializes transport subscription changes with the state
	// transitions that cause them. It is always acquired before mu.
	subMu sync.Mutex

	mu        sync.Mutex
	documents map[string]*documentState
	closed    bool

	outbox    chan outbound
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSessionBus starts a bus over transport.
func NewSessionBus(transport Transport, cfg SessionConfig) *SessionBus {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.RollupTimeout <= 0 {
		cfg.RollupTimeout = defaultRollupTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := &SessionBus{
		transport: transport,
		nodeID:    cfg.NodeID,
		executor:  cfg.Executor,
		rollups:   newRollupCoordinator(cfg.Clock, cfg.RollupTimeout),
		metrics:   newBusMetrics(cfg.Registerer),
		logger:    cfg.Logger.Named("bus").With(zap.String("transport", transport.Name()), zap.String("node_id", cfg.NodeID)),
		documents: make(map[string]*documentState),
		outbox:    make(chan outbound, cfg.OutboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.publishLoop()
	return b
}

// NodeID returns the id stamped on every envelope this node publishes.
func (b *SessionBus) NodeID() string {
	return b.nodeID
}

// SessionType implements Bus.
func (b *SessionBus) SessionType() string {
	return b.transport.Name()
}

// State reports the coordination state of documentID on this node.
func (b *SessionBus) State(documentID string) RollupState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.documents[documentID]; ok {
		return st.state
	}
	return StateIdle
}

// JoinSession implements Bus.
func (b *SessionBus) JoinSession(ctx context.Context, documentID string, handler OperationHandler) (Channel, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}

	if st, ok := b.documents[documentID]; ok {
		if st.state == StateActive {
			b.mu.Unlock()
			return nil, ErrAlreadyJoined
		}

		// Pending close: a local editor came back before the timer fired.
		token := st.token
		cancelled := token != "" && b.rollups.cancel(token)
		st.state = StateActive
		st.token = ""
		st.handler = handler
		st.generation++
		ch := &sessionChannel{bus: b, documentID: documentID, generation: st.generation}
		b.mu.Unlock()

		if cancelled {
			b.metrics.rollup(StateCancelled)
			b.logger.Debug("Rollup cancelled by local join",
				zap.String("document_id", documentID),
				zap.String("token", token))
			b.publishControl(documentID, KindRollupAbort, token)
		}
		return ch, nil
	}

	st := &documentState{state: StateActive, handler: handler, generation: 1}
	b.documents[documentID] = st
	b.mu.Unlock()

	err := b.transport.Subscribe(ctx, documentID, func(ctx context.Context, payload []byte) {
		b.receive(ctx, documentID, payload)
	})
	if err != nil {
		b.mu.Lock()
		if b.documents[documentID] == st {
			delete(b.documents, documentID)
		}
		b.mu.Unlock()
		return nil, err
	}

	b.logger.Debug("Joined document", zap.String("document_id", documentID))
	return &sessionChannel{bus: b, documentID: documentID, generation: st.generation}, nil
}

// release moves a document to PENDING_CLOSE and arms its rollup timer.
func (b *SessionBus) release(documentID string, generation uint64) {
	b.mu.Lock()
	st, ok := b.documents[documentID]
	if !ok || b.closed || st.generation != generation || st.state != StateActive {
		b.mu.Unlock()
		return
	}

	token := uuid.NewString()
	st.state = StatePendingClose
	st.token = token
	st.handler = nil
	b.rollups.schedule(token, documentID, func() {
		b.rollupExpired(documentID, token)
	})
	b.mu.Unlock()

	b.logger.Debug("Document empty, rollup scheduled",
		zap.String("document_id", documentID),
		zap.String("token", token))
	b.publishControl(documentID, KindClose, token)
}

func (b *SessionBus) rollupExpired(documentID, token string) {
	if b.executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rollupCallTimeout)
		err := b.executor.Rollup(ctx, documentID)
		cancel()
		if err != nil {
			b.logger.Error("Rollup failed",
				zap.String("document_id", documentID),
				zap.String("token", token),
				zap.Error(err))
		}
	}
	b.finishRollup(documentID, token, StateRolledUp)
}

// finishRollup releases the subscription if the document is still waiting on
// token. A document that was re-joined meanwhile keeps its subscription.
func (b *SessionBus) finishRollup(documentID, token string, outcome RollupState) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	st, ok := b.documents[documentID]
	release := ok && st.state == StatePendingClose && st.token == token
	if release {
		delete(b.documents, documentID)
	}
	b.mu.Unlock()

	b.metrics.rollup(outcome)
	b.logger.Debug("Rollup finished",
		zap.String("document_id", documentID),
		zap.String("token", token),
		zap.Stringer("outcome", outcome))

	if release {
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		defer cancel()
		if err := b.transport.Unsubscribe(ctx, documentID); err != nil {
			b.logger.Warn("Failed to unsubscribe",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
	}
}

func (b *SessionBus) receive(ctx context.Context, documentID string, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		b.metrics.message(directionDropped, "malformed")
		b.logger.Warn("Dropping bus message", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	if env.Node == b.nodeID || env.Document != documentID {
		b.metrics.message(directionDropped, env.Kind)
		return
	}
	b.metrics.message(directionIn, env.Kind)

	switch env.Kind {
	case KindOperation:
		b.receiveOperation(ctx, env)
	case KindClose:
		b.receiveClose(env)
	case KindRollupAbort:
		if b.rollups.cancel(env.Token) {
			b.logger.Debug("Rollup aborted by peer",
				zap.String("document_id", env.Document),
				zap.String("peer", env.Node))
			// Unsubscribing may wait for the delivery goroutine running this call.
			go b.finishRollup(env.Document, env.Token, StateCancelled)
		}
	}
}

func (b *SessionBus) receiveOperation(ctx context.Context, env envelope) {
	b.mu.Lock()
	var handler OperationHandler
	if st, ok := b.documents[env.Document]; ok && st.state == StateActive {
		handler = st.handler
	}
	b.mu.Unlock()

	if handler == nil {
		return
	}

	op, err := editop.Decode(env.Operation, editop.SourceRemote)
	if err != nil {
		b.logger.Warn("Dropping undecodable remote operation",
			zap.String("document_id", env.Document),
			zap.String("peer", env.Node),
			zap.Error(err))
		return
	}
	handler(ctx, op)
}

// receiveClose objects to a peer's rollup while this node still has editors.
func (b *SessionBus) receiveClose(env envelope) {
	b.mu.Lock()
	st, ok := b.documents[env.Document]
	active := ok && st.state == StateActive
	b.mu.Unlock()

	if active {
		b.publishControl(env.Document, KindRollupAbort, env.Token)
	}
}

func (b *SessionBus) publishControl(documentID, kind, token string) {
	payload, err := encodeEnvelope(envelope{Kind: kind, Node: b.nodeID, Document: documentID, Token: token})
	if err != nil {
		b.logger.Error("Failed to encode control message", zap.String("kind", kind), zap.Error(err))
		return
	}
	b.enqueue(outbound{documentID: documentID, kind: kind, payload: payload})
}

func (b *SessionBus) publishOperation(documentID string, op editop.Operation) {
	payload, err := operationEnvelope(b.nodeID, documentID, op)
	if err != nil {
		b.logger.Error("Failed to encode operation",
			zap.String("document_id", documentID),
			zap.String("type", string(op.OpType())),
			zap.Error(err))
		return
	}
	b.enqueue(outbound{documentID: documentID, kind: KindOperation, payload: payload})
}

func (b *SessionBus) enqueue(msg outbound) {
	select {
	case <-b.stop:
		return
	default:
	}

	select {
	case b.outbox <- msg:
	default:
		b.metrics.message(directionDropped, msg.kind)
		b.logger.Warn("Bus outbox full, dropping message",
			zap.String("document_id", msg.documentID),
			zap.String("kind", msg.kind))
	}
}

func (b *SessionBus) publishLoop() {
	defer close(b.done)
	for {
		select {
		case msg := <-b.outbox:
			b.publishNow(msg)
		case <-b.stop:
			for {
				select {
				case msg := <-b.outbox:
					b.publishNow(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *SessionBus) publishNow(msg outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()

	if err := b.transport.Publish(ctx, msg.documentID, msg.payload); err != nil {
		b.logger.Warn("Failed to publish",
			zap.String("document_id", msg.documentID),
			zap.String("kind", msg.kind),
			zap.Error(err))
		return
	}
	b.metrics.message(directionOut, msg.kind)
}

// Close implements Bus. Queued publications are flushed, pending rollups are
// dropped without running.
func (b *SessionBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.rollups.stop()
		close(b.stop)
		<-b.done
		err = b.transport.Close()
	})
	return err
}

type sessionChannel struct {
	bus        *SessionBus
	documentID string
	generation uint64
	closed     atomic.Bool
}

// SendOperation implements Channel.
func (c *sessionChannel) SendOperation(_ context.Context, op editop.Operation) {
	if op == nil || op.Source() == editop.SourceRemote || c.closed.Load() {
		return
	}
	c.bus.publishOperation(c.documentID, op)
}

// Close implements Channel.
func (c *sessionChannel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.bus.release(c.documentID, c.generation)
	}
	return nil
}
