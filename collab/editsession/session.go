// Package editsession tracks the clients editing a document on this node and
// fans operations out to them and to the cluster bus.
package editsession

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"collabsync/collab/editbus"
	"collabsync/collab/editop"
)

var (
	// ErrSessionClosed is returned when joining a session that is being torn down.
	ErrSessionClosed = errors.New("editing session is closed")
	// ErrAlreadyMember is returned when a context joins a session twice.
	ErrAlreadyMember = errors.New("context already joined")
	// ErrQueueFull is returned by Context.Send when the outbound queue is full.
	ErrQueueFull = errors.New("outbound queue is full")
)

// Context is a client connection as seen by a session.
type Context interface {
	// ID identifies the connection. It is unique within the node.
	ID() string

	// Send enqueues op for delivery to the client. It never blocks; messages
	// are written in enqueue order.
	Send(op editop.Operation) error
}

// Member describes one joined connection.
type Member struct {
	ID   string
	User string
}

type member struct {
	ctx  Context
	user string
}

// EditingSession groups the connections editing one document on this node.
type EditingSession struct {
	documentID string
	logger     *zap.Logger

	// ready is closed once channel is set or initialization failed.
	ready   chan struct{}
	channel editbus.Channel
	initErr error

	mu      sync.RWMutex
	members map[string]*member
	closed  bool
}

func newEditingSession(documentID string, logger *zap.Logger) *EditingSession {
	return &EditingSession{
		documentID: documentID,
		logger:     logger.With(zap.String("document_id", documentID)),
		ready:      make(chan struct{}),
		members:    make(map[string]*member),
	}
}

// DocumentID returns the document this session edits.
func (s *EditingSession) DocumentID() string {
	return s.documentID
}

// Join adds sc. Before sc is visible to fan-out, a join announcement for every
// existing member is enqueued to it, so presence replay precedes any later
// traffic the newcomer receives.
func (s *EditingSession) Join(sc Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.members[sc.ID()]; ok {
		return ErrAlreadyMember
	}

	for id, m := range s.members {
		if err := sc.Send(editop.NewJoin(m.user, id)); err != nil {
			s.logger.Warn("Failed to replay presence",
				zap.String("session_id", sc.ID()),
				zap.Error(err))
		}
	}
	s.members[sc.ID()] = &member{ctx: sc, user: user}
	return nil
}

// Leave removes sc and reports its user and whether the session is now empty.
func (s *EditingSession) Leave(sc Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var user string
	if m, ok := s.members[sc.ID()]; ok {
		user = m.user
		delete(s.members, sc.ID())
	}
	return user, len(s.members) == 0
}

// closeIfEmpty marks the session closed when it has no members. Once closed,
// Join fails and the manager creates a fresh session.
func (s *EditingSession) closeIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.members) > 0 {
		return false
	}
	s.closed = true
	return true
}

// IsEmpty reports whether no connection is joined.
func (s *EditingSession) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members) == 0
}

// User returns the user sc joined as.
func (s *EditingSession) User(sc Context) (string, bool) {
	if sc == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[sc.ID()]
	if !ok {
		return "", false
	}
	return m.user, true
}

// Members returns a snapshot of the joined connections.
func (s *EditingSession) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Member, 0, len(s.members))
	for id, m := range s.members {
		out = append(out, Member{ID: id, User: m.user})
	}
	return out
}

func (s *EditingSession) snapshot(exclude Context) []Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Context, 0, len(s.members))
	for _, m := range s.members {
		if exclude != nil && m.ctx.ID() == exclude.ID() {
			continue
		}
		out = append(out, m.ctx)
	}
	return out
}

// SendTo delivers op to a single connection.
func (s *EditingSession) SendTo(op editop.Operation, sc Context) {
	if sc == nil {
		return
	}
	if err := sc.Send(op); err != nil {
		s.logger.Warn("Failed to send operation",
			zap.String("session_id", sc.ID()),
			zap.String("type", string(op.OpType())),
			zap.Error(err))
	}
}

// SendToAllSessions delivers op to every local connection except exclude,
// which may be nil.
func (s *EditingSession) SendToAllSessions(exclude Context, op editop.Operation) {
	for _, sc := range s.snapshot(exclude) {
		s.SendTo(op, sc)
	}
}

// SendToOthers delivers op to every local connection except exclude and then
// publishes it to the other nodes.
func (s *EditingSession) SendToOthers(ctx context.Context, op editop.Operation, exclude Context) {
	s.SendToAllSessions(exclude, op)
	s.Publish(ctx, op)
}

// Publish sends op to the other nodes only.
func (s *EditingSession) Publish(ctx context.Context, op editop.Operation) {
	if s.channel == nil {
		return
	}
	s.channel.SendOperation(ctx, op)
}

// Close releases the session's bus channel.
func (s *EditingSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.channel == nil {
		return nil
	}
	return s.channel.Close()
}
