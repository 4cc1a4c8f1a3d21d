package editsession

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"collabsync/collab/editbus"
	"collabsync/collab/editop"
)

// RemoteHandler processes an operation another node published for session.
type RemoteHandler func(ctx context.Context, session *EditingSession, op editop.Operation)

// Manager owns the editing sessions of one node, one per document.
type Manager struct {
	bus    editbus.Bus
	remote RemoteHandler
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*EditingSession
}

// NewManager creates a manager that joins documents on bus and hands remote
// operations to remote.
func NewManager(bus editbus.Bus, remote RemoteHandler, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bus:      bus,
		remote:   remote,
		logger:   logger.Named("sessions"),
		sessions: make(map[string]*EditingSession),
	}
}

// Session returns the live session for documentID, if any.
func (m *Manager) Session(documentID string) (*EditingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[documentID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Join attaches sc to the document's session, creating and joining the bus
// session on first use. Presence of the existing members is replayed to sc
// and sc's own presence is announced to local peers and the cluster.
func (m *Manager) Join(ctx context.Context, documentID string, sc Context, user string) (*EditingSession, error) {
	for {
		s, created, err := m.session(ctx, documentID)
		if err != nil {
			return nil, err
		}

		err = s.Join(sc, user)
		if errors.Is(err, ErrSessionClosed) {
			// Lost a race with the last member leaving; start over.
			continue
		}
		if err != nil {
			return nil, err
		}

		if created {
			s.Publish(ctx, editop.NewListClients())
		}
		s.SendToOthers(ctx, editop.NewJoin(user, sc.ID()), sc)

		m.logger.Debug("Session joined",
			zap.String("document_id", documentID),
			zap.String("session_id", sc.ID()),
			zap.String("user", user))
		return s, nil
	}
}

func (m *Manager) session(ctx context.Context, documentID string) (*EditingSession, bool, error) {
	m.mu.Lock()
	if s, ok := m.sessions[documentID]; ok {
		m.mu.Unlock()
		<-s.ready
		if s.initErr != nil {
			return nil, false, s.initErr
		}
		return s, false, nil
	}
	s := newEditingSession(documentID, m.logger)
	m.sessions[documentID] = s
	m.mu.Unlock()

	channel, err := m.bus.JoinSession(ctx, documentID, func(ctx context.Context, op editop.Operation) {
		<-s.ready
		if s.initErr == nil && m.remote != nil {
			m.remote(ctx, s, op)
		}
	})
	if err != nil {
		s.initErr = err
		m.mu.Lock()
		if m.sessions[documentID] == s {
			delete(m.sessions, documentID)
		}
		m.mu.Unlock()
		close(s.ready)
		m.logger.Error("Failed to join bus session", zap.String("document_id", documentID), zap.Error(err))
		return nil, false, err
	}

	s.channel = channel
	close(s.ready)
	return s, true, nil
}

// Leave detaches sc, announces its departure and tears the session down when
// it was the last member.
func (m *Manager) Leave(ctx context.Context, s *EditingSession, sc Context) {
	user, empty := s.Leave(sc)
	s.SendToOthers(ctx, editop.NewLeave(user, sc.ID()), sc)

	if !empty {
		return
	}

	// The channel is closed under mu so a replacement session cannot join the
	// bus before the old membership is released.
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.closeIfEmpty() {
		return
	}
	if m.sessions[s.documentID] == s {
		delete(m.sessions, s.documentID)
	}
	if err := s.channel.Close(); err != nil {
		m.logger.Warn("Failed to close bus channel", zap.String("document_id", s.documentID), zap.Error(err))
	}
	m.logger.Debug("Session closed", zap.String("document_id", s.documentID))
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*EditingSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*EditingSession)
	m.mu.Unlock()

	for _, s := range sessions {
		<-s.ready
		if s.initErr == nil {
			_ = s.Close()
		}
	}
}
