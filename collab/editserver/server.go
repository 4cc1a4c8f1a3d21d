// Package editserver exposes editing sessions over websockets.
package editserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editproc"
	"collabsync/collab/editsession"
	"collabsync/collab/editstore"
)

const (
	defaultQueueSize      = 256
	defaultWriteTimeout   = 10 * time.Second
	defaultReplayTimeout  = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// Options configures a Server.
type Options struct {
	// NodeNumber seeds connection ids. It must be unique per node, 0-1023.
	NodeNumber     int64
	QueueSize      int
	WriteTimeout   time.Duration
	ReplayTimeout  time.Duration
	MaxMessageSize int64

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server accepts websocket connections and drives their lifecycle.
type Server struct {
	manager    *editsession.Manager
	dispatcher *editproc.Dispatcher
	storage    editstore.Storage
	ids        *snowflake.Node
	upgrader   websocket.Upgrader
	opts       Options
	logger     *zap.Logger

	connections prometheus.Gauge

	mu    sync.Mutex
	conns map[string]*connection
	wg    sync.WaitGroup
}

// New creates a server over manager and dispatcher. storage is used to replay
// commands a reconnecting client missed.
func New(manager *editsession.Manager, dispatcher *editproc.Dispatcher, storage editstore.Storage, opts Options) (*Server, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = defaultReplayTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ids, err := snowflake.NewNode(opts.NodeNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections",
		Help: "Open websocket connections.",
	})
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(connections); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			connections = are.ExistingCollector.(prometheus.Gauge)
		}
	}

	return &Server{
		manager:    manager,
		dispatcher: dispatcher,
		storage:    storage,
		ids:        ids,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication and origin checks happen upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:        opts,
		logger:      opts.Logger.Named("server"),
		connections: connections,
		conns:       make(map[string]*connection),
	}, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
	router.HandleFunc("/designs/{designId}/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["designId"]
	query := r.URL.Query()

	user := query.Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	since := int64(-1)
	if raw := query.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "since must be a non-negative version", http.StatusBadRequest)
			return
		}
		since = v
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.String("document_id", documentID), zap.Error(err))
		return
	}

	c := newConnection(s.ids.Generate().String(), documentID, user, since, ws, s.opts.QueueSize, s.opts.WriteTimeout, s.logger)
	s.track(c)
	defer s.untrack(c)

	s.serve(context.WithoutCancel(r.Context()), c)
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	s.wg.Add(1)
	s.connections.Inc()
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
	s.wg.Done()
	s.connections.Dec()
}

// serve runs the connection's event loop until it has left.
func (s *Server) serve(ctx context.Context, c *connection) {
	go c.writeLoop()
	c.events <- event{kind: eventJoined}
	go c.readLoop(s.opts.MaxMessageSize)

	var session *editsession.EditingSession
	for ev := range c.events {
		switch ev.kind {
		case eventJoined:
			session = s.join(ctx, c)
			if session == nil {
				c.close()
			}

		case eventMessage:
			if session == nil {
				continue
			}
			// Failures are logged by the dispatcher and never end the connection.
			_ = s.dispatcher.Dispatch(ctx, session, c, ev.data, editop.SourceLocal)

		case eventLeft:
			if session != nil {
				s.manager.Leave(ctx, session, c)
			}
			c.close()
			c.logger.Debug("Connection left")
			return
		}
	}
}

func (s *Server) join(ctx context.Context, c *connection) *editsession.EditingSession {
	session, err := s.manager.Join(ctx, c.documentID, c, c.user)
	if err != nil {
		c.logger.Error("Failed to join session", zap.Error(err))
		return nil
	}
	c.logger.Info("Connection joined")

	if c.since >= 0 {
		s.replay(ctx, session, c)
	}
	return session
}

// replay sends the commands stored after the client's last seen version.
// When a rollup folded part of that range, the base content goes first as a
// snapshot and only the commands above the base follow. Commands are listed
// before the base is loaded, so a rollup running in between can only raise
// the base over commands that were already read.
func (s *Server) replay(ctx context.Context, session *editsession.EditingSession, c *connection) {
	replayCtx, cancel := context.WithTimeout(ctx, s.opts.ReplayTimeout)
	defer cancel()

	commands, err := s.storage.ListCommandsSince(replayCtx, c.user, c.documentID, c.since)
	if err != nil {
		c.logger.Error("Failed to list commands for replay", zap.Int64("since", c.since), zap.Error(err))
		return
	}
	doc, err := s.storage.LoadDocument(replayCtx, c.documentID)
	if err != nil {
		c.logger.Error("Failed to load document for replay", zap.Int64("since", c.since), zap.Error(err))
		return
	}

	from := c.since
	if from < doc.ContentVersion {
		session.SendTo(editop.NewSnapshot(doc.ContentVersion, doc.Content), c)
		from = doc.ContentVersion
	}

	sent := 0
	for _, cmd := range commands {
		if cmd.ContentVersion <= from {
			continue
		}
		op := editop.NewCommand(cmd.ContentVersion, cmd.Command, cmd.Author)
		op.Reverted = cmd.Reverted
		session.SendTo(op, c)
		sent++
	}
	c.logger.Debug("Replayed commands",
		zap.Int64("since", c.since),
		zap.Int64("base_version", doc.ContentVersion),
		zap.Int("count", sent))
}

// Close disconnects every client and waits for their sessions to be left.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	s.wg.Wait()
}
