package editserver

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editsession"
)

var errConnectionClosed = errors.New("connection is closed")

type eventKind int

const (
	eventJoined eventKind = iota
	eventMessage
	eventLeft
)

// event is one step of a connection's lifecycle. Events of a connection are
// handled one at a time, in the order they were produced.
type event struct {
	kind eventKind
	data []byte
}

// connection is a websocket client. It implements editsession.Context.
type connection struct {
	id         string
	documentID string
	user       string
	since      int64
	conn       *websocket.Conn
	logger     *zap.Logger

	writeTimeout time.Duration

	// outbound holds encoded frames for the writer. Send never blocks on it.
	outbound chan []byte
	events   chan event
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

func newConnection(id, documentID, user string, since int64, conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *connection {
	return &connection{
		id:           id,
		documentID:   documentID,
		user:         user,
		since:        since,
		conn:         conn,
		writeTimeout: writeTimeout,
		logger: logger.With(
			zap.String("document_id", documentID),
			zap.String("session_id", id),
			zap.String("user", user)),
		outbound: make(chan []byte, queueSize),
		events:   make(chan event, 16),
		done:     make(chan struct{}),
	}
}

// ID implements editsession.Context.
func (c *connection) ID() string {
	return c.id
}

// Send implements editsession.Context.
func (c *connection) Send(op editop.Operation) error {
	data, err := editop.Encode(op)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return editsession.ErrQueueFull
	}
}

// readLoop feeds incoming frames into the event loop and reports the
// connection as left when reading stops.
func (c *connection) readLoop(maxMessageSize int64) {
	defer func() {
		c.events <- event{kind: eventLeft}
	}()

	if maxMessageSize > 0 {
		c.conn.SetReadLimit(maxMessageSize)
	}
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.Int("message_type", msgType))
			continue
		}
		c.events <- event{kind: eventMessage, data: data}
	}
}

// writeLoop drains the outbound queue in order until the connection closes.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", zap.Error(err))
				// Unblocks the reader, which reports the connection as left.
				_ = c.conn.Close()
				return
			}
		}
	}
}

// close stops the writer and closes the socket. Frames still queued are
// dropped.
func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
}
