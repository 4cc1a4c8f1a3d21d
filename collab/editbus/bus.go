// Package editbus relays operations between the nodes that host sessions for
// the same document, and coordinates the delayed rollup of a document once no
// node has local editors left.
package editbus

import (
	"context"
	"errors"

	"collabsync/collab/editop"
)

var (
	// ErrUnsupportedBusType is returned by New for an unknown bus type.
	ErrUnsupportedBusType = errors.New("unsupported bus type")
	// ErrBusClosed is returned when joining a closed bus.
	ErrBusClosed = errors.New("bus is closed")
	// ErrAlreadyJoined is returned when a document already has an active channel.
	ErrAlreadyJoined = errors.New("document already joined")
)

// OperationHandler receives operations published by other nodes. The
// operation is tagged editop.SourceRemote.
type OperationHandler func(ctx context.Context, op editop.Operation)

// Channel is one node's membership in a document's distributed session.
type Channel interface {
	// SendOperation publishes op to the other nodes. Operations tagged
	// editop.SourceRemote are never republished. Publishing is asynchronous;
	// failures are logged.
	SendOperation(ctx context.Context, op editop.Operation)

	// Close signals that the node has no more local sessions for the
	// document and starts rollup coordination.
	Close() error
}

// Bus joins documents to the cluster.
type Bus interface {
	// JoinSession subscribes to documentID. handler is invoked for every
	// operation other nodes publish until the channel is closed.
	JoinSession(ctx context.Context, documentID string, handler OperationHandler) (Channel, error)

	// SessionType names the backend.
	SessionType() string

	// Close releases the backend.
	Close() error
}

// RollupExecutor compacts a document once the cluster agrees it is idle.
type RollupExecutor interface {
	Rollup(ctx context.Context, documentID string) error
}

// RollupFunc adapts a function to RollupExecutor.
type RollupFunc func(ctx context.Context, documentID string) error

// Rollup implements RollupExecutor.
func (f RollupFunc) Rollup(ctx context.Context, documentID string) error {
	return f(ctx, documentID)
}

// RollupState is the per-document coordination state on one node.
type RollupState int

const (
	// StateIdle means the node holds no subscription for the document.
	StateIdle RollupState = iota
	// StateActive means the node has local sessions.
	StateActive
	// StatePendingClose means the node is empty and waiting for the rollup timer.
	StatePendingClose
	// StateCancelled means another node still had sessions.
	StateCancelled
	// StateRolledUp means the timer fired and the rollup ran.
	StateRolledUp
)

func (s RollupState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StatePendingClose:
		return "PENDING_CLOSE"
	case StateCancelled:
		return "CANCELLED"
	case StateRolledUp:
		return "ROLLED_UP"
	default:
		return "UNKNOWN"
	}
}
