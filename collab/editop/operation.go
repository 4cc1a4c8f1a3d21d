// Package editop defines the wire messages exchanged between editing clients,
// the collaboration server and the other nodes of a cluster.
//
// Every message is a flat JSON object whose "type" field selects the concrete
// variant. Decode resolves the discriminator once and returns a strongly typed
// value; processors never inspect raw payloads.
package editop

import (
	"encoding/json"
	"strconv"
)

// Source records where an operation entered this node.
type Source int

const (
	// SourceLocal marks an operation sent by a client attached to this node.
	SourceLocal Source = iota
	// SourceRemote marks an operation received from the distributed bus.
	SourceRemote
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "LOCAL"
	case SourceRemote:
		return "REMOTE"
	default:
		return "Source(" + strconv.Itoa(int(s)) + ")"
	}
}

// Type is the wire discriminator of an operation.
type Type string

const (
	TypeBatch        Type = "batch"
	TypeCommand      Type = "command"
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeSelection    Type = "selection"
	TypeUndo         Type = "undo"
	TypeRedo         Type = "redo"
	TypeAck          Type = "ack"
	TypeDeferred     Type = "deferred"
	TypeStorageError Type = "storageError"
	TypePing         Type = "ping"
	TypeListClients  Type = "listClients"
	TypeSnapshot     Type = "snapshot"
)

// Operation is implemented by every wire message.
type Operation interface {
	// OpType returns the wire discriminator.
	OpType() Type
	// Source reports whether the operation arrived from a local client or the bus.
	Source() Source
	// SetSource tags the operation with its provenance. It is never serialized.
	SetSource(Source)
}

// Header carries the fields shared by all operations. It is embedded first in
// every variant so that "type" is always the first key on the wire.
type Header struct {
	Type   Type `json:"type"`
	source Source
}

// OpType implements Operation.
func (h *Header) OpType() Type { return h.Type }

// Source implements Operation.
func (h *Header) Source() Source { return h.source }

// SetSource implements Operation.
func (h *Header) SetSource(source Source) { h.source = source }

// VersionedOperation references a command by its content version. It is the
// payload of undo and redo requests and notifications.
type VersionedOperation struct {
	Header
	ContentVersion int64 `json:"contentVersion"`
}

// VersionedCommandOperation carries a document mutation. Clients submit it
// without a content version; the server fills in version, author and the
// reverted flag before fanning it out.
type VersionedCommandOperation struct {
	Header
	ContentVersion int64           `json:"contentVersion,omitempty"`
	CommandID      json.RawMessage `json:"commandId,omitempty"`
	Command        json.RawMessage `json:"command"`
	Author         string          `json:"author,omitempty"`
	Reverted       bool            `json:"reverted"`
}

// JoinLeaveOperation announces that a user's session joined or left a document.
type JoinLeaveOperation struct {
	Header
	User string `json:"user"`
	ID   string `json:"id"`
}

// SelectionOperation broadcasts a user's cursor or selection. It is ephemeral.
type SelectionOperation struct {
	Header
	User      string          `json:"user"`
	Selection json.RawMessage `json:"selection,omitempty"`
	ID        string          `json:"id"`
}

// VersionedAck correlates a client's command, undo or redo with the content
// version the server assigned or toggled.
type VersionedAck struct {
	VersionedOperation
	CommandID json.RawMessage `json:"commandId,omitempty"`
	AckType   Type            `json:"ackType"`
}

// BatchOperation groups operations that must be processed in order.
type BatchOperation struct {
	Header
	Operations []Operation `json:"operations"`
}

// SetSource tags the batch and every nested operation.
func (b *BatchOperation) SetSource(source Source) {
	b.Header.SetSource(source)
	for _, op := range b.Operations {
		op.SetSource(source)
	}
}

// UnmarshalJSON decodes each nested operation through the discriminator.
func (b *BatchOperation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       Type              `json:"type"`
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.Type = raw.Type
	b.Operations = make([]Operation, 0, len(raw.Operations))
	for _, item := range raw.Operations {
		op, err := Decode(item, b.source)
		if err != nil {
			return err
		}
		b.Operations = append(b.Operations, op)
	}
	return nil
}

// StorageError tells a client that persisting one of its requests failed.
type StorageError struct {
	Header
	ID         json.RawMessage `json:"id"`
	FailedType Type            `json:"failedType"`
}

// DeferredAction is a control message with no document effect.
type DeferredAction struct {
	Header
	Action string `json:"action,omitempty"`
}

// SnapshotOperation carries a document's rolled-up base content. It is sent to
// a reconnecting client whose last seen version was folded away. Commands
// after ContentVersion follow it.
type SnapshotOperation struct {
	Header
	ContentVersion int64           `json:"contentVersion"`
	Content        json.RawMessage `json:"content"`
}

// ListClientsOperation asks every node to announce its local members.
type ListClientsOperation struct {
	Header
}

// PingOperation is a liveness probe.
type PingOperation struct {
	Header
}
