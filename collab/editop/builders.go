package editop

import (
	"encoding/json"
	"strconv"
)

// NewCommand builds the full command broadcast to peers once a version is assigned.
func NewCommand(version int64, command json.RawMessage, author string) *VersionedCommandOperation {
	return &VersionedCommandOperation{
		Header:         Header{Type: TypeCommand},
		ContentVersion: version,
		Command:        command,
		Author:         author,
	}
}

// NewJoin announces a session joining a document.
func NewJoin(user, sessionID string) *JoinLeaveOperation {
	return &JoinLeaveOperation{Header: Header{Type: TypeJoin}, User: user, ID: sessionID}
}

// NewLeave announces a session leaving a document.
func NewLeave(user, sessionID string) *JoinLeaveOperation {
	return &JoinLeaveOperation{Header: Header{Type: TypeLeave}, User: user, ID: sessionID}
}

// NewSelection stamps a selection with the sending user and session.
func NewSelection(user, sessionID string, selection json.RawMessage) *SelectionOperation {
	return &SelectionOperation{Header: Header{Type: TypeSelection}, User: user, Selection: selection, ID: sessionID}
}

// NewUndo notifies peers that a version was reverted.
func NewUndo(version int64) *VersionedOperation {
	return &VersionedOperation{Header: Header{Type: TypeUndo}, ContentVersion: version}
}

// NewRedo notifies peers that a version was re-applied.
func NewRedo(version int64) *VersionedOperation {
	return &VersionedOperation{Header: Header{Type: TypeRedo}, ContentVersion: version}
}

// NewAck acknowledges a command, undo or redo to its originator.
func NewAck(ackType Type, version int64, commandID json.RawMessage) *VersionedAck {
	return &VersionedAck{
		VersionedOperation: VersionedOperation{Header: Header{Type: TypeAck}, ContentVersion: version},
		CommandID:          commandID,
		AckType:            ackType,
	}
}

// NewStorageError reports a persistence failure for the request identified by id.
func NewStorageError(id json.RawMessage, failedType Type) *StorageError {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &StorageError{Header: Header{Type: TypeStorageError}, ID: id, FailedType: failedType}
}

// VersionID renders a content version as a StorageError id.
func VersionID(version int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(version, 10))
}

// NewBatch groups operations for in-order processing.
func NewBatch(ops ...Operation) *BatchOperation {
	return &BatchOperation{Header: Header{Type: TypeBatch}, Operations: ops}
}

// NewSnapshot builds the base content notice sent ahead of replayed commands.
// An empty content is sent as null.
func NewSnapshot(version int64, content json.RawMessage) *SnapshotOperation {
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return &SnapshotOperation{Header: Header{Type: TypeSnapshot}, ContentVersion: version, Content: content}
}

// NewListClients asks peers to announce their members.
func NewListClients() *ListClientsOperation {
	return &ListClientsOperation{Header: Header{Type: TypeListClients}}
}

// NewPing builds a liveness probe.
func NewPing() *PingOperation {
	return &PingOperation{Header: Header{Type: TypePing}}
}
