package editop

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	payload := []byte(`{"type":"command","commandId":7,"command":{"op":"add","path":"/a","value":1}}`)

	op, err := Decode(payload, SourceLocal)
	require.NoError(t, err)

	cmd, ok := op.(*VersionedCommandOperation)
	require.True(t, ok, "expected command operation, got %T", op)
	assert.Equal(t, TypeCommand, cmd.OpType())
	assert.Equal(t, SourceLocal, cmd.Source())
	assert.Equal(t, json.RawMessage("7"), cmd.CommandID)
	assert.JSONEq(t, `{"op":"add","path":"/a","value":1}`, string(cmd.Command))
	assert.Zero(t, cmd.ContentVersion)
}

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		payload string
		want    Type
		check   func(t *testing.T, op Operation)
	}{
		{`{"type":"join","user":"alice","id":"s1"}`, TypeJoin, func(t *testing.T, op Operation) {
			jl := op.(*JoinLeaveOperation)
			assert.Equal(t, "alice", jl.User)
			assert.Equal(t, "s1", jl.ID)
		}},
		{`{"type":"leave","user":"bob","id":"s2"}`, TypeLeave, func(t *testing.T, op Operation) {
			assert.Equal(t, "bob", op.(*JoinLeaveOperation).User)
		}},
		{`{"type":"undo","contentVersion":3}`, TypeUndo, func(t *testing.T, op Operation) {
			assert.Equal(t, int64(3), op.(*VersionedOperation).ContentVersion)
		}},
		{`{"type":"redo","contentVersion":4}`, TypeRedo, func(t *testing.T, op Operation) {
			assert.Equal(t, int64(4), op.(*VersionedOperation).ContentVersion)
		}},
		{`{"type":"ack","contentVersion":9,"commandId":"c-1","ackType":"command"}`, TypeAck, func(t *testing.T, op Operation) {
			ack := op.(*VersionedAck)
			assert.Equal(t, int64(9), ack.ContentVersion)
			assert.Equal(t, TypeCommand, ack.AckType)
			assert.Equal(t, json.RawMessage(`"c-1"`), ack.CommandID)
		}},
		{`{"type":"storageError","id":12,"failedType":"undo"}`, TypeStorageError, func(t *testing.T, op Operation) {
			assert.Equal(t, TypeUndo, op.(*StorageError).FailedType)
		}},
		{`{"type":"selection","selection":{"path":"/x"}}`, TypeSelection, func(t *testing.T, op Operation) {
			assert.JSONEq(t, `{"path":"/x"}`, string(op.(*SelectionOperation).Selection))
		}},
		{`{"type":"deferred","action":"reload"}`, TypeDeferred, func(t *testing.T, op Operation) {
			assert.Equal(t, "reload", op.(*DeferredAction).Action)
		}},
		{`{"type":"snapshot","contentVersion":7,"content":{"title":"x"}}`, TypeSnapshot, func(t *testing.T, op Operation) {
			snap := op.(*SnapshotOperation)
			assert.Equal(t, int64(7), snap.ContentVersion)
			assert.JSONEq(t, `{"title":"x"}`, string(snap.Content))
		}},
		{`{"type":"ping"}`, TypePing, nil},
		{`{"type":"listClients"}`, TypeListClients, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			op, err := Decode([]byte(tt.payload), SourceRemote)
			require.NoError(t, err)
			assert.Equal(t, tt.want, op.OpType())
			assert.Equal(t, SourceRemote, op.Source())
			if tt.check != nil {
				tt.check(t, op)
			}
		})
	}
}

func TestDecodeBatchKeepsOrderAndSource(t *testing.T) {
	payload := []byte(`{"type":"batch","operations":[
		{"type":"command","command":{"n":1}},
		{"type":"undo","contentVersion":1},
		{"type":"batch","operations":[{"type":"redo","contentVersion":1}]}
	]}`)

	op, err := Decode(payload, SourceRemote)
	require.NoError(t, err)

	batch, ok := op.(*BatchOperation)
	require.True(t, ok)
	require.Len(t, batch.Operations, 3)
	assert.Equal(t, TypeCommand, batch.Operations[0].OpType())
	assert.Equal(t, TypeUndo, batch.Operations[1].OpType())
	assert.Equal(t, TypeBatch, batch.Operations[2].OpType())

	nested := batch.Operations[2].(*BatchOperation)
	require.Len(t, nested.Operations, 1)
	for _, child := range append(batch.Operations, nested.Operations...) {
		assert.Equal(t, SourceRemote, child.Source())
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"contentVersion":1}`), SourceLocal)
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`{"type":"teleport"}`), SourceLocal)
	assert.ErrorIs(t, err, ErrUnknownOperationType)
	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, Type("teleport"), unknown.Type)

	_, err = Decode([]byte(`{"type":`), SourceLocal)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownOperationType))

	_, err = Decode([]byte(`{"type":"batch","operations":[{"type":"nope"}]}`), SourceLocal)
	assert.ErrorIs(t, err, ErrUnknownOperationType)
}

func TestEncodeWritesTypeFirst(t *testing.T) {
	ops := []Operation{
		NewCommand(42, json.RawMessage(`{"k":"v"}`), "alice"),
		NewAck(TypeCommand, 1, json.RawMessage("7")),
		NewJoin("bob", "s1"),
		NewBatch(NewUndo(2), NewRedo(2)),
		NewStorageError(nil, TypeCommand),
	}
	for _, op := range ops {
		data, err := Encode(op)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), `{"type":"`+string(op.OpType())+`"`), string(data))
	}
}

func TestEncodeCommandWireShape(t *testing.T) {
	data, err := Encode(NewCommand(42, json.RawMessage(`{"x":1}`), "alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"command","contentVersion":42,"command":{"x":1},"author":"alice","reverted":false}`, string(data))

	data, err = Encode(NewStorageError(VersionID(5), TypeRedo))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"storageError","id":5,"failedType":"redo"}`, string(data))
}

func TestSourceIsNotSerialized(t *testing.T) {
	op := NewPing()
	op.SetSource(SourceRemote)

	data, err := Encode(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
	assert.Equal(t, "REMOTE", op.Source().String())
}

func TestSnapshotWithoutContentEncodesNull(t *testing.T) {
	data, err := Encode(NewSnapshot(3, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"snapshot","contentVersion":3,"content":null}`, string(data))
}
