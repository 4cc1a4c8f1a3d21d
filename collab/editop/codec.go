package editop

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingType is returned when a payload carries no "type" field.
	ErrMissingType = errors.New("operation type is missing")
	// ErrUnknownOperationType matches every *UnknownTypeError.
	ErrUnknownOperationType = errors.New("unknown operation type")
)

// UnknownTypeError reports a discriminator with no registered variant.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown operation type %q", string(e.Type))
}

// Is lets errors.Is match ErrUnknownOperationType.
func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownOperationType
}

var variants = map[Type]func() Operation{
	TypeBatch:        func() Operation { return &BatchOperation{} },
	TypeCommand:      func() Operation { return &VersionedCommandOperation{} },
	TypeJoin:         func() Operation { return &JoinLeaveOperation{} },
	TypeLeave:        func() Operation { return &JoinLeaveOperation{} },
	TypeSelection:    func() Operation { return &SelectionOperation{} },
	TypeUndo:         func() Operation { return &VersionedOperation{} },
	TypeRedo:         func() Operation { return &VersionedOperation{} },
	TypeAck:          func() Operation { return &VersionedAck{} },
	TypeDeferred:     func() Operation { return &DeferredAction{} },
	TypeStorageError: func() Operation { return &StorageError{} },
	TypePing:         func() Operation { return &PingOperation{} },
	TypeListClients:  func() Operation { return &ListClientsOperation{} },
	TypeSnapshot:     func() Operation { return &SnapshotOperation{} },
}

// Known reports whether t is a recognised discriminator.
func Known(t Type) bool {
	_, ok := variants[t]
	return ok
}

// Decode parses a single operation and tags it, and any nested operations,
// with source.
func Decode(data []byte, source Source) (Operation, error) {
	var header struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("malformed operation: %w", err)
	}
	if header.Type == "" {
		return nil, ErrMissingType
	}

	factory, ok := variants[header.Type]
	if !ok {
		return nil, &UnknownTypeError{Type: header.Type}
	}

	op := factory()
	// Nested batch elements read the source from the header before decoding.
	op.SetSource(source)
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("malformed %s operation: %w", header.Type, err)
	}
	op.SetSource(source)
	return op, nil
}

// Encode serializes an operation. The discriminator is always the first key.
func Encode(op Operation) ([]byte, error) {
	if op == nil {
		return nil, errors.New("cannot encode nil operation")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s operation: %w", op.OpType(), err)
	}
	return data, nil
}
