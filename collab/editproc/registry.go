// Package editproc routes decoded operations to the processor registered for
// their type.
package editproc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editsession"
	"collabsync/collab/editstore"
)

const defaultStorageTimeout = 10 * time.Second

// Processor handles one operation type. sc is nil for operations that arrived
// from the bus.
type Processor interface {
	Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	return f(ctx, session, sc, op)
}

// Registration binds a processor to a type.
type Registration struct {
	Type      editop.Type
	Processor Processor
}

// Registry maps operation types to processors. It is immutable once built.
type Registry struct {
	processors map[editop.Type]Processor
}

// NewRegistryFrom builds a registry from explicit registrations. Registering
// a type twice, or a type the codec cannot decode, is an error. Batches are
// expanded by the Dispatcher and cannot be registered.
func NewRegistryFrom(registrations ...Registration) (*Registry, error) {
	processors := make(map[editop.Type]Processor, len(registrations))
	for _, r := range registrations {
		if r.Type == editop.TypeBatch {
			return nil, fmt.Errorf("batch operations are expanded by the dispatcher")
		}
		if !editop.Known(r.Type) {
			return nil, fmt.Errorf("no operation variant for %q", r.Type)
		}
		if _, dup := processors[r.Type]; dup {
			return nil, fmt.Errorf("duplicate processor for %q", r.Type)
		}
		processors[r.Type] = r.Processor
	}
	return &Registry{processors: processors}, nil
}

// Lookup returns the processor for t.
func (r *Registry) Lookup(t editop.Type) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}

// Dependencies are the collaborators shared by the default processors.
type Dependencies struct {
	Storage        editstore.Storage
	StorageTimeout time.Duration
	Metrics        *Metrics
	Logger         *zap.Logger
}

// NewRegistry builds the registry with a processor for every non-batch
// operation type.
func NewRegistry(deps Dependencies) *Registry {
	if deps.StorageTimeout <= 0 {
		deps.StorageTimeout = defaultStorageTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("processor")

	ignored := func(reason string) Processor {
		return &ignoredProcessor{logger: logger, reason: reason}
	}

	registry, err := NewRegistryFrom(
		Registration{editop.TypeCommand, &commandProcessor{deps: deps, logger: logger}},
		Registration{editop.TypeUndo, newToggleProcessor(editop.TypeUndo, deps, logger)},
		Registration{editop.TypeRedo, newToggleProcessor(editop.TypeRedo, deps, logger)},
		Registration{editop.TypeJoin, &presenceProcessor{logger: logger}},
		Registration{editop.TypeLeave, &presenceProcessor{logger: logger}},
		Registration{editop.TypeSelection, &selectionProcessor{logger: logger}},
		Registration{editop.TypeListClients, &listClientsProcessor{logger: logger}},
		Registration{editop.TypePing, &pingProcessor{logger: logger}},
		Registration{editop.TypeAck, ignored("acks are sent by the server")},
		Registration{editop.TypeStorageError, ignored("storage errors are sent by the server")},
		Registration{editop.TypeDeferred, ignored("deferred actions have no document effect")},
		Registration{editop.TypeSnapshot, ignored("snapshots are sent by the server")},
	)
	if err != nil {
		// The registration list above is fixed.
		panic(err)
	}
	return registry
}
