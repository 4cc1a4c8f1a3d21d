package editproc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editsession"
)

// Dispatcher decodes client payloads and routes operations to processors.
type Dispatcher struct {
	registry *Registry
	metrics  *Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		metrics:  metrics,
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch decodes raw with the given source and routes it. Decode and
// routing failures are logged and returned; the session is unaffected.
func (d *Dispatcher) Dispatch(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, raw []byte, source editop.Source) error {
	op, err := editop.Decode(raw, source)
	if err != nil {
		d.metrics.decodeFailure()
		d.logger.Warn("Dropping undecodable operation",
			zap.String("document_id", session.DocumentID()),
			zap.String("session_id", contextID(sc)),
			zap.Error(err))
		return err
	}
	return d.DispatchOperation(ctx, session, sc, op)
}

// DispatchOperation routes an already decoded operation. Batches are expanded
// in order; a failing element is logged and the rest still run.
func (d *Dispatcher) DispatchOperation(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) (err error) {
	if batch, ok := op.(*editop.BatchOperation); ok {
		d.metrics.operation(op)
		for i, child := range batch.Operations {
			if err := d.DispatchOperation(ctx, session, sc, child); err != nil {
				d.logger.Debug("Batch element failed",
					zap.String("document_id", session.DocumentID()),
					zap.Int("index", i),
					zap.Error(err))
			}
		}
		return nil
	}

	processor, ok := d.registry.Lookup(op.OpType())
	if !ok {
		err := &editop.UnknownTypeError{Type: op.OpType()}
		d.logger.Warn("No processor for operation",
			zap.String("document_id", session.DocumentID()),
			zap.String("type", string(op.OpType())))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor for %s panicked: %v", op.OpType(), r)
			d.logger.Error("Processor panicked",
				zap.String("document_id", session.DocumentID()),
				zap.String("type", string(op.OpType())),
				zap.Any("panic", r))
		}
	}()

	d.metrics.operation(op)
	if err := processor.Process(ctx, session, sc, op); err != nil {
		d.logger.Warn("Operation failed",
			zap.String("document_id", session.DocumentID()),
			zap.String("session_id", contextID(sc)),
			zap.String("type", string(op.OpType())),
			zap.Stringer("source", op.Source()),
			zap.Error(err))
		return err
	}
	return nil
}

func contextID(sc editsession.Context) string {
	if sc == nil {
		return ""
	}
	return sc.ID()
}
