package editproc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editsession"
)

var (
	errNotMember      = errors.New("connection has not joined the session")
	errUnexpectedType = errors.New("unexpected operation variant")
)

// commandProcessor persists a client's command, acknowledges it to the
// sender and fans the versioned command out.
type commandProcessor struct {
	deps   Dependencies
	logger *zap.Logger
}

func (p *commandProcessor) Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	cmd, ok := op.(*editop.VersionedCommandOperation)
	if !ok {
		return fmt.Errorf("%w: %T", errUnexpectedType, op)
	}

	if cmd.Source() == editop.SourceRemote {
		session.SendToAllSessions(nil, cmd)
		return nil
	}

	user, ok := session.User(sc)
	if !ok {
		return errNotMember
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.deps.StorageTimeout)
	version, err := p.deps.Storage.AppendCommand(storeCtx, user, session.DocumentID(), cmd.Command)
	cancel()
	if err != nil {
		p.deps.Metrics.storageFailure(editop.TypeCommand)
		p.logger.Error("Failed to store command",
			zap.String("document_id", session.DocumentID()),
			zap.String("session_id", sc.ID()),
			zap.String("user", user),
			zap.Error(err))
		session.SendTo(editop.NewStorageError(cmd.CommandID, editop.TypeCommand), sc)
		return nil
	}

	session.SendTo(editop.NewAck(editop.TypeCommand, version, cmd.CommandID), sc)
	session.SendToOthers(ctx, editop.NewCommand(version, cmd.Command, user), sc)

	p.logger.Debug("Command applied",
		zap.String("document_id", session.DocumentID()),
		zap.String("user", user),
		zap.Int64("content_version", version))
	return nil
}

// toggleProcessor handles undo and redo, which differ only in the storage
// call and the operation type they emit.
type toggleProcessor struct {
	kind   editop.Type
	toggle func(ctx context.Context, user, documentID string, version int64) (bool, error)
	notify func(version int64) *editop.VersionedOperation
	deps   Dependencies
	logger *zap.Logger
}

func newToggleProcessor(kind editop.Type, deps Dependencies, logger *zap.Logger) *toggleProcessor {
	p := &toggleProcessor{kind: kind, deps: deps, logger: logger}
	if kind == editop.TypeUndo {
		p.toggle = deps.Storage.UndoContent
		p.notify = editop.NewUndo
	} else {
		p.toggle = deps.Storage.RedoContent
		p.notify = editop.NewRedo
	}
	return p
}

func (p *toggleProcessor) Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	vop, ok := op.(*editop.VersionedOperation)
	if !ok {
		return fmt.Errorf("%w: %T", errUnexpectedType, op)
	}

	if vop.Source() == editop.SourceRemote {
		session.SendToAllSessions(nil, vop)
		return nil
	}

	user, ok := session.User(sc)
	if !ok {
		return errNotMember
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.deps.StorageTimeout)
	changed, err := p.toggle(storeCtx, user, session.DocumentID(), vop.ContentVersion)
	cancel()
	if err != nil {
		p.deps.Metrics.storageFailure(p.kind)
		p.logger.Error("Failed to toggle command",
			zap.String("document_id", session.DocumentID()),
			zap.String("type", string(p.kind)),
			zap.Int64("content_version", vop.ContentVersion),
			zap.Error(err))
		session.SendTo(editop.NewStorageError(editop.VersionID(vop.ContentVersion), p.kind), sc)
		return nil
	}
	if !changed {
		p.logger.Debug("Toggle had no effect",
			zap.String("document_id", session.DocumentID()),
			zap.String("type", string(p.kind)),
			zap.Int64("content_version", vop.ContentVersion))
		return nil
	}

	session.SendTo(editop.NewAck(p.kind, vop.ContentVersion, nil), sc)
	session.SendToOthers(ctx, p.notify(vop.ContentVersion), sc)
	return nil
}
