package editproc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"collabsync/collab/editop"
	"collabsync/collab/editsession"
)

// presenceProcessor relays join and leave announcements from other nodes.
// Local announcements are produced by the session manager, never by clients.
type presenceProcessor struct {
	logger *zap.Logger
}

func (p *presenceProcessor) Process(_ context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	if op.Source() != editop.SourceRemote {
		p.logger.Warn("Ignoring client-sent presence",
			zap.String("document_id", session.DocumentID()),
			zap.String("session_id", contextID(sc)),
			zap.String("type", string(op.OpType())))
		return nil
	}
	session.SendToAllSessions(nil, op)
	return nil
}

type selectionProcessor struct {
	logger *zap.Logger
}

func (p *selectionProcessor) Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	sel, ok := op.(*editop.SelectionOperation)
	if !ok {
		return fmt.Errorf("%w: %T", errUnexpectedType, op)
	}

	if sel.Source() == editop.SourceRemote {
		session.SendToAllSessions(nil, sel)
		return nil
	}

	user, ok := session.User(sc)
	if !ok {
		return errNotMember
	}
	session.SendToOthers(ctx, editop.NewSelection(user, sc.ID(), sel.Selection), sc)
	return nil
}

// listClientsProcessor answers a peer that just created its session with one
// join per local member.
type listClientsProcessor struct {
	logger *zap.Logger
}

func (p *listClientsProcessor) Process(ctx context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	if op.Source() != editop.SourceRemote {
		p.logger.Debug("Ignoring client-sent listClients", zap.String("document_id", session.DocumentID()))
		return nil
	}
	for _, m := range session.Members() {
		session.Publish(ctx, editop.NewJoin(m.User, m.ID))
	}
	return nil
}

type pingProcessor struct {
	logger *zap.Logger
}

func (p *pingProcessor) Process(_ context.Context, session *editsession.EditingSession, sc editsession.Context, op editop.Operation) error {
	p.logger.Debug("Ping",
		zap.String("document_id", session.DocumentID()),
		zap.String("session_id", contextID(sc)),
		zap.Stringer("source", op.Source()))
	return nil
}

// ignoredProcessor drops server-to-client messages echoed back to the server.
type ignoredProcessor struct {
	logger *zap.Logger
	reason string
}

func (p *ignoredProcessor) Process(_ context.Context, session *editsession.EditingSession, _ editsession.Context, op editop.Operation) error {
	p.logger.Debug("Ignoring operation",
		zap.String("document_id", session.DocumentID()),
		zap.String("type", string(op.OpType())),
		zap.String("reason", p.reason))
	return nil
}
