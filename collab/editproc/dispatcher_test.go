package editproc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collabsync/collab/editbus"
	"collabsync/collab/editop"
	"collabsync/collab/editsession"
	"collabsync/collab/editstore"
)

type fakeContext struct {
	id string

	mu  sync.Mutex
	ops []editop.Operation
}

func newFakeContext(id string) *fakeContext { return &fakeContext{id: id} }

func (c *fakeContext) ID() string { return c.id }

func (c *fakeContext) Send(op editop.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	return nil
}

func (c *fakeContext) received() []editop.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]editop.Operation(nil), c.ops...)
}

// since returns the operations received after the first n.
func (c *fakeContext) since(n int) []editop.Operation {
	ops := c.received()
	if n >= len(ops) {
		return nil
	}
	return ops[n:]
}

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) AppendCommand(ctx context.Context, user, documentID string, command json.RawMessage) (int64, error) {
	args := m.Called(ctx, user, documentID, command)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStorage) UndoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	args := m.Called(ctx, user, documentID, version)
	return args.Bool(0), args.Error(1)
}

func (m *mockStorage) RedoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	args := m.Called(ctx, user, documentID, version)
	return args.Bool(0), args.Error(1)
}

func (m *mockStorage) ListCommandsSince(ctx context.Context, user, documentID string, since int64) ([]editstore.Command, error) {
	args := m.Called(ctx, user, documentID, since)
	return args.Get(0).([]editstore.Command), args.Error(1)
}

func (m *mockStorage) RollupCommands(ctx context.Context, documentID string) error {
	return m.Called(ctx, documentID).Error(0)
}

func (m *mockStorage) LoadDocument(ctx context.Context, documentID string) (*editstore.Document, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).(*editstore.Document), args.Error(1)
}

func (m *mockStorage) Close() error { return nil }

// testNode is one server node: a bus on the shared hub, a dispatcher and a
// session manager wired the way the server wires them.
type testNode struct {
	bus        *editbus.SessionBus
	dispatcher *Dispatcher
	manager    *editsession.Manager
}

func newTestNode(t *testing.T, hub *editbus.MemoryHub, nodeID string, store editstore.Storage) *testNode {
	t.Helper()
	bus := editbus.NewSessionBus(hub.Transport(), editbus.SessionConfig{NodeID: nodeID})
	t.Cleanup(func() { _ = bus.Close() })

	dispatcher := NewDispatcher(NewRegistry(Dependencies{Storage: store}), NewMetrics(nil), nil)
	manager := editsession.NewManager(bus, func(ctx context.Context, s *editsession.EditingSession, op editop.Operation) {
		_ = dispatcher.DispatchOperation(ctx, s, nil, op)
	}, nil)
	return &testNode{bus: bus, dispatcher: dispatcher, manager: manager}
}

// observer joins the hub as a bare node and records every operation published.
type observer struct {
	mu  sync.Mutex
	ops []editop.Operation
}

func newObserver(t *testing.T, hub *editbus.MemoryHub, documentID string) *observer {
	t.Helper()
	o := &observer{}
	bus := editbus.NewSessionBus(hub.Transport(), editbus.SessionConfig{NodeID: "observer"})
	t.Cleanup(func() { _ = bus.Close() })
	_, err := bus.JoinSession(context.Background(), documentID, func(_ context.Context, op editop.Operation) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.ops = append(o.ops, op)
	})
	require.NoError(t, err)
	return o
}

func (o *observer) ofType(t editop.Type) []editop.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []editop.Operation
	for _, op := range o.ops {
		if op.OpType() == t {
			out = append(out, op)
		}
	}
	return out
}

func TestCommandAckCorrelation(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	node := newTestNode(t, hub, "node-a", editstore.NewMemoryStorage(nil))

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)
	aliceSeen, bobSeen := len(alice.received()), len(bob.received())

	err = node.dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"command","commandId":7,"command":{"x":1}}`), editop.SourceLocal)
	require.NoError(t, err)

	toAlice := alice.since(aliceSeen)
	require.Len(t, toAlice, 1)
	ack, ok := toAlice[0].(*editop.VersionedAck)
	require.True(t, ok)
	assert.Equal(t, editop.TypeCommand, ack.AckType)
	assert.Equal(t, int64(1), ack.ContentVersion)
	assert.Equal(t, json.RawMessage("7"), ack.CommandID)

	toBob := bob.since(bobSeen)
	require.Len(t, toBob, 1)
	full := toBob[0].(*editop.VersionedCommandOperation)
	assert.Equal(t, int64(1), full.ContentVersion)
	assert.Equal(t, "alice", full.Author)
	assert.False(t, full.Reverted)
	assert.JSONEq(t, `{"x":1}`, string(full.Command))

	require.Eventually(t, func() bool { return len(obs.ofType(editop.TypeCommand)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeCommand)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCommandStorageFailureOnlyReachesOriginator(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")

	store := &mockStorage{}
	store.On("AppendCommand", mock.Anything, "alice", "doc", mock.Anything).Return(int64(0), errors.New("disk full"))
	node := newTestNode(t, hub, "node-a", store)

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)
	aliceSeen, bobSeen := len(alice.received()), len(bob.received())

	err = node.dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"command","commandId":"c-9","command":{}}`), editop.SourceLocal)
	require.NoError(t, err)

	toAlice := alice.since(aliceSeen)
	require.Len(t, toAlice, 1)
	storageErr, ok := toAlice[0].(*editop.StorageError)
	require.True(t, ok)
	assert.Equal(t, editop.TypeCommand, storageErr.FailedType)
	assert.Equal(t, json.RawMessage(`"c-9"`), storageErr.ID)

	assert.Empty(t, bob.since(bobSeen))
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeCommand)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	store.AssertExpectations(t)
}

func TestUndoRedoIdempotence(t *testing.T) {
	ctx := context.Background()
	store := editstore.NewMemoryStorage(nil)
	_, err := store.AppendCommand(ctx, "alice", "doc", json.RawMessage(`{}`))
	require.NoError(t, err)

	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	node := newTestNode(t, hub, "node-a", store)

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)
	aliceSeen, bobSeen := len(alice.received()), len(bob.received())

	undo := []byte(`{"type":"undo","contentVersion":1}`)
	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, undo, editop.SourceLocal))

	toAlice := alice.since(aliceSeen)
	require.Len(t, toAlice, 1)
	assert.Equal(t, editop.NewAck(editop.TypeUndo, 1, nil), toAlice[0])
	toBob := bob.since(bobSeen)
	require.Len(t, toBob, 1)
	assert.Equal(t, editop.NewUndo(1), toBob[0])
	require.Eventually(t, func() bool { return len(obs.ofType(editop.TypeUndo)) == 1 }, time.Second, 5*time.Millisecond)

	// The second undo of the same version is a no-op.
	aliceSeen, bobSeen = len(alice.received()), len(bob.received())
	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, undo, editop.SourceLocal))
	assert.Empty(t, alice.since(aliceSeen))
	assert.Empty(t, bob.since(bobSeen))
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeUndo)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	redo := []byte(`{"type":"redo","contentVersion":1}`)
	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, redo, editop.SourceLocal))
	assert.Equal(t, editop.NewAck(editop.TypeRedo, 1, nil), alice.since(aliceSeen)[0])
	assert.Equal(t, editop.NewRedo(1), bob.since(bobSeen)[0])
}

func TestUndoUnknownVersionIsSilent(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	node := newTestNode(t, hub, "node-a", editstore.NewMemoryStorage(nil))

	alice := newFakeContext("s-alice")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	seen := len(alice.received())

	err = node.dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"undo","contentVersion":999}`), editop.SourceLocal)
	require.NoError(t, err)

	assert.Empty(t, alice.since(seen))
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeUndo)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUndoStorageFailureReportsVersion(t *testing.T) {
	ctx := context.Background()
	store := &mockStorage{}
	store.On("UndoContent", mock.Anything, "alice", "doc", int64(4)).Return(false, errors.New("timeout"))
	node := newTestNode(t, editbus.NewMemoryHub(), "node-a", store)

	alice := newFakeContext("s-alice")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	seen := len(alice.received())

	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"undo","contentVersion":4}`), editop.SourceLocal))

	got := alice.since(seen)
	require.Len(t, got, 1)
	assert.Equal(t, editop.NewStorageError(json.RawMessage("4"), editop.TypeUndo), got[0])
	store.AssertExpectations(t)
}

func TestRemoteCommandFansOutWithoutStorage(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	store := &mockStorage{}
	node := newTestNode(t, hub, "node-a", store)

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)
	aliceSeen, bobSeen := len(alice.received()), len(bob.received())

	remote := editop.NewCommand(12, json.RawMessage(`{"y":2}`), "carol")
	remote.SetSource(editop.SourceRemote)
	require.NoError(t, node.dispatcher.DispatchOperation(ctx, session, nil, remote))

	assert.Equal(t, []editop.Operation{remote}, alice.since(aliceSeen))
	assert.Equal(t, []editop.Operation{remote}, bob.since(bobSeen))
	store.AssertNotCalled(t, "AppendCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeCommand)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBatchIsProcessedInOrder(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, editbus.NewMemoryHub(), "node-a", editstore.NewMemoryStorage(nil))

	alice := newFakeContext("s-alice")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	seen := len(alice.received())

	batch := []byte(`{"type":"batch","operations":[
		{"type":"command","commandId":1,"command":{}},
		{"type":"command","commandId":2,"command":{}},
		{"type":"leave","user":"mallory","id":"x"},
		{"type":"undo","contentVersion":1}
	]}`)
	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, batch, editop.SourceLocal))

	got := alice.since(seen)
	require.Len(t, got, 3)
	assert.Equal(t, editop.NewAck(editop.TypeCommand, 1, json.RawMessage("1")), got[0])
	assert.Equal(t, editop.NewAck(editop.TypeCommand, 2, json.RawMessage("2")), got[1])
	assert.Equal(t, editop.NewAck(editop.TypeUndo, 1, nil), got[2])
}

func TestUnknownTypeIsReportedNotFatal(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistryFrom()
	require.NoError(t, err)
	dispatcher := NewDispatcher(registry, nil, nil)

	node := newTestNode(t, editbus.NewMemoryHub(), "node-a", editstore.NewMemoryStorage(nil))
	alice := newFakeContext("s-alice")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)

	err = dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"ping"}`), editop.SourceLocal)
	assert.ErrorIs(t, err, editop.ErrUnknownOperationType)

	err = dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"warp"}`), editop.SourceLocal)
	assert.ErrorIs(t, err, editop.ErrUnknownOperationType)

	err = dispatcher.Dispatch(ctx, session, alice, []byte(`{"command":{}}`), editop.SourceLocal)
	assert.ErrorIs(t, err, editop.ErrMissingType)

	// The session keeps working afterwards.
	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"ping"}`), editop.SourceLocal))
}

func TestProcessorPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistryFrom(Registration{
		Type: editop.TypePing,
		Processor: ProcessorFunc(func(context.Context, *editsession.EditingSession, editsession.Context, editop.Operation) error {
			panic("boom")
		}),
	})
	require.NoError(t, err)
	dispatcher := NewDispatcher(registry, nil, nil)

	node := newTestNode(t, editbus.NewMemoryHub(), "node-a", editstore.NewMemoryStorage(nil))
	session, err := node.manager.Join(ctx, "doc", newFakeContext("s"), "alice")
	require.NoError(t, err)

	err = dispatcher.DispatchOperation(ctx, session, nil, editop.NewPing())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	noop := ProcessorFunc(func(context.Context, *editsession.EditingSession, editsession.Context, editop.Operation) error { return nil })

	_, err := NewRegistryFrom(Registration{editop.TypePing, noop}, Registration{editop.TypePing, noop})
	assert.Error(t, err)

	_, err = NewRegistryFrom(Registration{editop.TypeBatch, noop})
	assert.Error(t, err)

	_, err = NewRegistryFrom(Registration{editop.Type("cursor"), noop})
	assert.ErrorContains(t, err, "no operation variant")

	registry := NewRegistry(Dependencies{Storage: editstore.NewMemoryStorage(nil)})
	for _, typ := range []editop.Type{
		editop.TypeCommand, editop.TypeJoin, editop.TypeLeave, editop.TypeSelection,
		editop.TypeUndo, editop.TypeRedo, editop.TypeAck, editop.TypeDeferred,
		editop.TypeStorageError, editop.TypePing, editop.TypeListClients, editop.TypeSnapshot,
	} {
		_, ok := registry.Lookup(typ)
		assert.True(t, ok, "missing processor for %s", typ)
	}
}

func TestSelectionIsStampedAndRelayed(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	node := newTestNode(t, hub, "node-a", editstore.NewMemoryStorage(nil))

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := node.manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)
	bobSeen := len(bob.received())

	require.NoError(t, node.dispatcher.Dispatch(ctx, session, alice,
		[]byte(`{"type":"selection","user":"spoofed","selection":{"path":"/a"}}`), editop.SourceLocal))

	got := bob.since(bobSeen)
	require.Len(t, got, 1)
	sel := got[0].(*editop.SelectionOperation)
	assert.Equal(t, "alice", sel.User)
	assert.Equal(t, "s-alice", sel.ID)
	require.Eventually(t, func() bool { return len(obs.ofType(editop.TypeSelection)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestListClientsRepliesWithLocalMembers(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	obs := newObserver(t, hub, "doc")
	node := newTestNode(t, hub, "node-a", editstore.NewMemoryStorage(nil))

	session, err := node.manager.Join(ctx, "doc", newFakeContext("s-alice"), "alice")
	require.NoError(t, err)
	_, err = node.manager.Join(ctx, "doc", newFakeContext("s-bob"), "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(obs.ofType(editop.TypeJoin)) == 2 }, time.Second, 5*time.Millisecond)

	remote := editop.NewListClients()
	remote.SetSource(editop.SourceRemote)
	require.NoError(t, node.dispatcher.DispatchOperation(ctx, session, nil, remote))

	require.Eventually(t, func() bool { return len(obs.ofType(editop.TypeJoin)) == 4 }, time.Second, 5*time.Millisecond)
	users := map[string]bool{}
	for _, op := range obs.ofType(editop.TypeJoin)[2:] {
		users[op.(*editop.JoinLeaveOperation).User] = true
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, users)
}

// loopbackBus re-injects every published operation into the dispatcher as if
// a broker had echoed it back, bypassing any node-id filtering.
type loopbackBus struct {
	dispatcher *Dispatcher
	manager    *editsession.Manager
	published  atomic.Int32
	remote     atomic.Int32
}

func (b *loopbackBus) JoinSession(context.Context, string, editbus.OperationHandler) (editbus.Channel, error) {
	return &loopbackChannel{bus: b}, nil
}

func (b *loopbackBus) SessionType() string { return "loopback" }

func (b *loopbackBus) Close() error { return nil }

type loopbackChannel struct {
	bus *loopbackBus
}

func (c *loopbackChannel) SendOperation(ctx context.Context, op editop.Operation) {
	if c.bus.published.Add(1) > 100 {
		panic("publication storm")
	}
	if op.Source() == editop.SourceRemote {
		c.bus.remote.Add(1)
		return
	}
	data, err := editop.Encode(op)
	if err != nil {
		panic(err)
	}
	echoed, err := editop.Decode(data, editop.SourceRemote)
	if err != nil {
		panic(err)
	}
	session, ok := c.bus.manager.Session("doc")
	if !ok {
		panic("no session")
	}
	_ = c.bus.dispatcher.DispatchOperation(ctx, session, nil, echoed)
}

func (c *loopbackChannel) Close() error { return nil }

func TestEchoingBusDoesNotAmplify(t *testing.T) {
	ctx := context.Background()
	dispatcher := NewDispatcher(NewRegistry(Dependencies{Storage: editstore.NewMemoryStorage(nil)}), nil, nil)

	bus := &loopbackBus{dispatcher: dispatcher}
	manager := editsession.NewManager(bus, nil, nil)
	bus.manager = manager

	alice, bob := newFakeContext("s-alice"), newFakeContext("s-bob")
	session, err := manager.Join(ctx, "doc", alice, "alice")
	require.NoError(t, err)
	_, err = manager.Join(ctx, "doc", bob, "bob")
	require.NoError(t, err)

	before := bus.published.Load()
	require.NoError(t, dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"command","command":{}}`), editop.SourceLocal))
	require.NoError(t, dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"selection","selection":{"path":"/a"}}`), editop.SourceLocal))
	require.NoError(t, dispatcher.Dispatch(ctx, session, alice, []byte(`{"type":"undo","contentVersion":1}`), editop.SourceLocal))

	assert.Equal(t, before+3, bus.published.Load(), "one publication per local operation, none for its echo")
	assert.Zero(t, bus.remote.Load(), "remote operations must never be offered to the bus")
}

func TestTwoNodesEndToEnd(t *testing.T) {
	ctx := context.Background()
	hub := editbus.NewMemoryHub()
	store := editstore.NewMemoryStorage(nil)
	obs := newObserver(t, hub, "doc")
	nodeA := newTestNode(t, hub, "node-a", store)
	nodeB := newTestNode(t, hub, "node-b", store)

	clientA, clientB := newFakeContext("s-a"), newFakeContext("s-b")
	sessionA, err := nodeA.manager.Join(ctx, "doc", clientA, "alice")
	require.NoError(t, err)
	_, err = nodeB.manager.Join(ctx, "doc", clientB, "bob")
	require.NoError(t, err)

	aSeen := len(clientA.received())
	require.NoError(t, nodeA.dispatcher.Dispatch(ctx, sessionA, clientA,
		[]byte(`{"type":"command","commandId":1,"command":{"x":1}}`), editop.SourceLocal))

	require.Eventually(t, func() bool {
		for _, op := range clientA.since(aSeen) {
			if ack, ok := op.(*editop.VersionedAck); ok && ack.ContentVersion == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var full *editop.VersionedCommandOperation
	require.Eventually(t, func() bool {
		for _, op := range clientB.received() {
			if cmd, ok := op.(*editop.VersionedCommandOperation); ok {
				full = cmd
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), full.ContentVersion)
	assert.Equal(t, "alice", full.Author)
	assert.Equal(t, editop.SourceRemote, full.Source())

	// Only node A ever publishes the command.
	assert.Never(t, func() bool { return len(obs.ofType(editop.TypeCommand)) > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, obs.ofType(editop.TypeCommand), 1)
}
