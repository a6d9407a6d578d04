package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/MarcoPoloResearchLab/easel/internal/queue"
	"github.com/MarcoPoloResearchLab/easel/internal/transport"
)

func floatPointer(value float64) *float64 {
	return &value
}

func stringPointer(value string) *string {
	return &value
}

type fakeSender struct {
	mu           sync.Mutex
	submitted    []op.Operation
	catchUp      transport.CatchUpResponse
	catchUpCalls []op.LogicalTime
}

func (f *fakeSender) SubmitOperation(ctx context.Context, operation op.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, operation)
	return nil
}

func (f *fakeSender) CatchUp(ctx context.Context, lastSeen op.LogicalTime) (transport.CatchUpResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catchUpCalls = append(f.catchUpCalls, lastSeen)
	return f.catchUp, nil
}

func (f *fakeSender) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeSender) lastCatchUpFrom() (op.LogicalTime, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.catchUpCalls) == 0 {
		return 0, false
	}
	return f.catchUpCalls[len(f.catchUpCalls)-1], true
}

type sessionHarness struct {
	session     *Session
	sender      *fakeSender
	queue       *queue.Store
	relayEvents chan transport.Event
	peerOps     chan op.Operation
}

func startSession(t *testing.T, mutate func(*Config)) *sessionHarness {
	t.Helper()
	sender := &fakeSender{}
	queueStore, err := queue.Open(queue.StoreConfig{Path: filepath.Join(t.TempDir(), "queue.db")})
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { queueStore.Close() })

	cfg := Config{
		AuthorID: "amy",
		Sender:   sender,
		Queue:    queueStore,
		// Keep the periodic flush out of the way; tests drive sync explicitly.
		FlushInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	editSession, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	relayEvents := make(chan transport.Event, 8)
	peerOps := make(chan op.Operation, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go editSession.Run(ctx, relayEvents, peerOps)

	return &sessionHarness{
		session:     editSession,
		sender:      sender,
		queue:       queueStore,
		relayEvents: relayEvents,
		peerOps:     peerOps,
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func (h *sessionHarness) connect(t *testing.T) {
	t.Helper()
	h.relayEvents <- transport.Event{State: transport.StateConnected}
	waitFor(t, "session to observe the connected state", func() bool {
		state, err := h.session.State(context.Background())
		return err == nil && state == transport.StateConnected
	})
}

func (h *sessionHarness) objects(t *testing.T) []canvas.CanvasObject {
	t.Helper()
	objects, err := h.session.Objects(context.Background())
	if err != nil {
		t.Fatalf("objects failed: %v", err)
	}
	return objects
}

func (h *sessionHarness) pendingCount(t *testing.T) int {
	t.Helper()
	count, err := h.queue.Len()
	if err != nil {
		t.Fatalf("queue len failed: %v", err)
	}
	return count
}

func rectangleIntent(targetID string) Intent {
	return Intent{
		Kind:     op.KindAdd,
		TargetID: targetID,
		Payload: op.Payload{
			Shape:  op.ShapeRectangle,
			X:      floatPointer(10),
			Y:      floatPointer(20),
			Width:  floatPointer(100),
			Height: floatPointer(50),
		},
	}
}

func remoteRectangleAdd(operationID, targetID, authorID string, logicalTime op.LogicalTime) op.Operation {
	return op.Operation{
		ID:       operationID,
		Kind:     op.KindAdd,
		TargetID: targetID,
		AuthorID: authorID,
		Payload: op.Payload{
			Shape:  op.ShapeRectangle,
			X:      floatPointer(0),
			Y:      floatPointer(0),
			Width:  floatPointer(10),
			Height: floatPointer(10),
		},
		LogicalTime: logicalTime,
	}
}

func TestSubmitEditWhileDisconnectedQueuesOperation(t *testing.T) {
	harness := startSession(t, nil)

	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}

	objects := harness.objects(t)
	if len(objects) != 1 || objects[0].ID != "obj-1" {
		t.Fatalf("expected optimistic local apply, got %+v", objects)
	}
	if harness.sender.submittedCount() != 0 {
		t.Fatal("expected no relay delivery while disconnected")
	}
	if harness.pendingCount(t) != 1 {
		t.Fatalf("expected operation queued for later delivery, got %d pending", harness.pendingCount(t))
	}
}

func TestSubmitEditWhileConnectedDeliversDirectly(t *testing.T) {
	harness := startSession(t, nil)
	harness.connect(t)

	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}

	waitFor(t, "relay delivery", func() bool { return harness.sender.submittedCount() == 1 })
	if harness.pendingCount(t) != 0 {
		t.Fatalf("expected nothing queued after direct delivery, got %d", harness.pendingCount(t))
	}
}

func TestReconnectFlushesQueuedOperations(t *testing.T) {
	harness := startSession(t, nil)

	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}
	if harness.pendingCount(t) != 1 {
		t.Fatal("expected operation queued while offline")
	}

	harness.connect(t)

	waitFor(t, "queued operation flushed on reconnect", func() bool {
		return harness.sender.submittedCount() == 1
	})
	waitFor(t, "queue drained after flush", func() bool {
		count, err := harness.queue.Len()
		return err == nil && count == 0
	})
}

func TestCatchUpSeedsStateAndAppliesNewerOperations(t *testing.T) {
	harness := startSession(t, nil)
	harness.sender.catchUp = transport.CatchUpResponse{
		Snapshot: []canvas.CanvasObject{
			{ID: "obj-1", Shape: op.ShapeRectangle, X: 10, Y: 20, Width: 100, Height: 50, Version: 1, OwnerID: "bob"},
		},
		OperationsSince: []op.Operation{
			{
				ID:            "op-color",
				Kind:          op.KindUpdate,
				TargetID:      "obj-1",
				AuthorID:      "bob",
				Payload:       op.Payload{FillColor: stringPointer("#ff0000")},
				LogicalTime:   500,
				ObjectVersion: 1,
			},
		},
	}

	harness.connect(t)

	waitFor(t, "snapshot and newer operations applied", func() bool {
		objects, err := harness.session.Objects(context.Background())
		return err == nil && len(objects) == 1 && objects[0].FillColor == "#ff0000"
	})
	objects := harness.objects(t)
	if objects[0].Version != 2 {
		t.Fatalf("expected snapshot version plus one applied update, got %d", objects[0].Version)
	}
}

func TestRemoteOperationDeliveredOnBothPathsAppliesOnce(t *testing.T) {
	harness := startSession(t, nil)
	operation := remoteRectangleAdd("op-1", "obj-1", "bob", 100)

	harness.peerOps <- operation
	waitFor(t, "peer delivery applied", func() bool {
		objects, err := harness.session.Objects(context.Background())
		return err == nil && len(objects) == 1
	})

	harness.relayEvents <- transport.Event{Operation: &operation}
	// Give the relay echo a chance to be (wrongly) applied before checking.
	time.Sleep(50 * time.Millisecond)

	objects := harness.objects(t)
	if len(objects) != 1 {
		t.Fatalf("expected a single object, got %d", len(objects))
	}
	if objects[0].Version != 1 {
		t.Fatalf("expected the echo deduplicated, got version %d", objects[0].Version)
	}
}

func TestRemoteDeleteRemovesLocalObject(t *testing.T) {
	harness := startSession(t, nil)
	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}

	harness.peerOps <- op.Operation{
		ID:            "op-del",
		Kind:          op.KindDelete,
		TargetID:      "obj-1",
		AuthorID:      "bob",
		LogicalTime:   900,
		ObjectVersion: 1,
	}

	waitFor(t, "remote delete applied", func() bool {
		objects, err := harness.session.Objects(context.Background())
		return err == nil && len(objects) == 0
	})
}

func TestUndoRestoresStateAndBroadcastsInverse(t *testing.T) {
	var broadcastMu sync.Mutex
	var broadcast []op.Operation
	harness := startSession(t, func(cfg *Config) {
		cfg.PeerBroadcast = func(operation op.Operation) {
			broadcastMu.Lock()
			defer broadcastMu.Unlock()
			broadcast = append(broadcast, operation)
		}
	})

	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}
	if err := harness.session.SubmitEdit(context.Background(), "move rectangle", []Intent{{
		Kind:     op.KindUpdate,
		TargetID: "obj-1",
		Payload:  op.Payload{X: floatPointer(500)},
	}}); err != nil {
		t.Fatalf("submit move failed: %v", err)
	}

	undone, err := harness.session.Undo(context.Background())
	if err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if !undone {
		t.Fatal("expected undo to succeed")
	}

	objects := harness.objects(t)
	if len(objects) != 1 {
		t.Fatalf("expected one object after undo, got %d", len(objects))
	}
	if objects[0].X != 10 {
		t.Fatalf("expected position restored by undo, got x=%v", objects[0].X)
	}
	if objects[0].Version != 1 {
		t.Fatalf("expected exact prior version restored, got %d", objects[0].Version)
	}

	broadcastMu.Lock()
	count := len(broadcast)
	broadcastMu.Unlock()
	// Add, move, and the minted inverse of the move.
	if count != 3 {
		t.Fatalf("expected 3 broadcast operations, got %d", count)
	}

	redone, err := harness.session.Redo(context.Background())
	if err != nil {
		t.Fatalf("redo failed: %v", err)
	}
	if !redone {
		t.Fatal("expected redo to succeed")
	}
	objects = harness.objects(t)
	if objects[0].X != 500 {
		t.Fatalf("expected redo to reapply the move, got x=%v", objects[0].X)
	}
}

func TestPartialGestureDeliversAppliedPrefix(t *testing.T) {
	harness := startSession(t, nil)
	harness.connect(t)

	// The second add collides with the first, so the gesture fails after
	// its first intent already mutated local state.
	err := harness.session.SubmitEdit(context.Background(), "double add", []Intent{
		rectangleIntent("obj-1"),
		rectangleIntent("obj-1"),
	})
	if err == nil {
		t.Fatal("expected the colliding gesture to fail")
	}

	objects := harness.objects(t)
	if len(objects) != 1 || objects[0].ID != "obj-1" {
		t.Fatalf("expected the applied prefix kept locally, got %+v", objects)
	}
	waitFor(t, "applied prefix delivered to the relay", func() bool {
		return harness.sender.submittedCount() == 1
	})

	undone, err := harness.session.Undo(context.Background())
	if err != nil {
		t.Fatalf("undo failed: %v", err)
	}
	if !undone {
		t.Fatal("expected the partial gesture to be undoable")
	}
	if len(harness.objects(t)) != 0 {
		t.Fatal("expected undo to remove the partially applied gesture")
	}
}

func TestSessionWithoutQueueDegradesToOnlineOnly(t *testing.T) {
	harness := startSession(t, func(cfg *Config) {
		cfg.Queue = nil
	})

	if err := harness.session.SubmitEdit(context.Background(), "add rectangle", []Intent{rectangleIntent("obj-1")}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}
	// The offline edit applies locally but has nowhere durable to wait.
	if len(harness.objects(t)) != 1 {
		t.Fatal("expected local apply despite missing queue")
	}

	harness.connect(t)
	if err := harness.session.SubmitEdit(context.Background(), "add circle", []Intent{{
		Kind:     op.KindAdd,
		TargetID: "obj-2",
		Payload: op.Payload{
			Shape:  op.ShapeCircle,
			X:      floatPointer(0),
			Y:      floatPointer(0),
			Radius: floatPointer(5),
		},
	}}); err != nil {
		t.Fatalf("submit edit failed: %v", err)
	}
	waitFor(t, "online delivery in degraded mode", func() bool {
		return harness.sender.submittedCount() == 1
	})
}

func TestRestoreCachedSnapshotOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	seed, err := queue.Open(queue.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	if err := seed.CacheSnapshot(queue.SnapshotCache{
		Objects: []canvas.CanvasObject{
			{ID: "obj-1", Shape: op.ShapeRectangle, X: 10, Width: 100, Height: 50, Version: 4, OwnerID: "amy"},
		},
	}); err != nil {
		t.Fatalf("failed to cache snapshot: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("failed to close queue: %v", err)
	}

	queueStore, err := queue.Open(queue.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen queue: %v", err)
	}
	t.Cleanup(func() { queueStore.Close() })

	editSession, err := New(Config{
		AuthorID:      "amy",
		Sender:        &fakeSender{},
		Queue:         queueStore,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go editSession.Run(ctx, make(chan transport.Event), make(chan op.Operation))

	objects, err := editSession.Objects(context.Background())
	if err != nil {
		t.Fatalf("objects failed: %v", err)
	}
	if len(objects) != 1 || objects[0].ID != "obj-1" {
		t.Fatalf("expected cached snapshot restored at startup, got %+v", objects)
	}
	if objects[0].Version != 4 {
		t.Fatalf("expected cached version preserved, got %d", objects[0].Version)
	}
}

func TestRestartResumesCatchUpFromCachedPosition(t *testing.T) {
	harness := startSession(t, func(cfg *Config) {
		if err := cfg.Queue.CacheSnapshot(queue.SnapshotCache{
			Objects: []canvas.CanvasObject{
				{ID: "obj-1", Shape: op.ShapeRectangle, X: 20, Width: 100, Height: 50, Version: 2, OwnerID: "amy"},
			},
			LastSeen:   700,
			AppliedIDs: []string{"op-drag"},
		}); err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	})
	// The relay re-sends an operation whose effect is already inside the
	// restored snapshot.
	harness.sender.catchUp = transport.CatchUpResponse{
		OperationsSince: []op.Operation{{
			ID:            "op-drag",
			Kind:          op.KindTransform,
			TargetID:      "obj-1",
			AuthorID:      "bob",
			Payload:       op.Payload{DX: floatPointer(10)},
			LogicalTime:   800,
			ObjectVersion: 1,
		}},
	}

	harness.connect(t)

	waitFor(t, "catch-up from the cached position", func() bool {
		from, called := harness.sender.lastCatchUpFrom()
		return called && from == 700
	})
	objects := harness.objects(t)
	if len(objects) != 1 || objects[0].X != 20 {
		t.Fatalf("expected the replayed drag deduplicated against the restored state, got %+v", objects)
	}
	if objects[0].Version != 2 {
		t.Fatalf("expected no double apply after restart, got version %d", objects[0].Version)
	}
}
