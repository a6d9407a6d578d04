package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
)

func floatPointer(value float64) *float64 {
	return &value
}

func stringPointer(value string) *string {
	return &value
}

func newTestService(t *testing.T, name string) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&StoredOperation{}); err != nil {
		t.Fatalf("failed to migrate operation log schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func rectangleAdd(operationID, targetID string, logicalTime op.LogicalTime) op.Operation {
	return op.Operation{
		ID:       operationID,
		Kind:     op.KindAdd,
		TargetID: targetID,
		AuthorID: "amy",
		Payload: op.Payload{
			Shape:  op.ShapeRectangle,
			X:      floatPointer(10),
			Y:      floatPointer(20),
			Width:  floatPointer(100),
			Height: floatPointer(50),
		},
		LogicalTime: logicalTime,
	}
}

func mustSubmit(t *testing.T, service *Service, operation op.Operation) SubmitOutcome {
	t.Helper()
	outcome, err := service.SubmitOperation(context.Background(), operation)
	if err != nil {
		t.Fatalf("submit %s failed: %v", operation.ID, err)
	}
	return outcome
}

func TestSubmitOperationDeduplicatesByOperationID(t *testing.T) {
	service := newTestService(t, "relay_submit_dedupe")
	operation := rectangleAdd("op-1", "obj-1", 100)

	first := mustSubmit(t, service, operation)
	if first.Duplicate {
		t.Fatal("expected first submission to be new")
	}

	second := mustSubmit(t, service, operation)
	if !second.Duplicate {
		t.Fatal("expected redelivery to be reported as duplicate")
	}
	if second.Seq != first.Seq {
		t.Fatalf("expected duplicate to reuse sequence %d, got %d", first.Seq, second.Seq)
	}

	var count int64
	if err := service.db.Model(&StoredOperation{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single stored row, got %d", count)
	}
}

func TestSubmitOperationRejectsInvalidOperation(t *testing.T) {
	service := newTestService(t, "relay_submit_invalid")

	_, err := service.SubmitOperation(context.Background(), op.Operation{Kind: op.KindAdd})
	if err == nil {
		t.Fatal("expected invalid operation to be rejected")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != "relay.submit_operation.validation_failed" {
		t.Fatalf("unexpected error code %q", serviceErr.Code())
	}
}

func TestSubmitOperationPublishesNewOperationsOnly(t *testing.T) {
	service := newTestService(t, "relay_submit_publish")
	dispatcher := NewDispatcher()
	service.dispatcher = dispatcher

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	operation := rectangleAdd("op-1", "obj-1", 100)
	mustSubmit(t, service, operation)
	mustSubmit(t, service, operation)

	select {
	case received := <-stream:
		if received.ID != "op-1" {
			t.Fatalf("expected accepted operation on the stream, got %s", received.ID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected fan-out of the accepted operation")
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected duplicate not to be published, got %s", extra.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCatchUpPartitionsLogAtLastSeen(t *testing.T) {
	service := newTestService(t, "relay_catchup_partition")

	mustSubmit(t, service, rectangleAdd("op-add", "obj-1", 100))
	mustSubmit(t, service, op.Operation{
		ID:            "op-color",
		Kind:          op.KindUpdate,
		TargetID:      "obj-1",
		AuthorID:      "amy",
		Payload:       op.Payload{FillColor: stringPointer("#ff0000")},
		LogicalTime:   200,
		ObjectVersion: 1,
	})
	mustSubmit(t, service, op.Operation{
		ID:            "op-drag",
		Kind:          op.KindTransform,
		TargetID:      "obj-1",
		AuthorID:      "bob",
		Payload:       op.Payload{DX: floatPointer(5)},
		LogicalTime:   300,
		ObjectVersion: 2,
	})

	result, err := service.CatchUp(context.Background(), 250)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}

	if len(result.Snapshot) != 1 {
		t.Fatalf("expected one object in the snapshot, got %d", len(result.Snapshot))
	}
	object := result.Snapshot[0]
	if object.FillColor != "#ff0000" {
		t.Fatalf("expected the seen update folded into the snapshot, got %q", object.FillColor)
	}
	if object.X != 10 {
		t.Fatalf("expected the unseen drag excluded from the snapshot, got x=%v", object.X)
	}

	if len(result.OperationsSince) != 1 {
		t.Fatalf("expected exactly the newer operation, got %d", len(result.OperationsSince))
	}
	if result.OperationsSince[0].ID != "op-drag" {
		t.Fatalf("expected op-drag in operations_since, got %s", result.OperationsSince[0].ID)
	}
}

func TestCatchUpReturnsOperationsSharingTheLastSeenTime(t *testing.T) {
	service := newTestService(t, "relay_catchup_boundary")
	mustSubmit(t, service, rectangleAdd("op-add", "obj-1", 100))
	mustSubmit(t, service, op.Operation{
		ID:            "op-seen",
		Kind:          op.KindUpdate,
		TargetID:      "obj-1",
		AuthorID:      "bob",
		Payload:       op.Payload{FillColor: stringPointer("#0000ff")},
		LogicalTime:   200,
		ObjectVersion: 1,
	})
	// A different author minted the same logical time; the client that
	// reported 200 may have seen only one of the two.
	mustSubmit(t, service, op.Operation{
		ID:            "op-unseen",
		Kind:          op.KindUpdate,
		TargetID:      "obj-1",
		AuthorID:      "zed",
		Payload:       op.Payload{StrokeColor: stringPointer("#000000")},
		LogicalTime:   200,
		ObjectVersion: 1,
	})

	result, err := service.CatchUp(context.Background(), 200)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if len(result.Snapshot) != 1 || result.Snapshot[0].FillColor != "" {
		t.Fatalf("expected only operations strictly below 200 in the snapshot, got %+v", result.Snapshot)
	}
	if len(result.OperationsSince) != 2 {
		t.Fatalf("expected both boundary operations returned, got %d", len(result.OperationsSince))
	}
	if result.OperationsSince[0].ID != "op-seen" || result.OperationsSince[1].ID != "op-unseen" {
		t.Fatalf("expected both boundary operations in author order, got %s then %s",
			result.OperationsSince[0].ID, result.OperationsSince[1].ID)
	}
}

func TestCatchUpFromZeroReturnsEverythingAsOperations(t *testing.T) {
	service := newTestService(t, "relay_catchup_zero")
	mustSubmit(t, service, rectangleAdd("op-add", "obj-1", 100))
	mustSubmit(t, service, op.Operation{
		ID:            "op-color",
		Kind:          op.KindUpdate,
		TargetID:      "obj-1",
		AuthorID:      "zed",
		Payload:       op.Payload{FillColor: stringPointer("#00ff00")},
		LogicalTime:   100,
		ObjectVersion: 1,
	})

	result, err := service.CatchUp(context.Background(), 0)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if len(result.Snapshot) != 0 {
		t.Fatalf("expected empty snapshot for a fresh client, got %d objects", len(result.Snapshot))
	}
	if len(result.OperationsSince) != 2 {
		t.Fatalf("expected the full log as operations, got %d", len(result.OperationsSince))
	}
	// Ties on logical time order deterministically by author id.
	if result.OperationsSince[0].AuthorID != "amy" || result.OperationsSince[1].AuthorID != "zed" {
		t.Fatalf("expected deterministic tie-break ordering, got %s then %s",
			result.OperationsSince[0].AuthorID, result.OperationsSince[1].AuthorID)
	}
}

func TestCatchUpRoundTripsPayloads(t *testing.T) {
	service := newTestService(t, "relay_catchup_payload")
	submitted := rectangleAdd("op-add", "obj-1", 100)
	mustSubmit(t, service, submitted)

	result, err := service.CatchUp(context.Background(), 0)
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if len(result.OperationsSince) != 1 {
		t.Fatalf("expected one operation, got %d", len(result.OperationsSince))
	}
	decoded := result.OperationsSince[0]
	if decoded.Kind != op.KindAdd || decoded.Payload.Shape != op.ShapeRectangle {
		t.Fatalf("expected payload preserved through the log, got %+v", decoded)
	}
	if decoded.Payload.Width == nil || *decoded.Payload.Width != 100 {
		t.Fatal("expected geometry fields preserved through the log")
	}
}
