package op

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func floatPointer(value float64) *float64 {
	return &value
}

func validRectanglePayload() Payload {
	return Payload{
		Shape:  ShapeRectangle,
		X:      floatPointer(10),
		Y:      floatPointer(20),
		Width:  floatPointer(100),
		Height: floatPointer(50),
	}
}

func TestClockIssuesStrictlyIncreasingValues(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	clock := NewClock(func() time.Time { return frozen })

	first := clock.Next()
	second := clock.Next()
	third := clock.Next()

	if second <= first || third <= second {
		t.Fatalf("expected strictly increasing logical times, got %d, %d, %d", first, second, third)
	}
	if first.WallMillis() != frozen.UnixMilli() {
		t.Fatalf("expected wall component %d, got %d", frozen.UnixMilli(), first.WallMillis())
	}
	if second.Counter() != first.Counter()+1 {
		t.Fatalf("expected counter to advance under a frozen wall clock, got %d then %d", first.Counter(), second.Counter())
	}
}

func TestClockObserveAdvancesPastRemoteTime(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	clock := NewClock(func() time.Time { return frozen })

	remote := LogicalTime((frozen.UnixMilli() + 5_000) << 16)
	clock.Observe(remote)

	next := clock.Next()
	if next <= remote {
		t.Fatalf("expected local time after observed remote time, got %d <= %d", next, remote)
	}
}

func TestLogicalTimeComponents(t *testing.T) {
	value := LogicalTime(1234<<16 | 5)
	if value.WallMillis() != 1234 {
		t.Fatalf("expected wall millis 1234, got %d", value.WallMillis())
	}
	if value.Counter() != 5 {
		t.Fatalf("expected counter 5, got %d", value.Counter())
	}
}

func TestCompareOrdersByLogicalTimeThenAuthor(t *testing.T) {
	older := Operation{AuthorID: "zed", LogicalTime: 100}
	newer := Operation{AuthorID: "amy", LogicalTime: 200}
	if Compare(older, newer) >= 0 {
		t.Fatal("expected lower logical time to order first regardless of author")
	}

	left := Operation{AuthorID: "amy", LogicalTime: 100}
	right := Operation{AuthorID: "zed", LogicalTime: 100}
	if Compare(left, right) >= 0 {
		t.Fatal("expected author id to break logical time ties lexicographically")
	}
	if Compare(left, left) != 0 {
		t.Fatal("expected identical operations to compare equal")
	}
}

func TestValidateAcceptsWellFormedAdd(t *testing.T) {
	operation := Operation{
		ID:          "op-1",
		Kind:        KindAdd,
		TargetID:    "obj-1",
		Payload:     validRectanglePayload(),
		AuthorID:    "author-1",
		LogicalTime: 1,
	}
	if err := Validate(operation); err != nil {
		t.Fatalf("expected valid operation, got %v", err)
	}
}

func TestValidateRejectsMissingIdentifiers(t *testing.T) {
	base := Operation{
		ID:       "op-1",
		Kind:     KindAdd,
		TargetID: "obj-1",
		Payload:  validRectanglePayload(),
		AuthorID: "author-1",
	}

	missingID := base
	missingID.ID = "  "
	if err := Validate(missingID); !errors.Is(err, ErrInvalidOperationID) {
		t.Fatalf("expected operation id error, got %v", err)
	}

	missingTarget := base
	missingTarget.TargetID = ""
	if err := Validate(missingTarget); !errors.Is(err, ErrInvalidTargetID) {
		t.Fatalf("expected target id error, got %v", err)
	}

	missingAuthor := base
	missingAuthor.AuthorID = ""
	if err := Validate(missingAuthor); !errors.Is(err, ErrInvalidAuthorID) {
		t.Fatalf("expected author id error, got %v", err)
	}

	oversized := base
	oversized.ID = strings.Repeat("x", 191)
	if err := Validate(oversized); !errors.Is(err, ErrInvalidOperationID) {
		t.Fatalf("expected oversized id rejection, got %v", err)
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	operation := Operation{
		ID:       "op-1",
		Kind:     Kind("merge"),
		TargetID: "obj-1",
		AuthorID: "author-1",
	}
	if err := Validate(operation); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected unknown kind rejection, got %v", err)
	}
}

func TestValidateRejectsDeleteWithPayload(t *testing.T) {
	operation := Operation{
		ID:       "op-1",
		Kind:     KindDelete,
		TargetID: "obj-1",
		AuthorID: "author-1",
		Payload:  Payload{X: floatPointer(1)},
	}
	if err := Validate(operation); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected payload rejection on delete, got %v", err)
	}
}

func TestParseKindNormalizesInput(t *testing.T) {
	kind, err := ParseKind(" Update ")
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	if kind != KindUpdate {
		t.Fatalf("expected update kind, got %q", kind)
	}
	if _, err := ParseKind("destroy"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}
