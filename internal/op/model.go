package op

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind enumerates supported operation kinds.
type Kind string

const (
	// KindAdd inserts a new canvas object carrying a full shape snapshot.
	KindAdd Kind = "add"
	// KindUpdate merges a partial field set into an existing object.
	KindUpdate Kind = "update"
	// KindDelete removes an object; carries no payload beyond the target.
	KindDelete Kind = "delete"
	// KindTransform applies a geometric delta (move, scale, rotate).
	KindTransform Kind = "transform"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOperation indicates an operation that fails validation.
	ErrInvalidOperation = errors.New("op: invalid operation")
	// ErrInvalidOperationID indicates an empty or oversized operation id.
	ErrInvalidOperationID = errors.New("op: invalid operation id")
	// ErrInvalidTargetID indicates an empty or oversized target id.
	ErrInvalidTargetID = errors.New("op: invalid target id")
	// ErrInvalidAuthorID indicates an empty or oversized author id.
	ErrInvalidAuthorID = errors.New("op: invalid author id")
	// ErrInvalidPayload indicates a payload that fails kind-specific checks.
	ErrInvalidPayload = errors.New("op: invalid payload")
)

// LogicalTime is a hybrid logical clock value: unix milliseconds shifted
// into the high bits with a per-author counter in the low 16 bits. Numeric
// comparison yields the deterministic total order used for tie-breaking.
type LogicalTime int64

const counterBits = 16

// WallMillis returns the wall-clock component in unix milliseconds.
func (t LogicalTime) WallMillis() int64 {
	return int64(t) >> counterBits
}

// Counter returns the per-author counter component.
func (t LogicalTime) Counter() int64 {
	return int64(t) & (1<<counterBits - 1)
}

// Clock issues monotonically increasing LogicalTime values for one author.
type Clock struct {
	mu   sync.Mutex
	last LogicalTime
	now  func() time.Time
}

// NewClock constructs a Clock. A nil now function defaults to time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a LogicalTime strictly greater than any previously issued.
func (c *Clock) Next() LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := LogicalTime(c.now().UnixMilli() << counterBits)
	if candidate <= c.last {
		candidate = c.last + 1
	}
	c.last = candidate
	return candidate
}

// Observe advances the clock past an externally received logical time so
// that subsequent local operations sort after it.
func (c *Clock) Observe(t LogicalTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.last {
		c.last = t
	}
}

// Operation is the immutable unit of document mutation. The JSON shape is
// the wire format carried over both the relay and the peer channel.
type Operation struct {
	ID            string      `json:"id"`
	Kind          Kind        `json:"kind"`
	TargetID      string      `json:"target_id"`
	Payload       Payload     `json:"payload"`
	AuthorID      string      `json:"author_id"`
	LogicalTime   LogicalTime `json:"logical_time"`
	ObjectVersion int64       `json:"object_version"`
}

// Compare orders two operations by (logical_time, author_id). The author
// comparison is lexicographic so every peer computes the same winner.
func Compare(a, b Operation) int {
	if a.LogicalTime != b.LogicalTime {
		if a.LogicalTime < b.LogicalTime {
			return -1
		}
		return 1
	}
	return strings.Compare(a.AuthorID, b.AuthorID)
}

// Validate rejects operations with unknown kinds, missing identifiers, or
// payloads that fail kind-specific shape checks. It has no side effects.
func Validate(operation Operation) error {
	if err := validateIdentifier(operation.ID, ErrInvalidOperationID); err != nil {
		return err
	}
	if err := validateIdentifier(operation.TargetID, ErrInvalidTargetID); err != nil {
		return err
	}
	if err := validateIdentifier(operation.AuthorID, ErrInvalidAuthorID); err != nil {
		return err
	}
	switch operation.Kind {
	case KindAdd:
		return operation.Payload.validateAdd()
	case KindUpdate:
		return operation.Payload.validateUpdate()
	case KindTransform:
		return operation.Payload.validateTransform()
	case KindDelete:
		if !operation.Payload.IsEmpty() {
			return fmt.Errorf("%w: delete carries payload fields", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, operation.Kind)
	}
}

func validateIdentifier(value string, sentinel error) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}

// ParseKind converts a raw wire value into a Kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindAdd:
		return KindAdd, nil
	case KindUpdate:
		return KindUpdate, nil
	case KindDelete:
		return KindDelete, nil
	case KindTransform:
		return KindTransform, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, value)
	}
}
