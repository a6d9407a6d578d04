package canvas

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"go.uber.org/zap"
)

const defaultTombstoneTTL = 10 * time.Minute

var (
	// ErrDuplicateID indicates an Add targeting an id that already exists.
	ErrDuplicateID = errors.New("canvas: duplicate object id")
	// ErrNotFound indicates an Update or Transform against an absent object.
	ErrNotFound = errors.New("canvas: object not found")
)

// Outcome describes what a successful apply did to the store.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeUpdated       Outcome = "updated"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeAlreadyAbsent Outcome = "already_absent"
)

// AppliedEffect describes the before and after snapshots of one apply. The
// history manager consumes effects to build inverse operations.
type AppliedEffect struct {
	Operation op.Operation
	Outcome   Outcome
	Before    *CanvasObject
	After     *CanvasObject
}

// StoreConfig describes the inputs required to build a Store.
type StoreConfig struct {
	Clock        func() time.Time
	TombstoneTTL time.Duration
	Logger       *zap.Logger
}

// Store is the authoritative in-memory representation of canvas objects.
// It is not safe for unsynchronized concurrent mutation: the session loop
// is the single writer and the only caller of Apply.
type Store struct {
	objects      map[string]*CanvasObject
	tombstones   map[string]time.Time
	clock        func() time.Time
	tombstoneTTL time.Duration
	logger       *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		objects:      make(map[string]*CanvasObject),
		tombstones:   make(map[string]time.Time),
		clock:        clock,
		tombstoneTTL: ttl,
		logger:       logger,
	}
}

// Apply mutates the store according to the operation and returns the
// resulting effect. Delete of an absent object is not an error.
func (s *Store) Apply(operation op.Operation) (AppliedEffect, error) {
	s.sweepTombstones()
	switch operation.Kind {
	case op.KindAdd:
		return s.applyAdd(operation)
	case op.KindUpdate, op.KindTransform:
		return s.applyMutation(operation)
	case op.KindDelete:
		return s.applyDelete(operation)
	default:
		return AppliedEffect{}, fmt.Errorf("%w: unknown kind %q", op.ErrInvalidOperation, operation.Kind)
	}
}

func (s *Store) applyAdd(operation op.Operation) (AppliedEffect, error) {
	if _, exists := s.objects[operation.TargetID]; exists {
		return AppliedEffect{}, fmt.Errorf("%w: %s", ErrDuplicateID, operation.TargetID)
	}
	delete(s.tombstones, operation.TargetID)
	object := &CanvasObject{
		ID:           operation.TargetID,
		Shape:        operation.Payload.Shape,
		Version:      1,
		OwnerID:      operation.AuthorID,
		LastModified: s.clock().UTC(),
	}
	object.mergePayload(operation.Payload)
	s.objects[operation.TargetID] = object
	return AppliedEffect{
		Operation: operation,
		Outcome:   OutcomeCreated,
		After:     object.Clone(),
	}, nil
}

func (s *Store) applyMutation(operation op.Operation) (AppliedEffect, error) {
	object, exists := s.objects[operation.TargetID]
	if !exists {
		return AppliedEffect{}, fmt.Errorf("%w: %s", ErrNotFound, operation.TargetID)
	}
	before := object.Clone()
	if operation.Kind == op.KindTransform {
		object.applyDeltas(operation.Payload)
	} else {
		object.mergePayload(operation.Payload)
	}
	object.Version++
	object.LastModified = s.clock().UTC()
	return AppliedEffect{
		Operation: operation,
		Outcome:   OutcomeUpdated,
		Before:    before,
		After:     object.Clone(),
	}, nil
}

func (s *Store) applyDelete(operation op.Operation) (AppliedEffect, error) {
	object, exists := s.objects[operation.TargetID]
	if !exists {
		return AppliedEffect{
			Operation: operation,
			Outcome:   OutcomeAlreadyAbsent,
		}, nil
	}
	delete(s.objects, operation.TargetID)
	s.tombstones[operation.TargetID] = s.clock().UTC()
	return AppliedEffect{
		Operation: operation,
		Outcome:   OutcomeDeleted,
		Before:    object,
	}, nil
}

// Restore reinstates the exact snapshot for the target, including its
// version counter. A nil snapshot removes the object. History replay is
// the only caller; it runs on the same single-writer loop as Apply.
func (s *Store) Restore(targetID string, snapshot *CanvasObject) AppliedEffect {
	before := s.objects[targetID].Clone()
	if snapshot == nil {
		delete(s.objects, targetID)
		s.tombstones[targetID] = s.clock().UTC()
		outcome := OutcomeDeleted
		if before == nil {
			outcome = OutcomeAlreadyAbsent
		}
		return AppliedEffect{Outcome: outcome, Before: before}
	}
	restored := snapshot.Clone()
	delete(s.tombstones, targetID)
	s.objects[targetID] = restored
	outcome := OutcomeUpdated
	if before == nil {
		outcome = OutcomeCreated
	}
	return AppliedEffect{Outcome: outcome, Before: before, After: restored.Clone()}
}

// Get returns a copy of the object, if present.
func (s *Store) Get(targetID string) (*CanvasObject, bool) {
	object, exists := s.objects[targetID]
	if !exists {
		return nil, false
	}
	return object.Clone(), true
}

// Tombstoned reports whether the target was recently deleted.
func (s *Store) Tombstoned(targetID string) bool {
	_, exists := s.tombstones[targetID]
	return exists
}

// Objects returns copies of all live objects ordered by id.
func (s *Store) Objects() []CanvasObject {
	out := make([]CanvasObject, 0, len(s.objects))
	for _, object := range s.objects {
		out = append(out, *object.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live objects.
func (s *Store) Len() int {
	return len(s.objects)
}

// Load replaces absent objects from an authoritative snapshot. Objects
// already present locally are kept: local state may be ahead of the
// snapshot and is reconciled through the normal operation flow.
func (s *Store) Load(snapshot []CanvasObject) {
	for i := range snapshot {
		object := snapshot[i]
		if _, exists := s.objects[object.ID]; exists {
			continue
		}
		if s.Tombstoned(object.ID) {
			continue
		}
		s.objects[object.ID] = object.Clone()
	}
}

func (s *Store) sweepTombstones() {
	now := s.clock().UTC()
	for targetID, deletedAt := range s.tombstones {
		if now.Sub(deletedAt) > s.tombstoneTTL {
			delete(s.tombstones, targetID)
		}
	}
}
