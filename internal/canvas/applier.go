package canvas

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/MarcoPoloResearchLab/easel/internal/transform"
	"go.uber.org/zap"
)

// Remote apply outcomes that are benign no-ops rather than errors.
const (
	ReasonTargetAbsent = "target_absent"
	ReasonDuplicateAdd = "duplicate_add"
)

// RemoteOutcome reports what happened to one inbound remote operation.
type RemoteOutcome struct {
	Applied bool
	Effect  AppliedEffect
	Reason  string
}

// ApplierConfig describes the inputs required to build an Applier.
type ApplierConfig struct {
	Store   *Store
	Applied *transform.AppliedSet
	Log     *transform.Log
	Logger  *zap.Logger
}

// Applier funnels every mutation through one apply path: local edits
// bypass transformation, inbound remote operations are transformed
// against the causal window first. Like the Store it wraps, an Applier
// must only be used from a single execution context.
type Applier struct {
	store   *Store
	applied *transform.AppliedSet
	log     *transform.Log
	logger  *zap.Logger
}

// NewApplier constructs an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Store == nil {
		return nil, errors.New("canvas: store is required")
	}
	applied := cfg.Applied
	if applied == nil {
		applied = transform.NewAppliedSet()
	}
	log := cfg.Log
	if log == nil {
		log = transform.NewLog(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: cfg.Store, applied: applied, log: log, logger: logger}, nil
}

// Store exposes the wrapped store for reads.
func (a *Applier) Store() *Store {
	return a.store
}

// Seen reports whether the operation id has already been applied.
func (a *Applier) Seen(operationID string) bool {
	return a.applied.Contains(operationID)
}

// ApplyLocal validates and applies a locally created operation without
// transformation. The author built it against current local state, so
// there is nothing concurrent with it.
func (a *Applier) ApplyLocal(operation op.Operation) (AppliedEffect, error) {
	if err := op.Validate(operation); err != nil {
		return AppliedEffect{}, err
	}
	baseVersion := a.currentVersion(operation.TargetID)
	effect, err := a.store.Apply(operation)
	if err != nil {
		return AppliedEffect{}, err
	}
	a.applied.Mark(operation.ID)
	a.log.Record(operation, baseVersion)
	return effect, nil
}

// ApplyRemote transforms an inbound operation against the concurrent
// window, then applies it. Stale targets and duplicate adds resolve to
// benign no-ops per the error taxonomy; only malformed operations return
// an error.
func (a *Applier) ApplyRemote(operation op.Operation) (RemoteOutcome, error) {
	if err := op.Validate(operation); err != nil {
		return RemoteOutcome{}, err
	}
	window := a.log.ConcurrentWith(operation.TargetID, operation.ObjectVersion)
	result := transform.Transform(operation, window, a.applied)
	if result.Action == transform.ActionNoOp {
		a.applied.Mark(operation.ID)
		return RemoteOutcome{Reason: result.Reason}, nil
	}

	resolved := result.Operation
	baseVersion := a.currentVersion(resolved.TargetID)
	effect, err := a.store.Apply(resolved)
	switch {
	case errors.Is(err, ErrNotFound):
		a.applied.Mark(operation.ID)
		a.logger.Warn("remote operation targets absent object",
			zap.String("operation_id", operation.ID),
			zap.String("target_id", operation.TargetID))
		return RemoteOutcome{Reason: ReasonTargetAbsent}, nil
	case errors.Is(err, ErrDuplicateID):
		a.applied.Mark(operation.ID)
		return RemoteOutcome{Reason: ReasonDuplicateAdd}, nil
	case err != nil:
		return RemoteOutcome{}, fmt.Errorf("canvas: apply remote: %w", err)
	}
	a.applied.Mark(operation.ID)
	a.log.Record(resolved, baseVersion)
	return RemoteOutcome{Applied: true, Effect: effect}, nil
}

// MarkSeen records an operation id as already applied without touching
// the store, for ids restored from a persisted snapshot.
func (a *Applier) MarkSeen(operationID string) {
	a.applied.Mark(operationID)
}

// NoteReplayed records an operation whose effect history replay already
// restored directly, so a later relay echo deduplicates and conflict
// windows account for it.
func (a *Applier) NoteReplayed(operation op.Operation) {
	a.applied.Mark(operation.ID)
	a.log.Record(operation, operation.ObjectVersion)
}

func (a *Applier) currentVersion(targetID string) int64 {
	if object, exists := a.store.Get(targetID); exists {
		return object.Version
	}
	return 0
}
