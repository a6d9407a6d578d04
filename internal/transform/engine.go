// Package transform resolves an incoming operation against the locally
// applied operations that might conflict with it. The engine is pure: it
// never mutates document state, so every rule is testable in isolation.
package transform

import (
	"github.com/MarcoPoloResearchLab/easel/internal/op"
)

// Action enumerates transform outcomes.
type Action string

const (
	// ActionApply means the (possibly rewritten) operation is safe to apply.
	ActionApply Action = "apply"
	// ActionNoOp means the operation must not be applied.
	ActionNoOp Action = "noop"
)

// NoOp reasons reported on Result for logging and tests.
const (
	ReasonAlreadyApplied = "already_applied"
	ReasonDeleteWins     = "delete_wins"
	ReasonAllFieldsLost  = "all_fields_lost"
)

// Result is the outcome of transforming one incoming operation.
type Result struct {
	Action    Action
	Operation op.Operation
	Reason    string
}

// AppliedSet tracks operation ids that have already been applied locally.
// It backs both the engine's idempotency rule and transport-level
// deduplication across the relay and peer paths.
type AppliedSet struct {
	ids map[string]struct{}
}

// NewAppliedSet constructs an empty AppliedSet.
func NewAppliedSet() *AppliedSet {
	return &AppliedSet{ids: make(map[string]struct{})}
}

// Contains reports whether the operation id was already applied.
func (s *AppliedSet) Contains(operationID string) bool {
	_, exists := s.ids[operationID]
	return exists
}

// Mark records an operation id as applied.
func (s *AppliedSet) Mark(operationID string) {
	s.ids[operationID] = struct{}{}
}

// Len returns the number of tracked ids.
func (s *AppliedSet) Len() int {
	return len(s.ids)
}

// Transform resolves incoming against the concurrent window: every
// locally applied operation on the same target whose logical time is
// newer than the base version the author worked from. Rules, in
// precedence order: idempotency, delete-wins, disjoint-field commute,
// update-over-transform dominance, last-writer-wins by
// (logical_time, author_id) for competing updates, and additive
// composition for concurrent geometric transforms.
func Transform(incoming op.Operation, concurrent []op.Operation, applied *AppliedSet) Result {
	if applied != nil && applied.Contains(incoming.ID) {
		return Result{Action: ActionNoOp, Reason: ReasonAlreadyApplied}
	}

	for _, other := range concurrent {
		if other.Kind != op.KindDelete {
			continue
		}
		if incoming.Kind == op.KindDelete {
			// Delete over delete is idempotent.
			return Result{Action: ActionNoOp, Reason: ReasonDeleteWins}
		}
		if incoming.Kind == op.KindAdd {
			// A concurrent delete targets a different incarnation; the
			// add recreates the object and applies as-is.
			continue
		}
		return Result{Action: ActionNoOp, Reason: ReasonDeleteWins}
	}

	if incoming.Kind == op.KindAdd || incoming.Kind == op.KindDelete {
		return Result{Action: ActionApply, Operation: incoming}
	}

	incomingFields := incoming.Payload.Fields()
	lost := op.FieldSet(0)
	for _, other := range concurrent {
		if other.Kind == op.KindAdd || other.Kind == op.KindDelete {
			continue
		}
		otherFields := other.Payload.Fields()
		if incomingFields.Disjoint(otherFields) {
			// Field-disjoint operations commute; nothing to resolve.
			continue
		}
		switch {
		case incoming.Kind == op.KindTransform && other.Kind == op.KindTransform:
			// Concurrent geometric transforms compose additively: both
			// deltas take effect rather than one clobbering the other.
		case incoming.Kind == op.KindTransform:
			// An absolute update dominates a concurrent delta on the
			// shared field in either arrival order.
			lost |= incomingFields & otherFields
		case other.Kind == op.KindTransform:
			// Mirror case: the update's absolute value stands even when
			// it carries the older timestamp.
		default:
			if op.Compare(incoming, other) < 0 {
				lost |= incomingFields & otherFields
			}
		}
	}

	if lost.Empty() {
		return Result{Action: ActionApply, Operation: incoming}
	}
	rewritten := incoming
	rewritten.Payload = incoming.Payload.WithoutFields(lost)
	if rewritten.Payload.Fields().Empty() {
		return Result{Action: ActionNoOp, Reason: ReasonAllFieldsLost}
	}
	return Result{Action: ActionApply, Operation: rewritten}
}
