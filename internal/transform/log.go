package transform

import "github.com/MarcoPoloResearchLab/easel/internal/op"

const defaultLogCapacity = 128

type appliedRecord struct {
	operation   op.Operation
	baseVersion int64
}

// Log is the bounded per-target record of applied operations that feeds
// the engine's concurrent window. Each record remembers the object
// version it applied on top of, so the window for an incoming operation
// is exactly the applied operations its author had not yet seen. Bounding
// the per-target history keeps conflict detection from growing with the
// whole session.
type Log struct {
	perTarget map[string][]appliedRecord
	capacity  int
}

// NewLog constructs a Log. A non-positive capacity uses the default.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &Log{
		perTarget: make(map[string][]appliedRecord),
		capacity:  capacity,
	}
}

// Record remembers an applied operation together with the object version
// it was applied against.
func (l *Log) Record(operation op.Operation, baseVersion int64) {
	records := append(l.perTarget[operation.TargetID], appliedRecord{
		operation:   operation,
		baseVersion: baseVersion,
	})
	if len(records) > l.capacity {
		records = records[len(records)-l.capacity:]
	}
	l.perTarget[operation.TargetID] = records
}

// ConcurrentWith returns the applied operations on the target that the
// author of an operation based on objectVersion had not seen: those
// applied at or above that version.
func (l *Log) ConcurrentWith(targetID string, objectVersion int64) []op.Operation {
	var window []op.Operation
	for _, record := range l.perTarget[targetID] {
		if record.baseVersion >= objectVersion {
			window = append(window, record.operation)
		}
	}
	return window
}
