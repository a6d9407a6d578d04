// Package history records applied operations as invertible entries and
// implements linear undo/redo over the document state store.
package history

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"go.uber.org/zap"
)

const defaultMaxEntries = 200

var (
	errMissingIDProvider   = errors.New("history: id provider is required")
	errMissingLogicalClock = errors.New("history: logical clock is required")
)

// Entry groups the operations applied together as one user-visible action,
// along with the effects needed to invert them.
type Entry struct {
	ID          string
	Timestamp   time.Time
	Description string
	Operations  []op.Operation
	Effects     []canvas.AppliedEffect
}

// ManagerConfig describes the inputs required to build a Manager.
type ManagerConfig struct {
	Store        *canvas.Store
	IDProvider   op.IDProvider
	LogicalClock *op.Clock
	AuthorID     string
	Clock        func() time.Time
	MaxEntries   int
	Logger       *zap.Logger
}

// Manager is a state machine over an ordered entry list plus a cursor.
// History is owned by the local session; only locally recorded entries
// can be undone.
type Manager struct {
	store        *canvas.Store
	entries      []Entry
	index        int
	maxEntries   int
	idProvider   op.IDProvider
	logicalClock *op.Clock
	authorID     string
	clock        func() time.Time
	logger       *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.LogicalClock == nil {
		return nil, errMissingLogicalClock
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        cfg.Store,
		index:        -1,
		maxEntries:   maxEntries,
		idProvider:   cfg.IDProvider,
		logicalClock: cfg.LogicalClock,
		authorID:     cfg.AuthorID,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Record appends an entry, truncating any redo tail above the cursor and
// evicting the oldest entry once the retained count exceeds the cap.
func (m *Manager) Record(description string, operations []op.Operation, effects []canvas.AppliedEffect) {
	entryID, err := m.idProvider.NewID()
	if err != nil {
		m.logger.Error("history entry id generation failed", zap.Error(err))
		return
	}
	entry := Entry{
		ID:          entryID,
		Timestamp:   m.clock().UTC(),
		Description: description,
		Operations:  operations,
		Effects:     effects,
	}
	m.entries = append(m.entries[:m.index+1], entry)
	if len(m.entries) > m.maxEntries {
		evicted := len(m.entries) - m.maxEntries
		m.entries = append([]Entry(nil), m.entries[evicted:]...)
	}
	m.index = len(m.entries) - 1
}

// CanUndo reports whether an entry is available below the cursor.
func (m *Manager) CanUndo() bool {
	return m.index >= 0
}

// CanRedo reports whether an entry is available above the cursor.
func (m *Manager) CanRedo() bool {
	return m.index < len(m.entries)-1
}

// Len returns the number of retained entries.
func (m *Manager) Len() int {
	return len(m.entries)
}

// Undo restores the before-snapshots of the entry at the cursor, in
// reverse operation order, and returns freshly minted operations that
// describe the reversal for remote peers. Undo and redo are new local
// edits on the wire: peers transform them like anything else.
func (m *Manager) Undo() ([]op.Operation, bool) {
	if !m.CanUndo() {
		return nil, false
	}
	entry := m.entries[m.index]
	minted := make([]op.Operation, 0, len(entry.Effects))
	for i := len(entry.Effects) - 1; i >= 0; i-- {
		effect := entry.Effects[i]
		m.store.Restore(effect.Operation.TargetID, effect.Before)
		if inverse, ok := m.mintRestoreOperation(effect.Operation.TargetID, effect.After, effect.Before); ok {
			minted = append(minted, inverse)
		}
	}
	m.index--
	return minted, true
}

// Redo re-applies the entry above the cursor by restoring its
// after-snapshots in forward order, returning minted operations for
// remote peers.
func (m *Manager) Redo() ([]op.Operation, bool) {
	if !m.CanRedo() {
		return nil, false
	}
	entry := m.entries[m.index+1]
	minted := make([]op.Operation, 0, len(entry.Effects))
	for _, effect := range entry.Effects {
		m.store.Restore(effect.Operation.TargetID, effect.After)
		if forward, ok := m.mintRestoreOperation(effect.Operation.TargetID, effect.Before, effect.After); ok {
			minted = append(minted, forward)
		}
	}
	m.index++
	return minted, true
}

// mintRestoreOperation builds a fresh operation that moves the target
// from one snapshot to another: delete when the destination is absent,
// add when the origin was absent, and a full-snapshot update otherwise.
func (m *Manager) mintRestoreOperation(targetID string, from, to *canvas.CanvasObject) (op.Operation, bool) {
	operationID, err := m.idProvider.NewID()
	if err != nil {
		m.logger.Error("restore operation id generation failed", zap.Error(err))
		return op.Operation{}, false
	}
	minted := op.Operation{
		ID:          operationID,
		TargetID:    targetID,
		AuthorID:    m.authorID,
		LogicalTime: m.logicalClock.Next(),
	}
	switch {
	case to == nil && from == nil:
		return op.Operation{}, false
	case to == nil:
		minted.Kind = op.KindDelete
		minted.ObjectVersion = from.Version
	case from == nil:
		minted.Kind = op.KindAdd
		minted.Payload = to.SnapshotPayload()
	default:
		minted.Kind = op.KindUpdate
		payload := to.SnapshotPayload()
		payload.Shape = ""
		minted.Payload = payload
		minted.ObjectVersion = from.Version
	}
	return minted, true
}
