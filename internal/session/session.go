// Package session owns the live editing session: one goroutine funnels
// every mutation source (local gestures, relay stream, peer channel,
// background sync agent) through a single serialized apply point, which
// is what makes the store's version-check and merge logic safe.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/history"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/MarcoPoloResearchLab/easel/internal/queue"
	"github.com/MarcoPoloResearchLab/easel/internal/transform"
	"github.com/MarcoPoloResearchLab/easel/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultSubmitTimeout = 10 * time.Second
	commandChannelBuffer = 16
	agentChannelBuffer   = 16
)

var (
	errMissingAuthorID = errors.New("session: author id is required")
	errMissingSender   = errors.New("session: relay sender is required")
	errSessionStopped  = errors.New("session: stopped")
)

// Sender is the relay delivery dependency.
type Sender interface {
	SubmitOperation(ctx context.Context, operation op.Operation) error
	CatchUp(ctx context.Context, lastSeen op.LogicalTime) (transport.CatchUpResponse, error)
}

// Intent describes one mutation of a user gesture before the session
// stamps it with identity and ordering metadata.
type Intent struct {
	Kind     op.Kind
	TargetID string
	Payload  op.Payload
}

// Config describes the inputs required to build a Session.
type Config struct {
	AuthorID          string
	Sender            Sender
	Queue             *queue.Store
	PeerBroadcast     func(op.Operation)
	IDProvider        op.IDProvider
	LogicalClock      *op.Clock
	Clock             func() time.Time
	MaxHistoryEntries int
	FlushInterval     time.Duration
	Logger            *zap.Logger
}

// Session is the local editing session. All exported methods hand work to
// the run loop and wait, so callers never touch shared state directly.
type Session struct {
	authorID      string
	sender        Sender
	queue         *queue.Store
	peerBroadcast func(op.Operation)
	idProvider    op.IDProvider
	logicalClock  *op.Clock
	clock         func() time.Time
	flushInterval time.Duration
	logger        *zap.Logger

	applier *canvas.Applier
	history *history.Manager

	state    transport.State
	lastSeen op.LogicalTime
	degraded bool

	// recentApplied holds the ids of operations applied at or after
	// lastSeen. The snapshot cache persists them so a restarted session
	// deduplicates catch-up replays of work already in the restored
	// snapshot; entries fall out as lastSeen advances past them.
	recentApplied map[string]op.LogicalTime

	commands chan func()
	agentIn  chan AgentMessage
	agentOut chan AgentMessage
	stopped  chan struct{}
}

// New constructs a Session. A nil Queue puts the session in degraded
// mode: in-memory state and online-only delivery.
func New(cfg Config) (*Session, error) {
	if cfg.AuthorID == "" {
		return nil, errMissingAuthorID
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = op.NewUUIDProvider()
	}
	logicalClock := cfg.LogicalClock
	if logicalClock == nil {
		logicalClock = op.NewClock(cfg.Clock)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := canvas.NewStore(canvas.StoreConfig{Clock: clock, Logger: logger})
	applier, err := canvas.NewApplier(canvas.ApplierConfig{
		Store:   store,
		Applied: transform.NewAppliedSet(),
		Log:     transform.NewLog(0),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	historyManager, err := history.NewManager(history.ManagerConfig{
		Store:        store,
		IDProvider:   idProvider,
		LogicalClock: logicalClock,
		AuthorID:     cfg.AuthorID,
		Clock:        clock,
		MaxEntries:   cfg.MaxHistoryEntries,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		authorID:      cfg.AuthorID,
		sender:        cfg.Sender,
		queue:         cfg.Queue,
		peerBroadcast: cfg.PeerBroadcast,
		idProvider:    idProvider,
		logicalClock:  logicalClock,
		clock:         clock,
		flushInterval: flushInterval,
		logger:        logger,
		applier:       applier,
		history:       historyManager,
		state:         transport.StateDisconnected,
		recentApplied: make(map[string]op.LogicalTime),
		commands:      make(chan func(), commandChannelBuffer),
		agentIn:       make(chan AgentMessage, agentChannelBuffer),
		agentOut:      make(chan AgentMessage, agentChannelBuffer),
		stopped:       make(chan struct{}),
	}
	if session.queue == nil {
		session.degraded = true
		logger.Warn("no durable queue configured, session degraded to online-only delivery")
	} else {
		session.restoreCachedSnapshot()
	}
	return session, nil
}

// Run drives the session loop until the context is cancelled. Relay
// events and peer operations are consumed here so that operation
// application stays on one execution context.
func (s *Session) Run(ctx context.Context, relayEvents <-chan transport.Event, peerOps <-chan op.Operation) {
	defer close(s.stopped)
	flushTicker := time.NewTicker(s.flushInterval)
	defer flushTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-s.commands:
			command()
		case event := <-relayEvents:
			s.handleRelayEvent(ctx, event)
		case operation := <-peerOps:
			s.handleRemote(operation, false)
		case message := <-s.agentIn:
			s.handleAgentMessage(ctx, message)
		case <-flushTicker.C:
			s.flush(ctx)
		}
	}
}

// SubmitEdit stamps the gesture's intents into operations, applies them
// optimistically, records one history entry, and hands them to delivery.
func (s *Session) SubmitEdit(ctx context.Context, description string, intents []Intent) error {
	return s.do(ctx, func() error {
		return s.handleLocalEdit(ctx, description, intents)
	})
}

// Undo reverses the most recent local action, if any.
func (s *Session) Undo(ctx context.Context) (bool, error) {
	undone := false
	err := s.do(ctx, func() error {
		minted, ok := s.history.Undo()
		undone = ok
		s.afterReplay(ctx, minted)
		return nil
	})
	return undone, err
}

// Redo re-applies the most recently undone local action, if any.
func (s *Session) Redo(ctx context.Context) (bool, error) {
	redone := false
	err := s.do(ctx, func() error {
		minted, ok := s.history.Redo()
		redone = ok
		s.afterReplay(ctx, minted)
		return nil
	})
	return redone, err
}

// Objects returns a copy of the current canvas state.
func (s *Session) Objects(ctx context.Context) ([]canvas.CanvasObject, error) {
	var objects []canvas.CanvasObject
	err := s.do(ctx, func() error {
		objects = s.applier.Store().Objects()
		return nil
	})
	return objects, err
}

// State returns the current relay connection state as seen by the loop.
func (s *Session) State(ctx context.Context) (transport.State, error) {
	var state transport.State
	err := s.do(ctx, func() error {
		state = s.state
		return nil
	})
	return state, err
}

// do runs fn on the session loop and waits for it.
func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.commands <- func() { result <- fn() }:
	case <-s.stopped:
		return errSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return errSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleLocalEdit(ctx context.Context, description string, intents []Intent) error {
	operations := make([]op.Operation, 0, len(intents))
	effects := make([]canvas.AppliedEffect, 0, len(intents))
	for _, intent := range intents {
		operation, err := s.mintOperation(intent)
		if err != nil {
			return err
		}
		effect, err := s.applier.ApplyLocal(operation)
		if err != nil {
			// The applied prefix already mutated local state; record and
			// deliver it so peers converge on the same partial gesture.
			if len(effects) > 0 {
				s.history.Record(description, operations, effects)
				for _, applied := range operations {
					s.deliver(ctx, applied)
				}
			}
			return err
		}
		s.noteRecent(operation)
		operations = append(operations, operation)
		effects = append(effects, effect)
	}
	if len(effects) == 0 {
		return nil
	}
	s.history.Record(description, operations, effects)
	for _, operation := range operations {
		s.deliver(ctx, operation)
	}
	return nil
}

func (s *Session) mintOperation(intent Intent) (op.Operation, error) {
	operationID, err := s.idProvider.NewID()
	if err != nil {
		return op.Operation{}, err
	}
	operation := op.Operation{
		ID:          operationID,
		Kind:        intent.Kind,
		TargetID:    intent.TargetID,
		Payload:     intent.Payload,
		AuthorID:    s.authorID,
		LogicalTime: s.logicalClock.Next(),
	}
	if object, exists := s.applier.Store().Get(intent.TargetID); exists {
		operation.ObjectVersion = object.Version
	}
	if err := op.Validate(operation); err != nil {
		return op.Operation{}, err
	}
	return operation, nil
}

// deliver attempts immediate relay delivery when connected and falls back
// to the durable queue on any failure, including being offline. The peer
// broadcast is fire-and-forget either way.
func (s *Session) deliver(ctx context.Context, operation op.Operation) {
	if s.peerBroadcast != nil {
		s.peerBroadcast(operation)
	}
	if s.state == transport.StateConnected {
		submitCtx, cancel := context.WithTimeout(ctx, defaultSubmitTimeout)
		err := s.sender.SubmitOperation(submitCtx, operation)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn("relay delivery failed, queueing operation",
			zap.String("operation_id", operation.ID),
			zap.Error(err))
	}
	s.enqueue(operation)
}

func (s *Session) enqueue(operation op.Operation) {
	if s.degraded {
		s.logger.Warn("dropping undeliverable operation, durable queue unavailable",
			zap.String("operation_id", operation.ID))
		return
	}
	if err := s.queue.Enqueue(operation); err != nil {
		s.logger.Error("failed to queue operation", zap.Error(err))
	}
}

func (s *Session) handleRelayEvent(ctx context.Context, event transport.Event) {
	if event.Operation != nil {
		s.handleRemote(*event.Operation, true)
		return
	}
	previous := s.state
	s.state = event.State
	if event.State == transport.StateConnected && previous != transport.StateConnected {
		s.reconcile(ctx)
	}
}

func (s *Session) handleRemote(operation op.Operation, fromRelay bool) {
	outcome, err := s.applier.ApplyRemote(operation)
	if err != nil {
		// Malformed operations are dropped, never applied or queued.
		s.logger.Warn("dropping malformed remote operation",
			zap.String("operation_id", operation.ID),
			zap.Error(err))
		return
	}
	s.logicalClock.Observe(operation.LogicalTime)
	s.noteRecent(operation)
	if fromRelay {
		s.advanceLastSeen(operation.LogicalTime)
	}
	if !outcome.Applied && outcome.Reason != transform.ReasonAlreadyApplied {
		s.logger.Debug("remote operation resolved to no-op",
			zap.String("operation_id", operation.ID),
			zap.String("reason", outcome.Reason))
	}
}

// reconcile performs the one-time catch-up after a reconnect: fetch the
// authoritative snapshot and newer operations first, then drain the
// offline queue against the updated base.
func (s *Session) reconcile(ctx context.Context) {
	response, err := s.sender.CatchUp(ctx, s.lastSeen)
	if err != nil {
		s.logger.Warn("catch-up failed", zap.Error(err))
		return
	}
	s.applier.Store().Load(response.Snapshot)
	for _, operation := range response.OperationsSince {
		s.handleRemote(operation, true)
	}
	s.flush(ctx)
	s.cacheSnapshot()
}

func (s *Session) flush(ctx context.Context) int {
	if s.degraded || s.state != transport.StateConnected {
		return 0
	}
	sent, err := s.queue.Flush(ctx, s.sender.SubmitOperation)
	if err != nil {
		s.logger.Warn("flush interrupted", zap.Int("sent", sent), zap.Error(err))
	}
	return sent
}

// afterReplay handles the operations minted by undo/redo: they are new
// local operations with fresh ids and logical times, delivered like any
// other edit, and noted locally so relay echoes deduplicate.
func (s *Session) afterReplay(ctx context.Context, minted []op.Operation) {
	for _, operation := range minted {
		s.applier.NoteReplayed(operation)
		s.noteRecent(operation)
		s.deliver(ctx, operation)
	}
}

// noteRecent tracks an id the snapshot cache must carry: any operation
// that catch-up from lastSeen could legitimately re-send.
func (s *Session) noteRecent(operation op.Operation) {
	if operation.LogicalTime >= s.lastSeen {
		s.recentApplied[operation.ID] = operation.LogicalTime
	}
}

func (s *Session) advanceLastSeen(logicalTime op.LogicalTime) {
	if logicalTime <= s.lastSeen {
		return
	}
	s.lastSeen = logicalTime
	for operationID, appliedAt := range s.recentApplied {
		if appliedAt < s.lastSeen {
			delete(s.recentApplied, operationID)
		}
	}
}

func (s *Session) cacheSnapshot() {
	if s.degraded {
		return
	}
	cache := queue.SnapshotCache{
		Objects:    s.applier.Store().Objects(),
		LastSeen:   s.lastSeen,
		AppliedIDs: make([]string, 0, len(s.recentApplied)),
	}
	for operationID := range s.recentApplied {
		cache.AppliedIDs = append(cache.AppliedIDs, operationID)
	}
	if err := s.queue.CacheSnapshot(cache); err != nil {
		s.logger.Warn("failed to cache snapshot", zap.Error(err))
	}
}

func (s *Session) restoreCachedSnapshot() {
	cache, found, err := s.queue.CachedSnapshot()
	if err != nil {
		s.logger.Warn("cached snapshot unreadable, continuing with empty canvas", zap.Error(err))
		return
	}
	if !found {
		return
	}
	s.applier.Store().Load(cache.Objects)
	s.lastSeen = cache.LastSeen
	for _, operationID := range cache.AppliedIDs {
		s.applier.MarkSeen(operationID)
		s.recentApplied[operationID] = cache.LastSeen
	}
	s.logger.Info("restored cached snapshot",
		zap.Int("objects", len(cache.Objects)),
		zap.Int64("last_seen", int64(cache.LastSeen)),
		zap.Time("cached_at", cache.CachedAt))
}
