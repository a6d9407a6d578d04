package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"github.com/MarcoPoloResearchLab/easel/internal/transform"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSubmitOperation = "relay.submit_operation"
	opCatchUp         = "relay.catch_up"

	reasonMissingDatabase     = "missing_database"
	reasonValidationFailed    = "validation_failed"
	reasonPayloadEncodeFailed = "payload_encode_failed"
	reasonInsertFailed        = "insert_failed"
	reasonLookupFailed        = "lookup_failed"
	reasonQueryFailed         = "query_failed"
	reasonReplayFailed        = "replay_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the inputs required to build a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Service persists submitted operations and answers catch-up requests.
// The relay is the source of truth for "operation accepted".
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError("relay.service.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// SubmitOutcome reports where a submitted operation landed in the log.
type SubmitOutcome struct {
	Seq       int64
	Duplicate bool
}

// SubmitOperation appends an operation to the log, deduplicating by
// operation id, and fans newly accepted operations out to subscribers.
func (s *Service) SubmitOperation(ctx context.Context, operation op.Operation) (SubmitOutcome, error) {
	if err := op.Validate(operation); err != nil {
		s.logError(opSubmitOperation, reasonValidationFailed, err, zap.String("operation_id", operation.ID))
		return SubmitOutcome{}, newServiceError(opSubmitOperation, reasonValidationFailed, err)
	}

	payloadJSON, err := json.Marshal(operation.Payload)
	if err != nil {
		s.logError(opSubmitOperation, reasonPayloadEncodeFailed, err, zap.String("operation_id", operation.ID))
		return SubmitOutcome{}, newServiceError(opSubmitOperation, reasonPayloadEncodeFailed, err)
	}

	model := StoredOperation{
		OpID:              operation.ID,
		Kind:              string(operation.Kind),
		TargetID:          operation.TargetID,
		AuthorID:          operation.AuthorID,
		LogicalTime:       int64(operation.LogicalTime),
		ObjectVersion:     operation.ObjectVersion,
		PayloadJSON:       string(payloadJSON),
		ReceivedAtSeconds: s.clock().UTC().Unix(),
	}
	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if createResult.Error != nil {
		s.logError(opSubmitOperation, reasonInsertFailed, createResult.Error, zap.String("operation_id", operation.ID))
		return SubmitOutcome{}, newServiceError(opSubmitOperation, reasonInsertFailed, createResult.Error)
	}

	duplicate := createResult.RowsAffected == 0
	seq := model.Seq
	if duplicate {
		var existing StoredOperation
		err := s.db.WithContext(ctx).Select("seq").Where("op_id = ?", operation.ID).Take(&existing).Error
		if err != nil {
			s.logError(opSubmitOperation, reasonLookupFailed, err, zap.String("operation_id", operation.ID))
			return SubmitOutcome{}, newServiceError(opSubmitOperation, reasonLookupFailed, err)
		}
		seq = existing.Seq
	}

	if !duplicate && s.dispatcher != nil {
		s.dispatcher.Publish(operation)
	}
	return SubmitOutcome{Seq: seq, Duplicate: duplicate}, nil
}

// CatchUpResult reconciles a reconnecting client with the log: the
// materialized state as of the client's last seen logical time, plus
// every newer operation. An object's changes appear in exactly one of
// the two.
type CatchUpResult struct {
	Snapshot        []canvas.CanvasObject
	OperationsSince []op.Operation
}

// CatchUp partitions the log strictly below lastSeen and replays that
// half into an authoritative snapshot. Operations at exactly lastSeen
// are returned with the newer half: another author can mint the same
// logical time, so the boundary is re-sent and the client deduplicates
// the ones it already applied.
func (s *Service) CatchUp(ctx context.Context, lastSeen op.LogicalTime) (CatchUpResult, error) {
	var models []StoredOperation
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&models).Error; err != nil {
		s.logError(opCatchUp, reasonQueryFailed, err)
		return CatchUpResult{}, newServiceError(opCatchUp, reasonQueryFailed, err)
	}

	var seen, newer []op.Operation
	for _, model := range models {
		operation, err := decodeStoredOperation(model)
		if err != nil {
			s.logError(opCatchUp, reasonReplayFailed, err, zap.String("operation_id", model.OpID))
			return CatchUpResult{}, newServiceError(opCatchUp, reasonReplayFailed, err)
		}
		if operation.LogicalTime < lastSeen {
			seen = append(seen, operation)
		} else {
			newer = append(newer, operation)
		}
	}

	snapshot, err := s.materialize(seen)
	if err != nil {
		s.logError(opCatchUp, reasonReplayFailed, err)
		return CatchUpResult{}, newServiceError(opCatchUp, reasonReplayFailed, err)
	}
	sort.Slice(newer, func(i, j int) bool {
		return op.Compare(newer[i], newer[j]) < 0
	})
	return CatchUpResult{Snapshot: snapshot, OperationsSince: newer}, nil
}

// materialize replays operations through the same transform-and-apply
// pipeline clients use, so the relay's snapshot converges with theirs.
func (s *Service) materialize(operations []op.Operation) ([]canvas.CanvasObject, error) {
	store := canvas.NewStore(canvas.StoreConfig{Clock: s.clock, Logger: s.logger})
	applier, err := canvas.NewApplier(canvas.ApplierConfig{
		Store:   store,
		Applied: transform.NewAppliedSet(),
		Log:     transform.NewLog(0),
		Logger:  s.logger,
	})
	if err != nil {
		return nil, err
	}
	for _, operation := range operations {
		if _, err := applier.ApplyRemote(operation); err != nil {
			return nil, err
		}
	}
	return store.Objects(), nil
}

func decodeStoredOperation(model StoredOperation) (op.Operation, error) {
	kind, err := op.ParseKind(model.Kind)
	if err != nil {
		return op.Operation{}, err
	}
	var payload op.Payload
	if model.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(model.PayloadJSON), &payload); err != nil {
			return op.Operation{}, fmt.Errorf("relay: decode payload for %s: %w", model.OpID, err)
		}
	}
	return op.Operation{
		ID:            model.OpID,
		Kind:          kind,
		TargetID:      model.TargetID,
		Payload:       payload,
		AuthorID:      model.AuthorID,
		LogicalTime:   op.LogicalTime(model.LogicalTime),
		ObjectVersion: model.ObjectVersion,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relay service error", attrs...)
}
