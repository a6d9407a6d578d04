// Package queue provides durable, crash-safe storage for operations that
// could not be delivered, with ordered replay on reconnect. Records live
// in a local bbolt file alongside a single cached document snapshot.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/op"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketPendingOps   = []byte("pending_operations")
	bucketPendingIndex = []byte("pending_index")
	bucketSnapshot     = []byte("snapshot_cache")
	keyLatestSnapshot  = []byte("latest")
)

var (
	// ErrQueueClosed indicates use after Close.
	ErrQueueClosed = errors.New("queue: store is closed")
	// ErrCorruptRecord indicates an unreadable stored record.
	ErrCorruptRecord = errors.New("queue: corrupt record")
)

// PendingOperationRecord is an operation retained until acknowledged by
// the relay. Records are keyed by operation id and never duplicated.
type PendingOperationRecord struct {
	Operation op.Operation `json:"operation"`
	StoredAt  time.Time    `json:"stored_at"`
}

// SnapshotCache is the persisted document snapshot together with the
// sync position it was captured at. LastSeen lets a restarted session
// resume catch-up where it left off instead of replaying the whole log
// onto the restored state; AppliedIDs are the operation ids applied at
// or after LastSeen, kept so catch-up echoes of them deduplicate.
type SnapshotCache struct {
	Objects    []canvas.CanvasObject `json:"objects"`
	LastSeen   op.LogicalTime        `json:"last_seen_logical_time"`
	AppliedIDs []string              `json:"applied_operation_ids,omitempty"`
	CachedAt   time.Time             `json:"cached_at"`
}

// StoreConfig describes the inputs required to open a Store.
type StoreConfig struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store is the durable offline queue.
type Store struct {
	db     *bolt.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Open opens or creates the queue file and ensures its buckets exist.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: path is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPendingOps, bucketPendingIndex, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: initialize buckets: %w", err)
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Enqueue stores the operation until acknowledged. Enqueueing an already
// stored operation id is a no-op.
func (s *Store) Enqueue(operation op.Operation) error {
	if s.db == nil {
		return ErrQueueClosed
	}
	record := PendingOperationRecord{Operation: operation, StoredAt: s.clock().UTC()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("queue: encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPendingOps)
		if pending.Get([]byte(operation.ID)) != nil {
			return nil
		}
		if err := pending.Put([]byte(operation.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingIndex).Put(indexKey(operation), []byte(operation.ID))
	})
}

// Drain returns all pending operations ordered by logical time ascending.
// Records stay queued until individually acknowledged.
func (s *Store) Drain() ([]op.Operation, error) {
	if s.db == nil {
		return nil, ErrQueueClosed
	}
	var operations []op.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPendingOps)
		return tx.Bucket(bucketPendingIndex).ForEach(func(_, operationID []byte) error {
			encoded := pending.Get(operationID)
			if encoded == nil {
				return nil
			}
			var record PendingOperationRecord
			if err := json.Unmarshal(encoded, &record); err != nil {
				return fmt.Errorf("%w: %s", ErrCorruptRecord, operationID)
			}
			operations = append(operations, record.Operation)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return operations, nil
}

// Ack removes one record after the relay confirmed delivery. Ack is the
// only removal path for pending records.
func (s *Store) Ack(operationID string) error {
	if s.db == nil {
		return ErrQueueClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPendingOps)
		encoded := pending.Get([]byte(operationID))
		if encoded == nil {
			return nil
		}
		var record PendingOperationRecord
		if err := json.Unmarshal(encoded, &record); err != nil {
			return fmt.Errorf("%w: %s", ErrCorruptRecord, operationID)
		}
		if err := pending.Delete([]byte(operationID)); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingIndex).Delete(indexKey(record.Operation))
	})
}

// Len returns the number of pending records.
func (s *Store) Len() (int, error) {
	if s.db == nil {
		return 0, ErrQueueClosed
	}
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketPendingOps).Stats().KeyN
		return nil
	})
	return count, err
}

// Flush drains the queue and sends records one at a time, in order,
// acknowledging each delivered record. On the first failure it stops and
// retains the failed record and everything after it: later operations may
// depend on it, so skipping is never safe. The context cancels a flush in
// progress between sends.
func (s *Store) Flush(ctx context.Context, send func(context.Context, op.Operation) error) (int, error) {
	operations, err := s.Drain()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, operation := range operations {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := send(ctx, operation); err != nil {
			s.logger.Warn("flush stopped on delivery failure",
				zap.String("operation_id", operation.ID),
				zap.Int("sent", sent),
				zap.Error(err))
			return sent, err
		}
		if err := s.Ack(operation.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// CacheSnapshot stores the latest document snapshot and sync position,
// replacing any previously cached record. CachedAt is stamped here.
func (s *Store) CacheSnapshot(cache SnapshotCache) error {
	if s.db == nil {
		return ErrQueueClosed
	}
	cache.CachedAt = s.clock().UTC()
	encoded, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("queue: encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keyLatestSnapshot, encoded)
	})
}

// CachedSnapshot returns the cached snapshot record, if any.
func (s *Store) CachedSnapshot() (SnapshotCache, bool, error) {
	if s.db == nil {
		return SnapshotCache{}, false, ErrQueueClosed
	}
	var record SnapshotCache
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		encoded := tx.Bucket(bucketSnapshot).Get(keyLatestSnapshot)
		if encoded == nil {
			return nil
		}
		if err := json.Unmarshal(encoded, &record); err != nil {
			return fmt.Errorf("%w: snapshot", ErrCorruptRecord)
		}
		found = true
		return nil
	})
	if err != nil {
		return SnapshotCache{}, false, err
	}
	return record, found, nil
}

// indexKey orders pending records by logical time, with the operation id
// as a tiebreaker so the key is unique.
func indexKey(operation op.Operation) []byte {
	key := make([]byte, 8, 8+len(operation.ID))
	binary.BigEndian.PutUint64(key, uint64(operation.LogicalTime))
	return append(key, operation.ID...)
}
