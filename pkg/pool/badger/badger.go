package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixRecord      = "record:"
	keyPrefixSignature   = "sig:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPool is a durable submission pool backed by Badger. Suitable for a
// single relay process: the exactly-once guarantee survives restarts, and
// TryClaim is atomic through Badger's serializable transactions. For
// multiple relay processes sharing one pool, use the Redis backend.
type BadgerPool struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	now      func() time.Time
}

// NewBadgerPool opens (or creates) the pool database at dataPath with
// SyncWrites enabled for durability. A background goroutine is started for
// value log garbage collection.
func NewBadgerPool(dataPath string, logger *zap.Logger) (*BadgerPool, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &zapBadgerLogger{logger: logger}
	opts.SyncWrites = true // Ensure durability (fsync on every write)
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPool{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger submission pool initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerPool) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

// runGC runs periodic value log garbage collection in the background
func (b *BadgerPool) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func recordKey(id string) []byte {
	return []byte(keyPrefixRecord + id)
}

func signatureKey(dedupKey string) []byte {
	return []byte(keyPrefixSignature + dedupKey)
}

func getRecordTxn(txn *badgerdb.Txn, id string) (*types.PendingRecord, error) {
	item, err := txn.Get(recordKey(id))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}

	var data []byte
	err = item.Value(func(val []byte) error {
		data = append([]byte{}, val...) // Copy value
		return nil
	})
	if err != nil {
		return nil, err
	}

	return pool.UnmarshalRecord(data)
}

func setRecordTxn(txn *badgerdb.Txn, record *types.PendingRecord) error {
	data, err := pool.MarshalRecord(record)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(record.ID), data)
}

// Insert queues an authorization, deduplicating on its signature. The dedup
// index lookup and both writes happen in one transaction, so concurrent
// inserts of the same authorization converge on a single record.
func (b *BadgerPool) Insert(auth *types.Authorization) (*pool.InsertResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}
	if auth == nil {
		return nil, fmt.Errorf("cannot insert nil authorization")
	}

	var result *pool.InsertResult
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(signatureKey(pool.DedupKey(auth)))
		if err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			existing, err := getRecordTxn(txn, existingID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("dedup index points at missing record %s", existingID)
			}
			result = &pool.InsertResult{Record: existing, Created: false}
			return nil
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}

		record, err := pool.NewRecord(auth, b.now())
		if err != nil {
			return err
		}
		if err := setRecordTxn(txn, record); err != nil {
			return err
		}
		if err := txn.Set(signatureKey(record.DedupKey), []byte(record.ID)); err != nil {
			return err
		}
		result = &pool.InsertResult{Record: record, Created: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	return result, nil
}

// Get retrieves a record by id.
func (b *BadgerPool) Get(id string) (*types.PendingRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	var record *types.PendingRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		record, err = getRecordTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	return record, nil
}

func (b *BadgerPool) listRecords(filter func(*types.PendingRecord) bool) ([]*types.PendingRecord, error) {
	var records []*types.PendingRecord

	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRecord)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			var data []byte
			err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...) // Copy value
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			record, err := pool.UnmarshalRecord(data)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal record, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}

			if filter == nil || filter(record) {
				records = append(records, record)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	return records, nil
}

// ListPending returns pending records, oldest first.
func (b *BadgerPool) ListPending(limit int) ([]*types.PendingRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	records, err := b.listRecords(func(r *types.PendingRecord) bool {
		return r.Status == types.StatusPending
	})
	if err != nil {
		return nil, err
	}

	pool.SortPendingOldestFirst(records)
	return pool.Truncate(records, limit), nil
}

// ListRecent returns records of any status, newest first.
func (b *BadgerPool) ListRecent(limit int) ([]*types.PendingRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	records, err := b.listRecords(nil)
	if err != nil {
		return nil, err
	}

	pool.SortRecentNewestFirst(records)
	return pool.Truncate(records, limit), nil
}

// TryClaim atomically transitions a pending record to claimed. Badger
// transactions are serializable, so of N concurrent claims exactly one
// commits; the rest re-read a claimed record or abort on conflict.
func (b *BadgerPool) TryClaim(id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false, fmt.Errorf("submission pool is closed")
	}

	claimed := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		record, err := getRecordTxn(txn, id)
		if err != nil {
			return err
		}
		if record == nil || record.Status != types.StatusPending {
			return nil
		}

		claimedAt := b.now().UTC()
		record.Status = types.StatusClaimed
		record.ClaimedAt = &claimedAt
		if err := setRecordTxn(txn, record); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err == badgerdb.ErrConflict {
		// Another claim committed first.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %w", err)
	}

	return claimed, nil
}

// Complete applies a terminal outcome to a claimed record.
func (b *BadgerPool) Complete(id string, outcome *types.ExecutionOutcome) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("submission pool is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		record, err := getRecordTxn(txn, id)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("record %s does not exist", id)
		}
		if err := pool.ApplyOutcome(record, outcome, b.now()); err != nil {
			return err
		}
		return setRecordTxn(txn, record)
	})
}

// MarkConfirmed transitions a record to executed with an external tx hash.
func (b *BadgerPool) MarkConfirmed(id string, txHash string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("submission pool is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		record, err := getRecordTxn(txn, id)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("record %s does not exist", id)
		}
		if err := pool.ApplyConfirmation(record, txHash, b.now()); err != nil {
			return err
		}
		return setRecordTxn(txn, record)
	})
}

// Close shuts down the pool
func (b *BadgerPool) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // Already closed, idempotent
	}
	b.closed = true
	b.mu.Unlock()

	// Stop GC goroutine
	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger submission pool closed")
	return nil
}

// HealthCheck verifies the pool is operational
func (b *BadgerPool) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("submission pool is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version key missing")
		}
		return err
	})
}
