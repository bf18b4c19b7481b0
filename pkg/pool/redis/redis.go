package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixRecord      = "relay:record:"
	keyPrefixSignature   = "relay:sig:"
	keyPrefixClaim       = "relay:claim:"
	keySchemaVersion     = "relay:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Key set for listing operations (Redis doesn't support prefix iteration natively)
	keySetRecords = "relay:records:index"
)

const opTimeout = 5 * time.Second

// RedisPool is a submission pool backed by Redis: the backend for running
// several relay processes against one shared pool. Claims are arbitrated
// with SET NX on a per-record claim key, which is atomic across processes,
// so the exactly-once claim property holds for the whole relay fleet.
type RedisPool struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string // Custom prefix for all keys
	mu        sync.RWMutex
	closed    bool
	now       func() time.Time
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is an optional custom prefix for all keys (for multi-tenant
	// setups). If set, keys become e.g. "myapp:relay:record:<id>".
	KeyPrefix string
}

// NewRedisPool creates a new Redis-backed submission pool.
func NewRedisPool(cfg *RedisConfig, logger *zap.Logger) (*RedisPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPool{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		now:       time.Now,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis submission pool initialized", "address", cfg.Address, "db", cfg.DB)

	return rp, nil
}

// prefixKey adds the custom key prefix (if configured) to a key
func (r *RedisPool) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

// initSchema initializes or validates the schema version
func (r *RedisPool) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

func (r *RedisPool) recordKey(id string) string {
	return r.prefixKey(keyPrefixRecord + id)
}

func (r *RedisPool) signatureKey(dedupKey string) string {
	return r.prefixKey(keyPrefixSignature + dedupKey)
}

func (r *RedisPool) claimKey(id string) string {
	return r.prefixKey(keyPrefixClaim + id)
}

func (r *RedisPool) getRecord(ctx context.Context, id string) (*types.PendingRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return pool.UnmarshalRecord(data)
}

func (r *RedisPool) setRecord(ctx context.Context, record *types.PendingRecord) error {
	data, err := pool.MarshalRecord(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.recordKey(record.ID), data, 0).Err()
}

// Insert queues an authorization, deduplicating on its signature. Dedup is
// arbitrated with SET NX on the signature key, so concurrent inserts of the
// same authorization from different processes converge on one record.
func (r *RedisPool) Insert(auth *types.Authorization) (*pool.InsertResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}
	if auth == nil {
		return nil, fmt.Errorf("cannot insert nil authorization")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := pool.NewRecord(auth, r.now())
	if err != nil {
		return nil, err
	}

	sigKey := r.signatureKey(record.DedupKey)
	for attempt := 0; attempt < 2; attempt++ {
		won, err := r.client.SetNX(ctx, sigKey, record.ID, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve dedup key: %w", err)
		}

		if won {
			if err := r.setRecord(ctx, record); err != nil {
				r.rollbackInsert(ctx, sigKey, record.ID)
				return nil, err
			}
			if err := r.client.SAdd(ctx, r.prefixKey(keySetRecords), record.ID).Err(); err != nil {
				r.rollbackInsert(ctx, sigKey, record.ID)
				return nil, fmt.Errorf("failed to index record: %w", err)
			}
			return &pool.InsertResult{Record: record, Created: true}, nil
		}

		existingID, err := r.client.Get(ctx, sigKey).Result()
		if err == redis.Nil {
			// The reservation was released between SetNX and Get. Reserve again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read dedup key: %w", err)
		}
		existing, err := r.getRecord(ctx, existingID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// A reservation left behind by an insert that never wrote its
			// record. Clear it so the authorization stays queueable.
			if err := r.client.Del(ctx, sigKey).Err(); err != nil {
				return nil, fmt.Errorf("failed to clear stale dedup key: %w", err)
			}
			r.logger.Sugar().Warnw("Cleared stale dedup reservation", "dedupKey", record.DedupKey, "staleID", existingID)
			continue
		}
		return &pool.InsertResult{Record: existing, Created: false}, nil
	}

	return nil, fmt.Errorf("could not settle dedup reservation for authorization")
}

// rollbackInsert undoes a partial insert so the dedup key never outlives the
// record it points at. Best effort: a failure here is logged, and the stale
// reservation is cleared by the loser path of a later Insert.
func (r *RedisPool) rollbackInsert(ctx context.Context, sigKey, recordID string) {
	if err := r.client.Del(ctx, sigKey, r.recordKey(recordID)).Err(); err != nil {
		r.logger.Sugar().Warnw("Failed to roll back partial insert", "id", recordID, "error", err)
	}
}

// Get retrieves a record by id.
func (r *RedisPool) Get(id string) (*types.PendingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.getRecord(ctx, id)
}

func (r *RedisPool) listRecords(ctx context.Context, filter func(*types.PendingRecord) bool) ([]*types.PendingRecord, error) {
	ids, err := r.client.SMembers(ctx, r.prefixKey(keySetRecords)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record index: %w", err)
	}

	records := make([]*types.PendingRecord, 0, len(ids))
	for _, id := range ids {
		record, err := r.getRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil {
			r.logger.Sugar().Warnw("Record index entry without record, skipping", "id", id)
			continue
		}
		if filter == nil || filter(record) {
			records = append(records, record)
		}
	}

	return records, nil
}

// ListPending returns pending records, oldest first.
func (r *RedisPool) ListPending(limit int) ([]*types.PendingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	records, err := r.listRecords(ctx, func(rec *types.PendingRecord) bool {
		return rec.Status == types.StatusPending
	})
	if err != nil {
		return nil, err
	}

	pool.SortPendingOldestFirst(records)
	return pool.Truncate(records, limit), nil
}

// ListRecent returns records of any status, newest first.
func (r *RedisPool) ListRecent(limit int) ([]*types.PendingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	records, err := r.listRecords(ctx, nil)
	if err != nil {
		return nil, err
	}

	pool.SortRecentNewestFirst(records)
	return pool.Truncate(records, limit), nil
}

// TryClaim atomically transitions a pending record to claimed. The claim is
// arbitrated with SET NX on a per-record claim key: of N concurrent callers
// across any number of processes, exactly one sets the key.
func (r *RedisPool) TryClaim(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false, fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := r.getRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if record == nil || record.Status != types.StatusPending {
		return false, nil
	}

	won, err := r.client.SetNX(ctx, r.claimKey(id), r.now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %w", err)
	}
	if !won {
		return false, nil
	}

	claimedAt := r.now().UTC()
	record.Status = types.StatusClaimed
	record.ClaimedAt = &claimedAt
	if err := r.setRecord(ctx, record); err != nil {
		// Release the claim key or the record stays pending with nobody
		// able to claim it.
		if delErr := r.client.Del(ctx, r.claimKey(id)).Err(); delErr != nil {
			r.logger.Sugar().Warnw("Failed to release claim key after write failure", "id", id, "error", delErr)
		}
		return false, err
	}

	return true, nil
}

// Complete applies a terminal outcome to a claimed record.
func (r *RedisPool) Complete(id string, outcome *types.ExecutionOutcome) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := r.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("record %s does not exist", id)
	}

	if err := pool.ApplyOutcome(record, outcome, r.now()); err != nil {
		return err
	}

	return r.setRecord(ctx, record)
}

// MarkConfirmed transitions a record to executed with an external tx hash.
func (r *RedisPool) MarkConfirmed(id string, txHash string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := r.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("record %s does not exist", id)
	}

	if err := pool.ApplyConfirmation(record, txHash, r.now()); err != nil {
		return err
	}

	return r.setRecord(ctx, record)
}

// Close shuts down the pool
func (r *RedisPool) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, idempotent
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis submission pool closed")
	return nil
}

// HealthCheck verifies the pool is operational
func (r *RedisPool) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("submission pool is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.client.Ping(ctx).Err()
}
