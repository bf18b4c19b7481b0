package redis

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/logger"
	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestRedisAddress returns the Redis address for testing.
// Uses REDIS_TEST_ADDRESS env var if set, otherwise defaults to localhost:6379.
func getTestRedisAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// requireRedis skips the test if Redis is not available. Each test run gets
// its own key prefix so runs do not interfere with each other.
func requireRedis(t *testing.T) *RedisPool {
	t.Helper()

	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	cfg := &RedisConfig{
		Address:   getTestRedisAddress(),
		DB:        15, // Use DB 15 for tests to avoid conflicts
		KeyPrefix: "test:" + uuid.NewString() + ":",
	}

	rp, err := NewRedisPool(cfg, testLogger)
	if err != nil {
		t.Skipf("Redis not available at %s: %v", cfg.Address, err)
		return nil
	}

	return rp
}

func testAuth(sig byte) *types.Authorization {
	signature := make([]byte, 65)
	signature[0] = sig
	return &types.Authorization{
		Kind:      types.OperationPay,
		Sender:    common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		To:        common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"),
		Amount:    big.NewInt(100),
		Nonce:     big.NewInt(int64(sig)),
		NonceMode: types.NonceModeSequential,
		Signature: signature,
	}
}

func TestRedisPool_InsertGetAndDedup(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	first, err := rp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.True(t, first.Created)

	loaded, err := rp.Get(first.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.StatusPending, loaded.Status)

	second, err := rp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	missing, err := rp.Get("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// failRecordWrites fails SET commands against record keys while armed,
// simulating Redis going unhealthy between a key reservation and the
// record write that should follow it.
type failRecordWrites struct {
	armed bool
}

func (h *failRecordWrites) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failRecordWrites) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.armed && cmd.Name() == "set" {
			if key, ok := cmd.Args()[1].(string); ok && strings.Contains(key, keyPrefixRecord) {
				return fmt.Errorf("injected record write failure")
			}
		}
		return next(ctx, cmd)
	}
}

func (h *failRecordWrites) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisPool_InsertRollsBackFailedRecordWrite(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	hook := &failRecordWrites{armed: true}
	rp.client.AddHook(hook)

	_, err := rp.Insert(testAuth(1))
	require.Error(t, err)

	// The dedup reservation must not outlive the failed insert: the same
	// authorization is queueable again once Redis recovers.
	hook.armed = false
	result, err := rp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.True(t, result.Created)

	loaded, err := rp.Get(result.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.StatusPending, loaded.Status)
}

func TestRedisPool_InsertClearsStaleDedupReservation(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	auth := testAuth(1)
	record, err := pool.NewRecord(auth, time.Now())
	require.NoError(t, err)

	// A reservation pointing at a record that was never written, as left
	// behind by a process that died between reserving and writing.
	require.NoError(t, rp.client.Set(context.Background(), rp.signatureKey(record.DedupKey), "ghost", 0).Err())

	result, err := rp.Insert(auth)
	require.NoError(t, err)
	assert.True(t, result.Created)

	second, err := rp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, result.Record.ID, second.Record.ID)
}

func TestRedisPool_TryClaimReleasesClaimOnWriteFailure(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	result, err := rp.Insert(testAuth(1))
	require.NoError(t, err)

	hook := &failRecordWrites{armed: true}
	rp.client.AddHook(hook)

	_, err = rp.TryClaim(result.Record.ID)
	require.Error(t, err)

	// The claim key must not survive the failed write, otherwise the
	// record stays pending with no relay ever able to claim it.
	hook.armed = false
	claimed, err := rp.TryClaim(result.Record.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRedisPool_Lifecycle(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	result, err := rp.Insert(testAuth(1))
	require.NoError(t, err)

	assert.Error(t, rp.Complete(result.Record.ID, types.Success("0xabc", 21000)))

	claimed, err := rp.TryClaim(result.Record.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second claim observes the claim key and loses.
	reclaimed, err := rp.TryClaim(result.Record.ID)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	require.NoError(t, rp.Complete(result.Record.ID, types.Success("0xabc", 21000)))

	loaded, err := rp.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, loaded.Status)
	assert.Equal(t, "0xabc", loaded.TxHash)

	assert.Error(t, rp.Complete(result.Record.ID, types.Failure(types.ReasonOnChainRevert, "x")))
}

func TestRedisPool_TryClaimExactlyOnce(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	result, err := rp.Insert(testAuth(1))
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	successes := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := rp.TryClaim(result.Record.ID)
			assert.NoError(t, err)
			if claimed {
				successes <- true
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Len(t, successes, 1, "exactly one concurrent claim must succeed")
}

func TestRedisPool_Listing(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	var ids []string
	for i := byte(1); i <= 3; i++ {
		result, err := rp.Insert(testAuth(i))
		require.NoError(t, err)
		ids = append(ids, result.Record.ID)
	}

	pending, err := rp.ListPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ids[0], pending[0].ID, "oldest first")

	limited, err := rp.ListPending(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	recent, err := rp.ListRecent(0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[2], recent[0].ID, "newest first")
}

func TestRedisPool_MarkConfirmed(t *testing.T) {
	rp := requireRedis(t)
	defer func() { _ = rp.Close() }()

	result, err := rp.Insert(testAuth(1))
	require.NoError(t, err)

	require.NoError(t, rp.MarkConfirmed(result.Record.ID, "0xexternal"))

	loaded, err := rp.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, loaded.Status)
	assert.Error(t, rp.MarkConfirmed(result.Record.ID, "0xagain"))
}

func TestRedisPool_ClosedBehavior(t *testing.T) {
	rp := requireRedis(t)

	require.NoError(t, rp.HealthCheck())
	require.NoError(t, rp.Close())
	require.NoError(t, rp.Close(), "Close is idempotent")

	_, err := rp.Insert(testAuth(1))
	assert.Error(t, err)
	_, err = rp.TryClaim("x")
	assert.Error(t, err)
	assert.Error(t, rp.HealthCheck())
}
