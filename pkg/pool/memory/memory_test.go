package memory

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestMemoryPool_InsertAndGet(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	result, err := mp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.NotNil(t, result.Record)

	loaded, err := mp.Get(result.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.StatusPending, loaded.Status)
	assert.Equal(t, result.Record.DedupKey, loaded.DedupKey)
}

func TestMemoryPool_Get_NotFound(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	loaded, err := mp.Get("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryPool_InsertDeduplicatesBySignature(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	first, err := mp.Insert(testAuth(1))
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := mp.Insert(testAuth(1))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	pending, err := mp.ListPending(0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMemoryPool_ListPendingOrderAndLimit(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	mp.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []string
	for i := byte(1); i <= 3; i++ {
		result, err := mp.Insert(testAuth(i))
		require.NoError(t, err)
		ids = append(ids, result.Record.ID)
	}

	pending, err := mp.ListPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ids[0], pending[0].ID, "oldest first")
	assert.Equal(t, ids[2], pending[2].ID)

	limited, err := mp.ListPending(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Claimed records drop out of the pending list.
	claimed, err := mp.TryClaim(ids[0])
	require.NoError(t, err)
	require.True(t, claimed)

	pending, err = mp.ListPending(0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMemoryPool_ListRecentNewestFirst(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mp.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := mp.Insert(testAuth(1))
	require.NoError(t, err)
	second, err := mp.Insert(testAuth(2))
	require.NoError(t, err)

	claimed, err := mp.TryClaim(first.Record.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, mp.Complete(first.Record.ID, types.Success("0xabc", 21000)))

	recent, err := mp.ListRecent(0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.Record.ID, recent[0].ID, "newest first")
	assert.Equal(t, types.StatusExecuted, recent[1].Status)
}

func TestMemoryPool_TryClaimExactlyOnce(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	result, err := mp.Insert(testAuth(1))
	require.NoError(t, err)

	const callers = 32
	var wg sync.WaitGroup
	successes := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := mp.TryClaim(result.Record.ID)
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

func TestMemoryPool_TryClaimUnknownRecord(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	claimed, err := mp.TryClaim("no-such-id")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMemoryPool_CompleteRequiresClaim(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	result, err := mp.Insert(testAuth(1))
	require.NoError(t, err)

	err = mp.Complete(result.Record.ID, types.Success("0xabc", 21000))
	assert.Error(t, err, "Complete without TryClaim must fail")

	claimed, err := mp.TryClaim(result.Record.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, mp.Complete(result.Record.ID, types.Success("0xabc", 21000)))

	// Terminal: no second completion, no re-claim.
	assert.Error(t, mp.Complete(result.Record.ID, types.Failure(types.ReasonOnChainRevert, "x")))
	reclaimed, err := mp.TryClaim(result.Record.ID)
	require.NoError(t, err)
	assert.False(t, reclaimed)
}

func TestMemoryPool_MarkConfirmed(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	result, err := mp.Insert(testAuth(1))
	require.NoError(t, err)

	require.NoError(t, mp.MarkConfirmed(result.Record.ID, "0xexternal"))

	loaded, err := mp.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, loaded.Status)
	assert.Equal(t, "0xexternal", loaded.TxHash)

	assert.Error(t, mp.MarkConfirmed(result.Record.ID, "0xagain"))
	assert.Error(t, mp.MarkConfirmed("no-such-id", "0xabc"))
}

func TestMemoryPool_DeepCopies(t *testing.T) {
	mp := NewMemoryPool()
	defer func() { _ = mp.Close() }()

	auth := testAuth(1)
	result, err := mp.Insert(auth)
	require.NoError(t, err)

	// Mutating what the caller holds must not leak into the pool.
	result.Record.Status = types.StatusFailed
	auth.Amount.SetInt64(999999)

	loaded, err := mp.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, loaded.Status)
	assert.Zero(t, loaded.Authorization.Amount.Cmp(big.NewInt(100)))
}

func TestMemoryPool_ClosedBehavior(t *testing.T) {
	mp := NewMemoryPool()
	require.NoError(t, mp.HealthCheck())

	require.NoError(t, mp.Close())
	require.NoError(t, mp.Close(), "Close is idempotent")

	_, err := mp.Insert(testAuth(1))
	assert.Error(t, err)
	_, err = mp.Get("x")
	assert.Error(t, err)
	_, err = mp.ListPending(0)
	assert.Error(t, err)
	_, err = mp.TryClaim("x")
	assert.Error(t, err)
	assert.Error(t, mp.Complete("x", types.Success("0x", 0)))
	assert.Error(t, mp.HealthCheck())
}
