package relay

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/canonical"
	"github.com/0xOucan/payvvm-relay/pkg/executor"
	"github.com/0xOucan/payvvm-relay/pkg/ledger"
	"github.com/0xOucan/payvvm-relay/pkg/logger"
	"github.com/0xOucan/payvvm-relay/pkg/pool/memory"
	"github.com/0xOucan/payvvm-relay/pkg/signature"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDomain = "payvvm-testnet"

var testToken = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

func signedPay(t *testing.T, key *ecdsa.PrivateKey, nonce int64, executorAddr common.Address) *types.Authorization {
	t.Helper()
	auth := &types.Authorization{
		Kind:      types.OperationPay,
		Sender:    crypto.PubkeyToAddress(key.PublicKey),
		To:        common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"),
		Token:     testToken,
		Amount:    big.NewInt(100),
		Nonce:     big.NewInt(nonce),
		NonceMode: types.NonceModeSequential,
		Executor:  executorAddr,
	}
	message, err := canonical.Canonicalize(testDomain, auth)
	require.NoError(t, err)
	sig, err := signature.SignMessage(key, message)
	require.NoError(t, err)
	auth.Signature = sig
	return auth
}

func newTestRelay(t *testing.T, p *memory.MemoryPool, stub ledger.ILedger, executorAddr common.Address) *Relay {
	t.Helper()
	ex := executor.NewExecutor(stub, testLogger(t), executor.Config{
		DomainID:            testDomain,
		ConfirmationTimeout: time.Second,
	})
	return NewRelay(p, ex, executorAddr, 10*time.Millisecond, testLogger(t))
}

func TestRelayCycleExecutesPendingRecord(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	stub := ledger.NewTestableLedgerStub()
	stub.SetBalance(sender, testToken, big.NewInt(1000))

	p := memory.NewMemoryPool()
	defer func() { _ = p.Close() }()

	result, err := p.Insert(signedPay(t, key, 0, common.Address{}))
	require.NoError(t, err)

	r := newTestRelay(t, p, stub, common.HexToAddress("0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE"))
	r.runCycle(context.Background())

	record, err := p.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, record.Status)
	assert.NotEmpty(t, record.TxHash)
	assert.Equal(t, 1, stub.SubmissionCount())
}

func TestRelayCycleRecordsFailures(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	// No balance configured: execution must fail permanently.

	stub := ledger.NewTestableLedgerStub()
	p := memory.NewMemoryPool()
	defer func() { _ = p.Close() }()

	result, err := p.Insert(signedPay(t, key, 0, common.Address{}))
	require.NoError(t, err)

	r := newTestRelay(t, p, stub, common.Address{})
	r.runCycle(context.Background())

	record, err := p.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, record.Status)
	assert.Equal(t, types.ReasonInsufficientBalance, record.FailureReason)
	assert.Zero(t, stub.SubmissionCount())
}

func TestRelaySkipsRecordsRestrictedToOtherExecutors(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	stub := ledger.NewTestableLedgerStub()
	stub.SetBalance(sender, testToken, big.NewInt(1000))

	p := memory.NewMemoryPool()
	defer func() { _ = p.Close() }()

	entitled := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	result, err := p.Insert(signedPay(t, key, 0, entitled))
	require.NoError(t, err)

	// The wrong relay leaves the record pending for the entitled one.
	newTestRelay(t, p, stub, other).runCycle(context.Background())

	record, err := p.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, record.Status)
	assert.Zero(t, stub.SubmissionCount())

	// The entitled relay picks it up.
	newTestRelay(t, p, stub, entitled).runCycle(context.Background())

	record, err = p.Get(result.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, record.Status)
}

func TestConcurrentRelaysExecuteExactlyOnce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	stub := ledger.NewTestableLedgerStub()
	stub.SetBalance(sender, testToken, big.NewInt(1000))

	p := memory.NewMemoryPool()
	defer func() { _ = p.Close() }()

	_, err = p.Insert(signedPay(t, key, 0, common.Address{}))
	require.NoError(t, err)

	// Several workers race over the same pool; TryClaim must let exactly
	// one of them submit.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		r := newTestRelay(t, p, stub, common.Address{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runCycle(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, stub.SubmissionCount(), "exactly one execution may reach the chain")
}

func TestRelayCycleSurvivesPoolFailure(t *testing.T) {
	p := memory.NewMemoryPool()
	require.NoError(t, p.Close()) // every pool call now errors

	r := newTestRelay(t, p, ledger.NewTestableLedgerStub(), common.Address{})
	assert.NotPanics(t, func() {
		r.runCycle(context.Background())
	})
}

func TestRelayStartStop(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	stub := ledger.NewTestableLedgerStub()
	stub.SetBalance(sender, testToken, big.NewInt(1000))

	p := memory.NewMemoryPool()
	defer func() { _ = p.Close() }()

	result, err := p.Insert(signedPay(t, key, 0, common.Address{}))
	require.NoError(t, err)

	r := newTestRelay(t, p, stub, common.Address{})
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		record, err := p.Get(result.Record.ID)
		return err == nil && record.Status == types.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop() // idempotent
}
