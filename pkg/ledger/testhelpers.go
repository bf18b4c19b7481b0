package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
)

// MockLedgerStub provides a minimal stub implementation of ILedger for testing
type MockLedgerStub struct{}

func (m *MockLedgerStub) SubmitPay(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return common.Hash{}, nil
}

func (m *MockLedgerStub) SubmitDisperse(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return common.Hash{}, nil
}

func (m *MockLedgerStub) SubmitClaim(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return common.Hash{}, nil
}

func (m *MockLedgerStub) WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error) {
	return &ethereumTypes.Receipt{Status: ethereumTypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func (m *MockLedgerStub) GetCurrentSyncNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *MockLedgerStub) IsAsyncNonceUsed(ctx context.Context, sender common.Address, nonce *big.Int) (bool, error) {
	return false, nil
}

func (m *MockLedgerStub) GetBalance(ctx context.Context, account common.Address, token common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

// TestableLedgerStub extends MockLedgerStub with configurable chain state and
// submission outcomes, and records every submission it accepts.
type TestableLedgerStub struct {
	MockLedgerStub
	mu sync.Mutex

	syncNonces  map[common.Address]*big.Int
	usedNonces  map[string]bool
	balances    map[string]*big.Int
	submitErr   error
	receiptErr  error
	receipt     *ethereumTypes.Receipt
	Submissions []*types.Authorization
}

// NewTestableLedgerStub creates a testable stub with empty chain state. All
// submissions succeed with a successful receipt until configured otherwise.
func NewTestableLedgerStub() *TestableLedgerStub {
	return &TestableLedgerStub{
		syncNonces: make(map[common.Address]*big.Int),
		usedNonces: make(map[string]bool),
		balances:   make(map[string]*big.Int),
		receipt:    &ethereumTypes.Receipt{Status: ethereumTypes.ReceiptStatusSuccessful, GasUsed: 21000},
	}
}

func asyncNonceKey(sender common.Address, nonce *big.Int) string {
	return fmt.Sprintf("%s:%s", sender.Hex(), nonce.String())
}

func balanceKey(account common.Address, token common.Address) string {
	return fmt.Sprintf("%s:%s", account.Hex(), token.Hex())
}

// SetSyncNonce sets the sender's current sequential nonce.
func (m *TestableLedgerStub) SetSyncNonce(sender common.Address, nonce *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncNonces[sender] = new(big.Int).Set(nonce)
}

// MarkAsyncNonceUsed marks a unique-mode nonce as consumed.
func (m *TestableLedgerStub) MarkAsyncNonceUsed(sender common.Address, nonce *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedNonces[asyncNonceKey(sender, nonce)] = true
}

// SetBalance sets the account's balance for a token.
func (m *TestableLedgerStub) SetBalance(account common.Address, token common.Address, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(account, token)] = new(big.Int).Set(balance)
}

// FailSubmissions makes every subsequent submission return err.
func (m *TestableLedgerStub) FailSubmissions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetReceipt overrides the receipt returned by WaitForReceipt.
func (m *TestableLedgerStub) SetReceipt(receipt *ethereumTypes.Receipt, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipt = receipt
	m.receiptErr = err
}

// SubmissionCount returns how many submissions the stub has accepted.
func (m *TestableLedgerStub) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submissions)
}

func (m *TestableLedgerStub) submit(auth *types.Authorization) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return common.Hash{}, m.submitErr
	}
	m.Submissions = append(m.Submissions, auth)
	return common.BigToHash(big.NewInt(int64(len(m.Submissions)))), nil
}

func (m *TestableLedgerStub) SubmitPay(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return m.submit(auth)
}

func (m *TestableLedgerStub) SubmitDisperse(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return m.submit(auth)
}

func (m *TestableLedgerStub) SubmitClaim(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	return m.submit(auth)
}

func (m *TestableLedgerStub) WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	receipt := *m.receipt
	receipt.TxHash = txHash
	return &receipt, nil
}

func (m *TestableLedgerStub) GetCurrentSyncNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce, ok := m.syncNonces[sender]; ok {
		return new(big.Int).Set(nonce), nil
	}
	return big.NewInt(0), nil
}

func (m *TestableLedgerStub) IsAsyncNonceUsed(ctx context.Context, sender common.Address, nonce *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedNonces[asyncNonceKey(sender, nonce)], nil
}

func (m *TestableLedgerStub) GetBalance(ctx context.Context, account common.Address, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[balanceKey(account, token)]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}
