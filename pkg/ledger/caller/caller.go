package caller

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/canonical"
	"github.com/0xOucan/payvvm-relay/pkg/config"
	"github.com/0xOucan/payvvm-relay/pkg/transactionSigner"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Payments contract surface the relay talks to: the three submission
// functions and the nonce/balance reads. Faucets share one claim signature.
const paymentsABI = `[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "priorityFee", "type": "uint256"},
			{"name": "nonce", "type": "uint256"},
			{"name": "priorityFlag", "type": "bool"},
			{"name": "executor", "type": "address"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "pay",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "recipients", "type": "tuple[]", "components": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			]},
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "priorityFee", "type": "uint256"},
			{"name": "nonce", "type": "uint256"},
			{"name": "priorityFlag", "type": "bool"},
			{"name": "executor", "type": "address"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "dispersePay",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "user", "type": "address"}],
		"name": "getNextCurrentSyncNonce",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "nonce", "type": "uint256"}
		],
		"name": "getIfUsedAsyncNonce",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "user", "type": "address"},
			{"name": "token", "type": "address"}
		],
		"name": "seeBalance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const faucetABI = `[
	{
		"inputs": [
			{"name": "claimer", "type": "address"},
			{"name": "nonce", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "claim",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// receiptPollInterval paces WaitForReceipt queries against the node.
const receiptPollInterval = 2 * time.Second

// disperseRecipient mirrors the on-chain recipient tuple. Labels are
// off-chain display data and are not submitted.
type disperseRecipient struct {
	To     common.Address `abi:"to"`
	Amount *big.Int       `abi:"amount"`
}

// LedgerCaller is the concrete on-chain boundary over an Ethereum node.
type LedgerCaller struct {
	ethClient *ethclient.Client
	logger    *zap.Logger
	signer    transactionSigner.ITransactionSigner
	contracts *config.LedgerContractAddresses

	payments abi.ABI
	faucet   abi.ABI
}

// NewLedgerCaller builds the caller for the chain the client is connected
// to, resolving contract addresses from configuration.
func NewLedgerCaller(
	ethClient *ethclient.Client,
	signer transactionSigner.ITransactionSigner,
	logger *zap.Logger,
) (*LedgerCaller, error) {
	chainId, err := ethClient.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	contracts, err := config.GetLedgerContractsForChainId(config.ChainId(chainId.Uint64()))
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger contracts: %w", err)
	}
	logger.Sugar().Infow("Using ledger contracts",
		zap.Any("ledgerContracts", contracts),
	)

	payments, err := abi.JSON(strings.NewReader(paymentsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payments ABI: %w", err)
	}
	faucet, err := abi.JSON(strings.NewReader(faucetABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse faucet ABI: %w", err)
	}

	return &LedgerCaller{
		ethClient: ethClient,
		logger:    logger,
		signer:    signer,
		contracts: contracts,
		payments:  payments,
		faucet:    faucet,
	}, nil
}

func (lc *LedgerCaller) paymentsAddress() common.Address {
	return common.HexToAddress(lc.contracts.Payments)
}

// faucetAddress resolves the faucet contract for a token kind.
func (lc *LedgerCaller) faucetAddress(kind types.TokenKind) (common.Address, error) {
	switch kind {
	case types.TokenKindMate:
		return common.HexToAddress(lc.contracts.MateFaucet), nil
	case types.TokenKindPyusd:
		return common.HexToAddress(lc.contracts.PyusdFaucet), nil
	default:
		return common.Address{}, fmt.Errorf("no faucet configured for token kind %q", kind)
	}
}

// normalized re-parses an address through the shared normalization routine
// so submitted call parameters match what the user signed over.
func normalized(addr common.Address) common.Address {
	return common.HexToAddress(canonical.NormalizeAddress(addr))
}

func feeOrZero(fee *big.Int) *big.Int {
	if fee == nil {
		return big.NewInt(0)
	}
	return fee
}

// SubmitPay submits a signed single-payment authorization.
func (lc *LedgerCaller) SubmitPay(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	priorityFlag := auth.NonceMode == types.NonceModeUnique

	data, err := lc.payments.Pack("pay",
		normalized(auth.Sender),
		normalized(auth.To),
		normalized(auth.Token),
		auth.Amount,
		feeOrZero(auth.PriorityFee),
		auth.Nonce,
		priorityFlag,
		normalized(auth.Executor),
		auth.Signature,
	)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to pack pay call for sender %s", auth.Sender.Hex())
	}

	tx, err := lc.signer.SignAndSendTransaction(ctx, lc.paymentsAddress(), data)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to submit pay for sender %s", auth.Sender.Hex())
	}

	return tx.Hash(), nil
}

// SubmitDisperse submits a signed batch disbursement authorization.
func (lc *LedgerCaller) SubmitDisperse(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	recipients := make([]disperseRecipient, len(auth.Recipients))
	for i, r := range auth.Recipients {
		recipients[i] = disperseRecipient{To: normalized(r.Address), Amount: r.Amount}
	}

	priorityFlag := auth.NonceMode == types.NonceModeUnique

	data, err := lc.payments.Pack("dispersePay",
		normalized(auth.Sender),
		recipients,
		normalized(auth.Token),
		auth.Amount,
		feeOrZero(auth.PriorityFee),
		auth.Nonce,
		priorityFlag,
		normalized(auth.Executor),
		auth.Signature,
	)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to pack dispersePay call for sender %s", auth.Sender.Hex())
	}

	tx, err := lc.signer.SignAndSendTransaction(ctx, lc.paymentsAddress(), data)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to submit dispersePay for sender %s", auth.Sender.Hex())
	}

	return tx.Hash(), nil
}

// SubmitClaim submits a signed faucet claim.
func (lc *LedgerCaller) SubmitClaim(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	faucetAddr, err := lc.faucetAddress(auth.TokenKind)
	if err != nil {
		return common.Hash{}, err
	}

	data, err := lc.faucet.Pack("claim",
		normalized(auth.Sender),
		auth.Nonce,
		auth.Signature,
	)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to pack claim call for claimer %s", auth.Sender.Hex())
	}

	tx, err := lc.signer.SignAndSendTransaction(ctx, faucetAddr, data)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to submit claim for claimer %s", auth.Sender.Hex())
	}

	return tx.Hash(), nil
}

// WaitForReceipt polls for the transaction receipt until ctx expires. The
// caller decides the timeout; an expired ctx means the outcome is unknown,
// not that the transaction failed.
func (lc *LedgerCaller) WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := lc.ethClient.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			lc.logger.Sugar().Warnw("Receipt query failed, retrying",
				"txHash", txHash.Hex(), "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "gave up waiting for receipt of %s", txHash.Hex())
		}
	}
}

func (lc *LedgerCaller) callPayments(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := lc.payments.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack %s call", method)
	}

	to := lc.paymentsAddress()
	output, err := lc.ethClient.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call %s", method)
	}

	results, err := lc.payments.Unpack(method, output)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %s result", method)
	}
	return results, nil
}

// GetCurrentSyncNonce reads the sender's next expected sequential nonce.
func (lc *LedgerCaller) GetCurrentSyncNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	results, err := lc.callPayments(ctx, "getNextCurrentSyncNonce", normalized(sender))
	if err != nil {
		return nil, err
	}

	nonce, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNextCurrentSyncNonce result type %T", results[0])
	}
	return nonce, nil
}

// IsAsyncNonceUsed reports whether the sender has consumed a unique nonce.
func (lc *LedgerCaller) IsAsyncNonceUsed(ctx context.Context, sender common.Address, nonce *big.Int) (bool, error) {
	results, err := lc.callPayments(ctx, "getIfUsedAsyncNonce", normalized(sender), nonce)
	if err != nil {
		return false, err
	}

	used, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected getIfUsedAsyncNonce result type %T", results[0])
	}
	return used, nil
}

// GetBalance reads the account's ledger balance for a token.
func (lc *LedgerCaller) GetBalance(ctx context.Context, account common.Address, token common.Address) (*big.Int, error) {
	results, err := lc.callPayments(ctx, "seeBalance", normalized(account), normalized(token))
	if err != nil {
		return nil, err
	}

	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected seeBalance result type %T", results[0])
	}
	return balance, nil
}
