package ledger

import (
	"context"
	"math/big"

	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
)

// ILedger is the relay's outbound surface to the on-chain payment contract:
// three submission calls mirroring the operation kinds, plus the read-only
// nonce and balance queries the validators need. Submissions return once the
// node has accepted the transaction; confirmation is a separate wait so the
// caller owns the timeout.
type ILedger interface {
	// SubmitPay submits a signed single-payment authorization.
	SubmitPay(ctx context.Context, auth *types.Authorization) (common.Hash, error)

	// SubmitDisperse submits a signed batch disbursement authorization.
	SubmitDisperse(ctx context.Context, auth *types.Authorization) (common.Hash, error)

	// SubmitClaim submits a signed faucet claim against the faucet contract
	// configured for auth.TokenKind.
	SubmitClaim(ctx context.Context, auth *types.Authorization) (common.Hash, error)

	// WaitForReceipt blocks until the transaction is mined or ctx expires.
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*ethereumTypes.Receipt, error)

	// GetCurrentSyncNonce reads the sender's next expected sequential nonce.
	GetCurrentSyncNonce(ctx context.Context, sender common.Address) (*big.Int, error)

	// IsAsyncNonceUsed reports whether the sender has already consumed the
	// given unique-mode nonce.
	IsAsyncNonceUsed(ctx context.Context, sender common.Address, nonce *big.Int) (bool, error)

	// GetBalance reads the account's ledger balance for the given token.
	GetBalance(ctx context.Context, account common.Address, token common.Address) (*big.Int, error)
}
