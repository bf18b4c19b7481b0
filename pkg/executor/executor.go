package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/canonical"
	"github.com/0xOucan/payvvm-relay/pkg/ledger"
	"github.com/0xOucan/payvvm-relay/pkg/nonce"
	"github.com/0xOucan/payvvm-relay/pkg/signature"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethereumTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Submission retry policy. Retries apply only while the node has NOT
// accepted the transaction; once a hash is in the pending set the attempt is
// final, whatever happens afterwards, so a flaky node can never cause a
// double submission.
const (
	DefaultMaxSubmitAttempts = 3
	defaultBackoffBase       = 500 * time.Millisecond
)

// Config tunes one executor instance.
type Config struct {
	// DomainID is the canonical-message domain separator.
	DomainID string

	// MinPriorityFee is this relay's fee floor; nil accepts any fee.
	MinPriorityFee *big.Int

	// ConfirmationTimeout bounds the receipt wait after acceptance.
	ConfirmationTimeout time.Duration

	// MaxSubmitAttempts caps pre-acceptance submission attempts.
	MaxSubmitAttempts int
}

// Executor runs the full validation-and-submission pipeline for one
// authorization and classifies the result. It never touches the submission
// pool: claiming and recording are the relay loop's job.
type Executor struct {
	ledger    ledger.ILedger
	validator *nonce.Validator
	logger    *zap.Logger
	cfg       Config
}

func NewExecutor(l ledger.ILedger, logger *zap.Logger, cfg Config) *Executor {
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = DefaultMaxSubmitAttempts
	}
	return &Executor{
		ledger:    l,
		validator: nonce.NewValidator(l),
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute validates the authorization against live chain state, submits the
// on-chain call, waits for confirmation, and returns the classified outcome.
// Every non-nil return is terminal for the record; transient conditions are
// retried internally before being reported.
//
// Validity is checked here, immediately before submission, even though the
// intake boundary may have checked it before: on-chain state can change
// while a record waits in the pool.
func (e *Executor) Execute(ctx context.Context, auth *types.Authorization) *types.ExecutionOutcome {
	message, err := canonical.Canonicalize(e.cfg.DomainID, auth)
	if err != nil {
		return types.Failure(types.ReasonMalformed, err.Error())
	}

	if !signature.Verify(message, auth.Signature, auth.Sender) {
		return types.Failure(types.ReasonSignatureMismatch,
			fmt.Sprintf("signature does not recover to %s", auth.Sender.Hex()))
	}

	if auth.Kind == types.OperationDisperse {
		if total := auth.RecipientsTotal(); auth.Amount == nil || total.Cmp(auth.Amount) != 0 {
			return types.Failure(types.ReasonBatchSumMismatch,
				fmt.Sprintf("recipient amounts sum to %s, batch declares %s", total.String(), amountString(auth.Amount)))
		}
	}

	if e.cfg.MinPriorityFee != nil && e.cfg.MinPriorityFee.Sign() > 0 {
		offered := big.NewInt(0)
		if auth.PriorityFee != nil {
			offered = auth.PriorityFee
		}
		if offered.Cmp(e.cfg.MinPriorityFee) < 0 {
			return types.Failure(types.ReasonFeeTooLow,
				fmt.Sprintf("offered fee %s is below floor %s", offered.String(), e.cfg.MinPriorityFee.String()))
		}
	}

	if err := e.validator.Validate(ctx, auth.Sender, auth.Nonce, auth.NonceMode); err != nil {
		var verdict *nonce.Verdict
		if errors.As(err, &verdict) {
			return types.Failure(verdict.Reason, verdict.Detail)
		}
		// A failed read says nothing about validity; treat like any other
		// pre-acceptance node problem.
		return types.Failure(types.ReasonTransientSubmission,
			fmt.Sprintf("nonce validation read failed: %v", err))
	}

	if required := auth.TotalCharge(); required.Sign() > 0 {
		balance, err := e.ledger.GetBalance(ctx, auth.Sender, auth.Token)
		if err != nil {
			return types.Failure(types.ReasonTransientSubmission,
				fmt.Sprintf("balance read failed: %v", err))
		}
		if balance.Cmp(required) < 0 {
			return types.Failure(types.ReasonInsufficientBalance,
				fmt.Sprintf("balance %s cannot cover %s", balance.String(), required.String()))
		}
	}

	txHash, err := e.submitWithRetry(ctx, auth)
	if err != nil {
		return types.Failure(types.ReasonTransientSubmission, err.Error())
	}

	waitCtx := ctx
	if e.cfg.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
		defer cancel()
	}

	receipt, err := e.ledger.WaitForReceipt(waitCtx, txHash)
	if err != nil {
		// The transaction may still land later; the record is failed with
		// a distinct reason and is never re-queued, so the worst case is
		// bookkeeping lag, not a double execution.
		return types.Failure(types.ReasonConfirmationTimeout,
			fmt.Sprintf("no receipt for %s: %v", txHash.Hex(), err))
	}

	if receipt.Status != ethereumTypes.ReceiptStatusSuccessful {
		return types.Failure(types.ReasonOnChainRevert, revertDetail(receipt))
	}

	return types.Success(receipt.TxHash.Hex(), receipt.GasUsed)
}

// submitWithRetry dispatches the submission call with bounded exponential
// backoff. Returns the accepted transaction hash or the last error.
func (e *Executor) submitWithRetry(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxSubmitAttempts; attempt++ {
		txHash, err := e.submit(ctx, auth)
		if err == nil {
			return txHash, nil
		}
		lastErr = err

		e.logger.Sugar().Warnw("Submission attempt failed",
			"attempt", attempt,
			"maxAttempts", e.cfg.MaxSubmitAttempts,
			"sender", auth.Sender.Hex(),
			"error", err,
		)

		if attempt == e.cfg.MaxSubmitAttempts {
			break
		}
		select {
		case <-time.After(defaultBackoffBase << (attempt - 1)):
		case <-ctx.Done():
			return common.Hash{}, fmt.Errorf("submission aborted: %w", ctx.Err())
		}
	}

	return common.Hash{}, fmt.Errorf("all %d submission attempts failed: %w", e.cfg.MaxSubmitAttempts, lastErr)
}

func (e *Executor) submit(ctx context.Context, auth *types.Authorization) (common.Hash, error) {
	switch auth.Kind {
	case types.OperationPay:
		return e.ledger.SubmitPay(ctx, auth)
	case types.OperationDisperse:
		return e.ledger.SubmitDisperse(ctx, auth)
	case types.OperationClaim:
		return e.ledger.SubmitClaim(ctx, auth)
	default:
		return common.Hash{}, fmt.Errorf("unknown operation kind %q", auth.Kind)
	}
}

func revertDetail(receipt *ethereumTypes.Receipt) string {
	return fmt.Sprintf("transaction %s reverted (status %d, gasUsed %d)",
		receipt.TxHash.Hex(), receipt.Status, receipt.GasUsed)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
