package types

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OperationKind identifies which on-chain operation an authorization requests.
type OperationKind string

const (
	OperationPay      OperationKind = "pay"
	OperationDisperse OperationKind = "disperse"
	OperationClaim    OperationKind = "claim"
)

// TokenKind names a faucet token for claim operations (e.g. "pyusd").
// Valid kinds are whichever tokens the relay's configuration maps to a
// faucet contract.
type TokenKind string

const (
	TokenKindMate  TokenKind = "mate"
	TokenKindPyusd TokenKind = "pyusd"
)

// KnownTokenKind reports whether a faucet contract exists for the kind.
// Claims for anything else are rejected at intake, never queued.
func KnownTokenKind(kind TokenKind) bool {
	switch kind {
	case TokenKindMate, TokenKindPyusd:
		return true
	}
	return false
}

// NonceMode selects how an authorization's nonce is validated against
// on-chain state.
type NonceMode string

const (
	// NonceModeSequential requires the nonce to exactly match the sender's
	// next expected on-chain value. Total ordering per sender.
	NonceModeSequential NonceMode = "sequential"

	// NonceModeUnique only requires that the nonce has never been consumed
	// on-chain. Permits out-of-order settlement of concurrent authorizations.
	NonceModeUnique NonceMode = "unique"
)

// Recipient is one entry of a disperse batch.
type Recipient struct {
	Amount  *big.Int       `json:"amount"`
	Address common.Address `json:"address"`
	Label   string         `json:"label"`
}

// Authorization is a signed, off-chain declaration of intent to perform an
// on-chain operation. Immutable once created; the signature binds every
// field through the canonical message.
type Authorization struct {
	Kind   OperationKind  `json:"kind"`
	Sender common.Address `json:"sender"`

	// Pay fields
	To common.Address `json:"to,omitempty"`

	// Pay and disperse share Token/Amount; for disperse Amount is the
	// declared batch total that must equal the sum of recipient amounts.
	Token      common.Address `json:"token,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Recipients []Recipient    `json:"recipients,omitempty"`

	// Claim fields
	TokenKind TokenKind `json:"tokenKind,omitempty"`

	PriorityFee *big.Int       `json:"priorityFee,omitempty"`
	Nonce       *big.Int       `json:"nonce"`
	NonceMode   NonceMode      `json:"nonceMode"`
	Executor    common.Address `json:"executor,omitempty"` // zero address = any executor
	Signature   []byte         `json:"signature"`
}

// SignatureHex returns the authorization's signature as a 0x-prefixed hex
// string. This is the pool's dedup key.
func (a *Authorization) SignatureHex() string {
	return "0x" + hex.EncodeToString(a.Signature)
}

// TotalCharge returns amount + priorityFee, the spendable balance the sender
// must cover. Nil components count as zero.
func (a *Authorization) TotalCharge() *big.Int {
	total := new(big.Int)
	if a.Amount != nil {
		total.Add(total, a.Amount)
	}
	if a.PriorityFee != nil {
		total.Add(total, a.PriorityFee)
	}
	return total
}

// RecipientsTotal sums the recipient amounts of a disperse batch.
func (a *Authorization) RecipientsTotal() *big.Int {
	total := new(big.Int)
	for _, r := range a.Recipients {
		if r.Amount != nil {
			total.Add(total, r.Amount)
		}
	}
	return total
}

// RestrictedExecutor reports whether execution is restricted to a single
// address, and that address if so.
func (a *Authorization) RestrictedExecutor() (common.Address, bool) {
	if a.Executor == (common.Address{}) {
		return common.Address{}, false
	}
	return a.Executor, true
}

// RecordStatus is the lifecycle state of a pool record.
type RecordStatus string

const (
	// StatusPending is the only non-terminal resting state.
	StatusPending RecordStatus = "pending"

	// StatusClaimed marks a record currently owned by one executor. A
	// claimed record always transitions to executed or failed; it never
	// returns to pending.
	StatusClaimed RecordStatus = "claimed"

	StatusExecuted RecordStatus = "executed"
	StatusFailed   RecordStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RecordStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// FailureReason classifies why an authorization could not be executed.
type FailureReason string

const (
	// ReasonMalformed is returned at the intake boundary only; malformed
	// requests are rejected before they are queued.
	ReasonMalformed FailureReason = "MalformedAuthorization"

	// ReasonSignatureMismatch: recovered signer != claimed sender. Permanent.
	ReasonSignatureMismatch FailureReason = "SignatureMismatch"

	// ReasonBatchSumMismatch: sum of disperse recipient amounts != declared
	// batch total. Permanent.
	ReasonBatchSumMismatch FailureReason = "BatchSumMismatch"

	ReasonNonceStale      FailureReason = "NonceStale"
	ReasonNonceOutOfOrder FailureReason = "NonceOutOfOrder"
	ReasonNonceUsed       FailureReason = "NonceAlreadyUsed"

	// ReasonInsufficientBalance: sender cannot cover amount + priorityFee at
	// execution time. Permanent for this record; the client may submit a
	// fresh authorization later.
	ReasonInsufficientBalance FailureReason = "InsufficientBalance"

	// ReasonFeeTooLow: offered priority fee is below this relay's floor.
	ReasonFeeTooLow FailureReason = "FeeTooLow"

	// ReasonTransientSubmission: network/node error before the call was
	// accepted. Retried internally with backoff; only terminal if all
	// attempts are exhausted.
	ReasonTransientSubmission FailureReason = "TransientSubmissionFailure"

	// ReasonOnChainRevert: the ledger rejected the call after acceptance.
	ReasonOnChainRevert FailureReason = "OnChainRevert"

	// ReasonConfirmationTimeout: the call was accepted but no receipt
	// arrived within the confirmation window. The outcome is unknown; the
	// record is failed rather than re-queued to avoid double submission.
	ReasonConfirmationTimeout FailureReason = "ConfirmationTimeout"
)

// ExecutionOutcome is the executor's verdict for a single authorization.
type ExecutionOutcome struct {
	Executed bool          `json:"executed"`
	TxHash   string        `json:"txHash,omitempty"`
	GasUsed  uint64        `json:"gasUsed,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Success builds an executed outcome.
func Success(txHash string, gasUsed uint64) *ExecutionOutcome {
	return &ExecutionOutcome{Executed: true, TxHash: txHash, GasUsed: gasUsed}
}

// Failure builds a failed outcome with a reason code and human-readable detail.
func Failure(reason FailureReason, detail string) *ExecutionOutcome {
	return &ExecutionOutcome{Executed: false, Reason: reason, Detail: detail}
}

// PendingRecord is the mutable lifecycle wrapper around an Authorization.
// Owned exclusively by the submission pool; the executor requests
// transitions through the pool's API and never mutates records directly.
type PendingRecord struct {
	// ID is derived deterministically from (sender, nonce, creation time)
	// and is used for external tracking. The dedup identity of an
	// authorization is DedupKey, not ID.
	ID string `json:"id"`

	// DedupKey is the authorization's signature in hex.
	DedupKey string `json:"dedupKey"`

	Authorization *Authorization `json:"authorization"`

	Status      RecordStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	ClaimedAt   *time.Time   `json:"claimedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`

	// Populated only after an execution attempt.
	TxHash        string        `json:"txHash,omitempty"`
	GasUsed       uint64        `json:"gasUsed,omitempty"`
	FailureReason FailureReason `json:"failureReason,omitempty"`
	ErrorDetail   string        `json:"errorDetail,omitempty"`
}
