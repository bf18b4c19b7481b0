package nonce

import (
	"context"
	"fmt"
	"math/big"

	"github.com/0xOucan/payvvm-relay/pkg/ledger"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Validator checks an authorization's nonce against current on-chain state.
// Results are point-in-time only: validity can be lost the moment another
// execution lands, so callers must re-validate immediately before executing,
// never rely on an intake-time check.
type Validator struct {
	ledger ledger.ILedger
}

func NewValidator(l ledger.ILedger) *Validator {
	return &Validator{ledger: l}
}

// Verdict is a permanent rejection of an authorization's nonce, carrying the
// failure classification for the record.
type Verdict struct {
	Reason types.FailureReason
	Detail string
}

func (v *Verdict) Error() string {
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

// Validate reports nil when the nonce is currently valid for the sender under
// the given mode. A *Verdict return is a permanent rejection of this
// authorization; any other error is a failed ledger read and says nothing
// about validity.
func (v *Validator) Validate(ctx context.Context, sender common.Address, nonce *big.Int, mode types.NonceMode) error {
	if nonce == nil {
		return &Verdict{Reason: types.ReasonMalformed, Detail: "nonce is missing"}
	}
	if nonce.Sign() < 0 {
		return &Verdict{Reason: types.ReasonMalformed, Detail: "nonce is negative"}
	}

	switch mode {
	case types.NonceModeSequential:
		current, err := v.ledger.GetCurrentSyncNonce(ctx, sender)
		if err != nil {
			return fmt.Errorf("failed to read sequential nonce for %s: %w", sender.Hex(), err)
		}
		switch nonce.Cmp(current) {
		case -1:
			return &Verdict{
				Reason: types.ReasonNonceStale,
				Detail: fmt.Sprintf("nonce %s is behind current %s", nonce.String(), current.String()),
			}
		case 1:
			return &Verdict{
				Reason: types.ReasonNonceOutOfOrder,
				Detail: fmt.Sprintf("nonce %s is ahead of current %s", nonce.String(), current.String()),
			}
		}
		return nil

	case types.NonceModeUnique:
		// No upper bound on unique nonces: the ledger itself accepts any
		// not-yet-used value, so the relay mirrors that rather than invent
		// a lookahead window the chain does not enforce.
		used, err := v.ledger.IsAsyncNonceUsed(ctx, sender, nonce)
		if err != nil {
			return fmt.Errorf("failed to read unique nonce state for %s: %w", sender.Hex(), err)
		}
		if used {
			return &Verdict{
				Reason: types.ReasonNonceUsed,
				Detail: fmt.Sprintf("nonce %s already consumed", nonce.String()),
			}
		}
		return nil

	default:
		return &Verdict{Reason: types.ReasonMalformed, Detail: fmt.Sprintf("unknown nonce mode %q", mode)}
	}
}
