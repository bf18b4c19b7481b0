package canonical

import (
	"fmt"
	"strings"

	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

/*
Canonical message construction.

Every authorization is signed over a deterministic, comma-separated text
representation with a fixed field order per operation kind:

  Pay:      <domain>,pay,<from>,<to>,<token>,<amount>,<priorityFee>,<nonce>,<priorityFlag>,<executor>
  Disperse: <domain>,disperse,<from>,<recipientsHash>,<token>,<amount>,<priorityFee>,<nonce>,<priorityFlag>,<executor>
  Claim:    <domain>,claim:<tokenKind>,<claimer>,<nonce>

Rendering rules:
  - addresses are lowercased hex (NormalizeAddress); the executor submitting
    the on-chain call must run call parameters through the same routine
  - booleans render as the literals "true"/"false"; priorityFlag is "true"
    for unique (async) nonces and "false" for sequential
  - amounts and nonces render as decimal integers
  - the disperse recipient list is serialized in order (address,amount,label
    per entry, ";"-joined), keccak256-hashed, and the hex hash is embedded
    instead of the raw list, keeping message length constant while binding
    the signature to the exact recipient set
  - an unrestricted executor renders as the literal "any"

Any change to field order, casing, or the hash function breaks every
previously issued signature; FormatVersion must move in lockstep with the
on-chain verifier.
*/

// FormatVersion identifies the canonical text layout. Bump together with the
// on-chain verifier.
const FormatVersion = "v1"

// NormalizeAddress is the single address normalization routine shared by
// message construction and on-chain call submission.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func renderExecutor(auth *types.Authorization) string {
	if executor, ok := auth.RestrictedExecutor(); ok {
		return NormalizeAddress(executor)
	}
	return "any"
}

func renderPriorityFlag(mode types.NonceMode) (string, error) {
	switch mode {
	case types.NonceModeUnique:
		return "true", nil
	case types.NonceModeSequential:
		return "false", nil
	default:
		return "", fmt.Errorf("unknown nonce mode: %q", mode)
	}
}

// HashRecipients deterministically serializes a disperse recipient list and
// returns its keccak256 hash as lowercase hex.
func HashRecipients(recipients []types.Recipient) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("recipient list is empty")
	}

	entries := make([]string, 0, len(recipients))
	for i, r := range recipients {
		if r.Amount == nil {
			return "", fmt.Errorf("recipient %d has no amount", i)
		}
		entries = append(entries, fmt.Sprintf("%s,%s,%s", NormalizeAddress(r.Address), r.Amount.String(), r.Label))
	}

	digest := crypto.Keccak256([]byte(strings.Join(entries, ";")))
	return "0x" + common.Bytes2Hex(digest), nil
}

// Canonicalize builds the exact text a client must sign for the given
// authorization. Pure: identical inputs always yield byte-identical output.
func Canonicalize(domainID string, auth *types.Authorization) (string, error) {
	if auth == nil {
		return "", fmt.Errorf("authorization is nil")
	}
	if auth.Nonce == nil {
		return "", fmt.Errorf("authorization has no nonce")
	}

	switch auth.Kind {
	case types.OperationPay:
		if auth.Amount == nil {
			return "", fmt.Errorf("pay authorization has no amount")
		}
		flag, err := renderPriorityFlag(auth.NonceMode)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s,pay,%s,%s,%s,%s,%s,%s,%s,%s",
			domainID,
			NormalizeAddress(auth.Sender),
			NormalizeAddress(auth.To),
			NormalizeAddress(auth.Token),
			auth.Amount.String(),
			feeString(auth),
			auth.Nonce.String(),
			flag,
			renderExecutor(auth),
		), nil

	case types.OperationDisperse:
		if auth.Amount == nil {
			return "", fmt.Errorf("disperse authorization has no amount")
		}
		recipientsHash, err := HashRecipients(auth.Recipients)
		if err != nil {
			return "", fmt.Errorf("failed to hash recipients: %w", err)
		}
		flag, err := renderPriorityFlag(auth.NonceMode)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s,disperse,%s,%s,%s,%s,%s,%s,%s,%s",
			domainID,
			NormalizeAddress(auth.Sender),
			recipientsHash,
			NormalizeAddress(auth.Token),
			auth.Amount.String(),
			feeString(auth),
			auth.Nonce.String(),
			flag,
			renderExecutor(auth),
		), nil

	case types.OperationClaim:
		if auth.TokenKind == "" {
			return "", fmt.Errorf("claim authorization has no token kind")
		}
		return fmt.Sprintf("%s,claim:%s,%s,%s",
			domainID,
			strings.ToLower(string(auth.TokenKind)),
			NormalizeAddress(auth.Sender),
			auth.Nonce.String(),
		), nil

	default:
		return "", fmt.Errorf("unknown operation kind: %q", auth.Kind)
	}
}

func feeString(auth *types.Authorization) string {
	if auth.PriorityFee == nil {
		return "0"
	}
	return auth.PriorityFee.String()
}
