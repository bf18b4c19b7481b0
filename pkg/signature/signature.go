package signature

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

/*
Personal-message signature verification.

Clients sign the canonical authorization text with their wallet's
personal-sign method, which hashes

  keccak256("\x19Ethereum Signed Message:\n" + len(message) + message)

and produces a 65-byte [R || S || V] signature with V in {0, 1, 27, 28}
depending on the wallet. Verification recovers the signer's public key from
the hash and signature and compares the derived address against the claimed
sender, case-insensitively.

Verify fails closed: malformed input of any kind reports a mismatch rather
than an error escaping to the caller. It knows nothing about nonces or
balances.
*/

// SignatureLength is the expected [R || S || V] signature size in bytes.
const SignatureLength = 65

// HashPersonalMessage applies the prefixed personal-message hashing scheme
// wallets implement for text signing.
func HashPersonalMessage(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}

// RecoverSigner recovers the address that produced the given personal-message
// signature over message.
func RecoverSigner(message string, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: expected %d bytes, got %d", SignatureLength, len(signature))
	}

	// Wallets emit V as 27/28; recovery expects 0/1.
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery byte: %d", signature[64])
	}

	recoveredPubKey, err := crypto.SigToPub(HashPersonalMessage(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*recoveredPubKey), nil
}

// Verify reports whether signature over message recovers to claimedSender.
// Never panics or returns an error: anything malformed is a mismatch.
func Verify(message string, signature []byte, claimedSender common.Address) bool {
	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered.Hex(), claimedSender.Hex())
}

// SignMessage signs message with the personal-message scheme. This is
// primarily for testing and client implementation reference.
func SignMessage(privateKey *ecdsa.PrivateKey, message string) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}

	signature, err := crypto.Sign(HashPersonalMessage(message), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	// Match wallet output so round-trips exercise the normalization path.
	signature[64] += 27
	return signature, nil
}
