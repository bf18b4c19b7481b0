package transactionSigner

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ITransactionSigner provides methods for signing Ethereum transactions
type ITransactionSigner interface {
	// SignAndSendTransaction builds an EIP-1559 transaction calling `to`
	// with `data`, estimates fees and gas, signs it, and broadcasts it.
	// Returns the sent transaction; it does not wait for mining.
	SignAndSendTransaction(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error)

	// GetFromAddress returns the address that will be used for signing
	GetFromAddress() common.Address
}

type SignerConfig struct {
	PrivateKey string `json:"privateKey" yaml:"privateKey"`

	// GasCeiling caps the gas limit of any sent transaction; 0 disables it.
	GasCeiling uint64 `json:"gasCeiling" yaml:"gasCeiling"`
}

func NewTransactionSigner(cfg *SignerConfig, ethClient *ethclient.Client, logger *zap.Logger) (ITransactionSigner, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	return NewPrivateKeySigner(cfg.PrivateKey, cfg.GasCeiling, ethClient, logger)
}
