package transactionSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// PrivateKeySigner implements ITransactionSigner with a local ECDSA key.
// This key fronts the gas for relayed calls; it is unrelated to the keys
// users sign authorizations with.
type PrivateKeySigner struct {
	ethClient   *ethclient.Client
	logger      *zap.Logger
	chainID     *big.Int
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address

	// gasCeiling caps the buffered gas limit; 0 means uncapped. A call whose
	// raw estimate already exceeds it is refused rather than sent to fail.
	gasCeiling uint64
}

// NewPrivateKeySigner creates a signer from a hex-encoded private key.
func NewPrivateKeySigner(privateKeyHex string, gasCeiling uint64, ethClient *ethclient.Client, logger *zap.Logger) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	// Get chain ID during initialization
	chainID, err := ethClient.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &PrivateKeySigner{
		ethClient:   ethClient,
		logger:      logger,
		chainID:     chainID,
		privateKey:  privateKey,
		fromAddress: crypto.PubkeyToAddress(privateKey.PublicKey),
		gasCeiling:  gasCeiling,
	}, nil
}

// SignAndSendTransaction builds, signs, and broadcasts an EIP-1559 call.
func (s *PrivateKeySigner) SignAndSendTransaction(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	// Estimate gas tip cap (priority fee)
	gasTipCap, err := s.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		// If the backend does not support eth_maxPriorityFeePerGas,
		// fallback to using the default constant.
		s.logger.Sugar().Warnw("SignAndSendTransaction: cannot get gasTipCap, using fallback",
			zap.Error(err),
		)
		gasTipCap = big.NewInt(1500000000) // 1.5 gwei
	}

	// Get the latest block header for base fee calculation
	header, err := s.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0) // pre-EIP-1559 dev chain
	}

	// Max fee per gas: basefee * 2 + tip, leaving headroom for fee spikes
	// between estimation and inclusion.
	maxFeePerGas := new(big.Int).Add(
		new(big.Int).Mul(baseFee, big.NewInt(2)),
		gasTipCap,
	)

	// Estimate gas limit with proper parameters
	gasLimit, err := s.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:      s.fromAddress,
		To:        &to,
		GasTipCap: gasTipCap,
		GasFeeCap: maxFeePerGas,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer to gas limit, bounded by the configured ceiling
	gasLimitWithBuffer, err := boundedGasLimit(gasLimit, s.gasCeiling)
	if err != nil {
		return nil, err
	}

	// Always fetch the nonce from the network; a relay may have other
	// submissions still pending.
	nonce, err := s.ethClient.PendingNonceAt(ctx, s.fromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimitWithBuffer,
		To:        &to,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	s.logger.Info("SignAndSendTransaction: sending transaction",
		zap.String("to", to.Hex()),
		zap.String("maxPriorityFeePerGas", gasTipCap.String()),
		zap.String("maxFeePerGas", maxFeePerGas.String()),
		zap.String("baseFee", baseFee.String()),
		zap.Uint64("gasLimit", gasLimitWithBuffer),
		zap.Uint64("nonce", nonce),
	)

	if err := s.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Info("SignAndSendTransaction: transaction sent",
		zap.String("txHash", signedTx.Hash().Hex()),
	)

	return signedTx, nil
}

// GetFromAddress returns the address that will be used for signing
func (s *PrivateKeySigner) GetFromAddress() common.Address {
	return s.fromAddress
}

// addGasBuffer adds 20% headroom to an estimated gas limit
func addGasBuffer(gasLimit uint64) uint64 {
	return gasLimit * 120 / 100
}

// boundedGasLimit buffers the estimate and clamps it to the ceiling. An
// estimate already above the ceiling is an error: the call would be sent
// only to revert out of gas.
func boundedGasLimit(gasLimit, ceiling uint64) (uint64, error) {
	buffered := addGasBuffer(gasLimit)
	if ceiling == 0 {
		return buffered, nil
	}
	if gasLimit > ceiling {
		return 0, fmt.Errorf("gas estimate %d exceeds ceiling %d", gasLimit, ceiling)
	}
	if buffered > ceiling {
		return ceiling, nil
	}
	return buffered, nil
}
