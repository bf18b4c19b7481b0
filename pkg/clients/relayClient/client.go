package relayClient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0xOucan/payvvm-relay/pkg/canonical"
	"github.com/0xOucan/payvvm-relay/pkg/server"
	"github.com/0xOucan/payvvm-relay/pkg/signature"
	"github.com/0xOucan/payvvm-relay/pkg/types"
)

// ClientConfig holds the configuration for the relay client
type ClientConfig struct {
	// ServerURL is the relay server base URL, e.g. http://localhost:8080
	ServerURL string

	// DomainID must match the relay's domain separator or every signature
	// will be rejected at execution time.
	DomainID string

	Timeout time.Duration
	Logger  *zap.Logger
}

// Client signs payment authorizations locally and submits them to a relay
// server. The private key never leaves the client.
type Client struct {
	serverURL  string
	domainID   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new relay client instance
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if config.DomainID == "" {
		return nil, fmt.Errorf("domain ID is required")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverURL:  config.ServerURL,
		domainID:   config.DomainID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// signAuthorization canonicalizes and signs an authorization in place.
func (c *Client) signAuthorization(key *ecdsa.PrivateKey, auth *types.Authorization) error {
	message, err := canonical.Canonicalize(c.domainID, auth)
	if err != nil {
		return fmt.Errorf("failed to canonicalize authorization: %w", err)
	}
	sig, err := signature.SignMessage(key, message)
	if err != nil {
		return fmt.Errorf("failed to sign authorization: %w", err)
	}
	auth.Signature = sig
	return nil
}

// SubmitPay signs and submits a single payment authorization.
func (c *Client) SubmitPay(ctx context.Context, key *ecdsa.PrivateKey, auth *types.Authorization) (*server.IntakeResponse, error) {
	auth.Kind = types.OperationPay
	auth.Sender = ethcrypto.PubkeyToAddress(key.PublicKey)
	if err := c.signAuthorization(key, auth); err != nil {
		return nil, err
	}

	req := &types.PayRequest{
		From:         auth.Sender.Hex(),
		To:           auth.To.Hex(),
		Token:        auth.Token.Hex(),
		Amount:       auth.Amount.String(),
		PriorityFee:  feeString(auth.PriorityFee),
		Nonce:        auth.Nonce.String(),
		Signature:    auth.SignatureHex(),
		Executor:     executorString(auth.Executor),
		PriorityFlag: auth.NonceMode == types.NonceModeUnique,
	}
	return c.submit(ctx, "/relay/pay", req)
}

// SubmitDisperse signs and submits a batched disbursement authorization.
func (c *Client) SubmitDisperse(ctx context.Context, key *ecdsa.PrivateKey, auth *types.Authorization) (*server.IntakeResponse, error) {
	auth.Kind = types.OperationDisperse
	auth.Sender = ethcrypto.PubkeyToAddress(key.PublicKey)
	if err := c.signAuthorization(key, auth); err != nil {
		return nil, err
	}

	recipients := make([]types.DisperseRecipient, 0, len(auth.Recipients))
	for _, r := range auth.Recipients {
		recipients = append(recipients, types.DisperseRecipient{
			Amount:     r.Amount.String(),
			ToAddress:  r.Address.Hex(),
			ToIdentity: r.Label,
		})
	}

	req := &types.DisperseRequest{
		From:         auth.Sender.Hex(),
		Recipients:   recipients,
		Token:        auth.Token.Hex(),
		Amount:       auth.Amount.String(),
		PriorityFee:  feeString(auth.PriorityFee),
		Nonce:        auth.Nonce.String(),
		Signature:    auth.SignatureHex(),
		Executor:     executorString(auth.Executor),
		PriorityFlag: auth.NonceMode == types.NonceModeUnique,
	}
	return c.submit(ctx, "/relay/disperse", req)
}

// SubmitClaim signs and submits a faucet claim.
func (c *Client) SubmitClaim(ctx context.Context, key *ecdsa.PrivateKey, tokenKind types.TokenKind, nonce *big.Int) (*server.IntakeResponse, error) {
	auth := &types.Authorization{
		Kind:      types.OperationClaim,
		Sender:    ethcrypto.PubkeyToAddress(key.PublicKey),
		TokenKind: tokenKind,
		Nonce:     nonce,
		NonceMode: types.NonceModeUnique,
	}
	if err := c.signAuthorization(key, auth); err != nil {
		return nil, err
	}

	req := &types.ClaimRequest{
		Token:     string(tokenKind),
		Claimer:   auth.Sender.Hex(),
		Nonce:     nonce.String(),
		Signature: auth.SignatureHex(),
	}
	return c.submit(ctx, "/relay/claim", req)
}

// ListTransactions queries the relay's record list.
func (c *Client) ListTransactions(ctx context.Context, pendingOnly bool, limit int) ([]*types.PendingRecord, error) {
	url := fmt.Sprintf("%s/transactions?limit=%d", c.serverURL, limit)
	if pendingOnly {
		url += "&pending=true"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var records []*types.PendingRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

// GetTransaction fetches a single record by scanning the recent list.
func (c *Client) GetTransaction(ctx context.Context, id string) (*types.PendingRecord, error) {
	records, err := c.ListTransactions(ctx, false, 1000)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (c *Client) submit(ctx context.Context, path string, body any) (*server.IntakeResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return nil, readError(resp)
	}

	var intake server.IntakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&intake); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Sugar().Infow("Authorization queued",
		"id", intake.ID,
		"deduplicated", intake.Deduplicated,
	)
	return &intake, nil
}

func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(raw))
}

func feeString(fee *big.Int) string {
	if fee == nil {
		return "0"
	}
	return fee.String()
}

func executorString(executor common.Address) string {
	if executor == (common.Address{}) {
		return "any"
	}
	return executor.Hex()
}
