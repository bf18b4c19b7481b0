package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/0xOucan/payvvm-relay/pkg/clients/relayClient"
	"github.com/0xOucan/payvvm-relay/pkg/logger"
	"github.com/0xOucan/payvvm-relay/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "relay-client",
		Usage: "PayVVM relay client for signing and submitting gasless payments",
		Description: `A client for submitting signed payment authorizations to a PayVVM relay.

This client can:
- Sign and submit single payments, batch disbursements and faucet claims
- Query queued, executed and failed records on the relay
- Sign everything locally: the private key is never sent anywhere`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Relay server base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"RELAY_SERVER_URL"},
			},
			&cli.StringFlag{
				Name:    "domain-id",
				Usage:   "Domain separator; must match the relay's",
				Value:   "payvvm-testnet",
				EnvVars: []string{"RELAY_DOMAIN_ID"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Hex-encoded ECDSA key that signs the authorization",
				EnvVars: []string{"RELAY_CLIENT_PRIVATE_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pay",
				Usage: "Sign and submit a single payment",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "Recipient address", Required: true},
					&cli.StringFlag{Name: "token", Usage: "Token contract address", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Amount in token base units", Required: true},
					&cli.StringFlag{Name: "priority-fee", Usage: "Priority fee for the executor", Value: "0"},
					&cli.StringFlag{Name: "nonce", Usage: "Nonce (decimal)", Required: true},
					&cli.BoolFlag{Name: "priority", Usage: "Use a unique nonce instead of the sequential one"},
					&cli.StringFlag{Name: "executor", Usage: "Restrict execution to one executor address"},
				},
				Action: payCommand,
			},
			{
				Name:  "disperse",
				Usage: "Sign and submit a batch disbursement",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Usage: "Token contract address", Required: true},
					&cli.StringSliceFlag{
						Name:     "recipient",
						Usage:    "Recipient as address:amount[:label]; repeatable",
						Required: true,
					},
					&cli.StringFlag{Name: "priority-fee", Usage: "Priority fee for the executor", Value: "0"},
					&cli.StringFlag{Name: "nonce", Usage: "Nonce (decimal)", Required: true},
					&cli.BoolFlag{Name: "priority", Usage: "Use a unique nonce instead of the sequential one"},
					&cli.StringFlag{Name: "executor", Usage: "Restrict execution to one executor address"},
				},
				Action: disperseCommand,
			},
			{
				Name:  "claim",
				Usage: "Sign and submit a faucet claim",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Usage: "Token kind: mate or pyusd", Required: true},
					&cli.StringFlag{Name: "nonce", Usage: "Unique nonce (decimal)", Required: true},
				},
				Action: claimCommand,
			},
			{
				Name:  "list",
				Usage: "List records on the relay",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "pending", Usage: "Only pending records"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum records to return", Value: 20},
				},
				Action: listCommand,
			},
			{
				Name:   "status",
				Usage:  "Show one record by id",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "id", Usage: "Record id", Required: true}},
				Action: statusCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func newClient(c *cli.Context) (*relayClient.Client, error) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	if err != nil {
		return nil, err
	}
	return relayClient.NewClient(&relayClient.ClientConfig{
		ServerURL: c.String("server-url"),
		DomainID:  c.String("domain-id"),
		Logger:    l,
	})
}

func loadKey(c *cli.Context) (*ecdsa.PrivateKey, error) {
	raw := c.String("private-key")
	if raw == "" {
		return nil, fmt.Errorf("private key is required (flag --private-key or RELAY_CLIENT_PRIVATE_KEY)")
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func parseDecimal(name, raw string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a decimal integer: %q", name, raw)
	}
	return n, nil
}

func parseExecutor(raw string) (common.Address, error) {
	if raw == "" || strings.EqualFold(raw, "any") {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid executor address: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func nonceMode(priority bool) types.NonceMode {
	if priority {
		return types.NonceModeUnique
	}
	return types.NonceModeSequential
}

func payCommand(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	key, err := loadKey(c)
	if err != nil {
		return err
	}

	amount, err := parseDecimal("amount", c.String("amount"))
	if err != nil {
		return err
	}
	fee, err := parseDecimal("priority-fee", c.String("priority-fee"))
	if err != nil {
		return err
	}
	nonce, err := parseDecimal("nonce", c.String("nonce"))
	if err != nil {
		return err
	}
	executor, err := parseExecutor(c.String("executor"))
	if err != nil {
		return err
	}
	if !common.IsHexAddress(c.String("to")) || !common.IsHexAddress(c.String("token")) {
		return fmt.Errorf("to and token must be hex addresses")
	}

	resp, err := client.SubmitPay(c.Context, key, &types.Authorization{
		To:          common.HexToAddress(c.String("to")),
		Token:       common.HexToAddress(c.String("token")),
		Amount:      amount,
		PriorityFee: fee,
		Nonce:       nonce,
		NonceMode:   nonceMode(c.Bool("priority")),
		Executor:    executor,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Queued payment: id=%s deduplicated=%v\n", resp.ID, resp.Deduplicated)
	return nil
}

func disperseCommand(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	key, err := loadKey(c)
	if err != nil {
		return err
	}

	recipients := make([]types.Recipient, 0, len(c.StringSlice("recipient")))
	total := new(big.Int)
	for _, raw := range c.StringSlice("recipient") {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || !common.IsHexAddress(parts[0]) {
			return fmt.Errorf("recipient must be address:amount[:label], got %q", raw)
		}
		amount, err := parseDecimal("recipient amount", parts[1])
		if err != nil {
			return err
		}
		r := types.Recipient{Address: common.HexToAddress(parts[0]), Amount: amount}
		if len(parts) == 3 {
			r.Label = parts[2]
		}
		recipients = append(recipients, r)
		total.Add(total, amount)
	}

	fee, err := parseDecimal("priority-fee", c.String("priority-fee"))
	if err != nil {
		return err
	}
	nonce, err := parseDecimal("nonce", c.String("nonce"))
	if err != nil {
		return err
	}
	executor, err := parseExecutor(c.String("executor"))
	if err != nil {
		return err
	}
	if !common.IsHexAddress(c.String("token")) {
		return fmt.Errorf("token must be a hex address")
	}

	resp, err := client.SubmitDisperse(c.Context, key, &types.Authorization{
		Token:       common.HexToAddress(c.String("token")),
		Amount:      total,
		Recipients:  recipients,
		PriorityFee: fee,
		Nonce:       nonce,
		NonceMode:   nonceMode(c.Bool("priority")),
		Executor:    executor,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Queued disbursement: id=%s recipients=%d total=%s deduplicated=%v\n",
		resp.ID, len(recipients), total.String(), resp.Deduplicated)
	return nil
}

func claimCommand(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	key, err := loadKey(c)
	if err != nil {
		return err
	}

	kind := types.TokenKind(strings.ToLower(c.String("token")))
	if kind != types.TokenKindMate && kind != types.TokenKindPyusd {
		return fmt.Errorf("unsupported token kind: %q (want mate or pyusd)", c.String("token"))
	}
	nonce, err := parseDecimal("nonce", c.String("nonce"))
	if err != nil {
		return err
	}

	resp, err := client.SubmitClaim(c.Context, key, kind, nonce)
	if err != nil {
		return err
	}

	fmt.Printf("Queued claim: id=%s deduplicated=%v\n", resp.ID, resp.Deduplicated)
	return nil
}

func listCommand(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}

	records, err := client.ListTransactions(c.Context, c.Bool("pending"), c.Int("limit"))
	if err != nil {
		return err
	}

	return printJSON(records)
}

func statusCommand(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}

	record, err := client.GetTransaction(c.Context, c.String("id"))
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("record not found: %s", c.String("id"))
	}

	return printJSON(record)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
