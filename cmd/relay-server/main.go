package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/config"
	"github.com/0xOucan/payvvm-relay/pkg/executor"
	"github.com/0xOucan/payvvm-relay/pkg/ledger/caller"
	"github.com/0xOucan/payvvm-relay/pkg/logger"
	"github.com/0xOucan/payvvm-relay/pkg/pool"
	badgerPool "github.com/0xOucan/payvvm-relay/pkg/pool/badger"
	"github.com/0xOucan/payvvm-relay/pkg/pool/memory"
	redisPool "github.com/0xOucan/payvvm-relay/pkg/pool/redis"
	"github.com/0xOucan/payvvm-relay/pkg/relay"
	"github.com/0xOucan/payvvm-relay/pkg/server"
	"github.com/0xOucan/payvvm-relay/pkg/transactionSigner"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "relay-server",
		Usage: "PayVVM gasless payment relay",
		Description: `A relay that accepts signed payment authorizations over HTTP,
validates them and submits them on-chain, paying gas on behalf of the signer.

The relay implements:
- Intake of pay, disperse and claim authorizations with signature dedup
- EIP-191 signature verification against the canonical message format
- Sequential and unique nonce validation against on-chain state
- A claim-execute-complete loop safe to run in multiple processes`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvRelayPort},
			},
			&cli.Uint64Flag{
				Name:     "chain-id",
				Aliases:  []string{"chain"},
				Usage:    "Ethereum chain ID: 1 (mainnet), 11155111 (sepolia), 31337 (anvil)",
				EnvVars:  []string{config.EnvRelayChainID},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "rpc-url",
				Usage:    "Ethereum JSON-RPC endpoint",
				EnvVars:  []string{config.EnvRelayRPCURL},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "private-key",
				Usage:    "Hex-encoded ECDSA key funding gas for relayed transactions",
				EnvVars:  []string{config.EnvRelayPrivateKey},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "domain-id",
				Usage:   "Domain separator embedded in every canonical message",
				EnvVars: []string{config.EnvRelayDomainID},
				Value:   "payvvm-testnet",
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often the relay loop polls the submission pool",
				EnvVars: []string{config.EnvRelayPollInterval},
				Value:   config.DefaultPollInterval,
			},
			&cli.StringFlag{
				Name:    "min-priority-fee",
				Usage:   "Minimum priority fee (decimal, token base units); empty accepts any fee",
				EnvVars: []string{config.EnvRelayMinPriorityFee},
			},
			&cli.Uint64Flag{
				Name:    "gas-ceiling",
				Usage:   "Maximum gas limit per relayed transaction; 0 disables the cap",
				EnvVars: []string{config.EnvRelayGasCeiling},
			},
			&cli.DurationFlag{
				Name:    "confirmation-timeout",
				Usage:   "How long to wait for a receipt after submission",
				EnvVars: []string{config.EnvRelayConfirmationTimeout},
				Value:   config.DefaultConfirmationTimeout,
			},
			&cli.StringFlag{
				Name:    "persistence",
				Usage:   "Submission pool backend: memory, badger or redis",
				EnvVars: []string{config.EnvRelayPersistence},
				Value:   string(config.PersistenceTypeMemory),
			},
			&cli.StringFlag{
				Name:    "badger-dir",
				Usage:   "Data directory for the badger backend",
				EnvVars: []string{config.EnvRelayBadgerDir},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address (host:port) for the redis backend",
				EnvVars: []string{config.EnvRelayRedisAddr},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for the redis backend",
				EnvVars: []string{config.EnvRelayRedisPassword},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvRelayVerbose},
			},
		},
		Action: runRelayServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runRelayServer(c *cli.Context) error {
	cfg := parseConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Verbose})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	ethClient, err := ethclient.Dial(cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC endpoint %s: %w", cfg.RpcUrl, err)
	}
	defer ethClient.Close()

	signer, err := transactionSigner.NewTransactionSigner(&transactionSigner.SignerConfig{
		PrivateKey: cfg.PrivateKey,
		GasCeiling: cfg.GasCeiling,
	}, ethClient, l)
	if err != nil {
		return fmt.Errorf("failed to create transaction signer: %w", err)
	}

	ledgerCaller, err := caller.NewLedgerCaller(ethClient, signer, l)
	if err != nil {
		return fmt.Errorf("failed to create ledger caller: %w", err)
	}

	p, err := buildPool(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to create submission pool: %w", err)
	}
	defer func() { _ = p.Close() }()

	minFee, err := parseMinPriorityFee(cfg.MinPriorityFee)
	if err != nil {
		return err
	}

	ex := executor.NewExecutor(ledgerCaller, l, executor.Config{
		DomainID:            cfg.DomainID,
		MinPriorityFee:      minFee,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	})

	r := relay.NewRelay(p, ex, signer.GetFromAddress(), cfg.PollInterval, l)

	chainCheck := func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := ethClient.BlockNumber(checkCtx)
		return err
	}
	srv := server.NewServer(p, chainCheck, cfg.Port, l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.Start(ctx)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	l.Sugar().Infow("Relay server running",
		"port", cfg.Port,
		"chain", cfg.ChainName,
		"domain_id", cfg.DomainID,
		"executor", signer.GetFromAddress().Hex(),
		"persistence", cfg.Persistence.Type,
	)

	<-ctx.Done()
	l.Sugar().Infow("Shutting down")
	r.Stop()
	return srv.Stop()
}

func parseConfig(c *cli.Context) *config.RelayServerConfig {
	return &config.RelayServerConfig{
		Port:                c.Int("port"),
		ChainID:             config.ChainId(c.Uint64("chain-id")),
		RpcUrl:              c.String("rpc-url"),
		PrivateKey:          c.String("private-key"),
		DomainID:            c.String("domain-id"),
		PollInterval:        c.Duration("poll-interval"),
		MinPriorityFee:      c.String("min-priority-fee"),
		GasCeiling:          c.Uint64("gas-ceiling"),
		ConfirmationTimeout: c.Duration("confirmation-timeout"),
		Persistence: config.PersistenceConfig{
			Type:          config.PersistenceType(c.String("persistence")),
			BadgerDir:     c.String("badger-dir"),
			RedisAddr:     c.String("redis-addr"),
			RedisPassword: c.String("redis-password"),
		},
		Verbose: c.Bool("verbose"),
	}
}

func buildPool(cfg *config.RelayServerConfig, l *zap.Logger) (pool.IAuthorizationPool, error) {
	switch cfg.Persistence.Type {
	case config.PersistenceTypeMemory:
		return memory.NewMemoryPool(), nil
	case config.PersistenceTypeBadger:
		return badgerPool.NewBadgerPool(cfg.Persistence.BadgerDir, l)
	case config.PersistenceTypeRedis:
		return redisPool.NewRedisPool(&redisPool.RedisConfig{
			Address:  cfg.Persistence.RedisAddr,
			Password: cfg.Persistence.RedisPassword,
		}, l)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Persistence.Type)
	}
}

func parseMinPriorityFee(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	fee, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("min-priority-fee is not a decimal integer: %q", raw)
	}
	return fee, nil
}
