package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for relay server configuration
const (
	EnvRelayPort                = "RELAY_PORT"
	EnvRelayChainID             = "RELAY_CHAIN_ID"
	EnvRelayRPCURL              = "RELAY_RPC_URL"
	EnvRelayPrivateKey          = "RELAY_PRIVATE_KEY"
	EnvRelayDomainID            = "RELAY_DOMAIN_ID"
	EnvRelayPollInterval        = "RELAY_POLL_INTERVAL"
	EnvRelayMinPriorityFee      = "RELAY_MIN_PRIORITY_FEE"
	EnvRelayGasCeiling          = "RELAY_GAS_CEILING"
	EnvRelayConfirmationTimeout = "RELAY_CONFIRMATION_TIMEOUT"
	EnvRelayPersistence         = "RELAY_PERSISTENCE"
	EnvRelayBadgerDir           = "RELAY_BADGER_DIR"
	EnvRelayRedisAddr           = "RELAY_REDIS_ADDR"
	EnvRelayRedisPassword       = "RELAY_REDIS_PASSWORD"
	EnvRelayVerbose             = "RELAY_VERBOSE"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumAnvil   ChainId = 31337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumAnvil   ChainName = "devnet"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
}
var ChainNameToId = map[ChainName]ChainId{
	ChainName_EthereumMainnet: ChainId_EthereumMainnet,
	ChainName_EthereumSepolia: ChainId_EthereumSepolia,
	ChainName_EthereumAnvil:   ChainId_EthereumAnvil,
}

// Operational defaults. Poll interval trades settlement latency against RPC
// load; confirmation timeout bounds how long a claimed record can hold its
// claim while waiting for a receipt.
const (
	DefaultPollInterval        = 5 * time.Second
	DefaultConfirmationTimeout = 60 * time.Second
	DefaultPort                = 8080
)

// LedgerContractAddresses holds the payment contract plus the per-token
// faucet contracts for one chain.
type LedgerContractAddresses struct {
	Payments    string
	MateFaucet  string
	PyusdFaucet string
}

var (
	ethereumSepoliaLedgerContracts = &LedgerContractAddresses{
		Payments:    "0x9b1f84fd11c324dfa4f2e8a176f9d7c0f2f78a4b",
		MateFaucet:  "0x64af17cf1ba9cc0531efe16a4bbdbde7bd16ab0d",
		PyusdFaucet: "0x4c1dc2f5b1b8cbfb5b1b0e84bdc10ff9ae8c35f0",
	}

	LedgerContracts = map[ChainId]*LedgerContractAddresses{
		ChainId_EthereumSepolia: ethereumSepoliaLedgerContracts,
		ChainId_EthereumAnvil:   ethereumSepoliaLedgerContracts, // fork of ethereum sepolia
	}
)

func GetLedgerContractsForChainId(chainId ChainId) (*LedgerContractAddresses, error) {
	contracts, ok := LedgerContracts[chainId]
	if !ok {
		return nil, fmt.Errorf("unsupported chain ID: %d", chainId)
	}
	return contracts, nil
}

// PersistenceType selects the submission pool backend
type PersistenceType string

const (
	PersistenceTypeMemory PersistenceType = "memory"
	PersistenceTypeBadger PersistenceType = "badger"
	PersistenceTypeRedis  PersistenceType = "redis"
)

// PersistenceConfig configures the submission pool backend. Memory is for
// tests only: exactly-once execution across restarts needs a durable store.
type PersistenceConfig struct {
	Type          PersistenceType `json:"type"`
	BadgerDir     string          `json:"badger_dir,omitempty"`
	RedisAddr     string          `json:"redis_addr,omitempty"`
	RedisPassword string          `json:"redis_password,omitempty"`
}

func (pc *PersistenceConfig) Validate() error {
	var allErrors field.ErrorList
	switch pc.Type {
	case PersistenceTypeMemory:
	case PersistenceTypeBadger:
		if pc.BadgerDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("badger_dir"), "badger_dir is required for badger persistence"))
		}
	case PersistenceTypeRedis:
		if pc.RedisAddr == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("redis_addr"), "redis_addr is required for redis persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("type"), pc.Type, []string{
			string(PersistenceTypeMemory), string(PersistenceTypeBadger), string(PersistenceTypeRedis),
		}))
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// RelayServerConfig represents the complete configuration for a relay server
type RelayServerConfig struct {
	Port int `json:"port"`

	// Chain configuration
	ChainID   ChainId   `json:"chain_id"`
	ChainName ChainName `json:"chain_name"`
	RpcUrl    string    `json:"rpc_url"`

	// The ECDSA key funding gas for relayed transactions
	PrivateKey string `json:"private_key"`

	// Domain separator embedded in every canonical message
	DomainID string `json:"domain_id"`

	// Executor policy
	PollInterval        time.Duration `json:"poll_interval"`
	MinPriorityFee      string        `json:"min_priority_fee"` // decimal; empty means no floor
	GasCeiling          uint64        `json:"gas_ceiling"`      // 0 disables the cap
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`

	Persistence PersistenceConfig `json:"persistence"`

	// Operational settings
	Debug   bool `json:"debug"`
	Verbose bool `json:"verbose"`

	// Contract addresses (populated from chain)
	LedgerContracts *LedgerContractAddresses `json:"ledger_contracts,omitempty"`
}

// Validate validates the relay server configuration and fills in derived
// fields (chain name, contract addresses, defaulted intervals).
func (c *RelayServerConfig) Validate() error {
	if c.RpcUrl == "" {
		return fmt.Errorf("rpc url cannot be empty")
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("private key cannot be empty")
	}
	key := c.PrivateKey
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	if len(key) != 66 { // 0x + 64 hex chars
		return fmt.Errorf("private key must be 32 bytes (64 hex chars), got %d chars", len(key)-2)
	}

	if c.DomainID == "" {
		return fmt.Errorf("domain id cannot be empty")
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1-65535, got %d", c.Port)
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ConfirmationTimeout == 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.ConfirmationTimeout < 0 {
		return fmt.Errorf("confirmation timeout must be positive, got %s", c.ConfirmationTimeout)
	}

	if c.MinPriorityFee != "" {
		for _, r := range c.MinPriorityFee {
			if r < '0' || r > '9' {
				return fmt.Errorf("min priority fee must be a decimal integer, got %q", c.MinPriorityFee)
			}
		}
	}

	// Validate chain ID
	chainName, exists := ChainIdToName[c.ChainID]
	if !exists {
		return fmt.Errorf("unsupported chain ID %d. Supported: %s", c.ChainID, GetSupportedChainIDsString())
	}
	c.ChainName = chainName

	ledgerContracts, err := GetLedgerContractsForChainId(c.ChainID)
	if err != nil {
		return fmt.Errorf("failed to get ledger contracts: %w", err)
	}
	if !common.IsHexAddress(ledgerContracts.Payments) {
		return fmt.Errorf("invalid payments contract address: %s", ledgerContracts.Payments)
	}
	c.LedgerContracts = ledgerContracts

	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("invalid persistence config: %w", err)
	}

	return nil
}

// GetSupportedChainIDs returns all supported chain IDs
func GetSupportedChainIDs() []ChainId {
	return []ChainId{
		ChainId_EthereumMainnet,
		ChainId_EthereumSepolia,
		ChainId_EthereumAnvil,
	}
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (anvil)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumAnvil)
}
