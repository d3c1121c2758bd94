package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all controller configuration loaded from environment
// variables (plus an optional .env file for local runs).
type Config struct {
	Network  string `envconfig:"REBAL_NETWORK" default:"testnet"` // "mainnet" or "testnet"
	StateDir string `envconfig:"REBAL_STATE_DIR" default:"./data"`
	LogLevel string `envconfig:"REBAL_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"REBAL_LOG_DIR" default:"./logs"`

	// Trigger thresholds, expressed in parts-per-million of the configured
	// inventory target so the same config shape works across tokens with
	// wildly different decimal counts.
	RebalanceThresholdPPM int64 `envconfig:"REBAL_THRESHOLD_PPM" default:"50000"` // 5%
	RebalanceAmountPPM    int64 `envconfig:"REBAL_AMOUNT_PPM" default:"200000"`   // 20%

	// Smart-chain RPC endpoint and the swap contract address the
	// SwapContract adapter calls into.
	SmartChainRPCURL    string `envconfig:"REBAL_SC_RPC_URL" required:"true"`
	SwapContractAddress string `envconfig:"REBAL_SWAP_CONTRACT_ADDRESS" required:"true"`
	SmartChainSignerKey string `envconfig:"REBAL_SC_SIGNER_KEY"` // hex private key; empty delegates to an external Signer

	// TokenAddresses maps a models.Token symbol to its smart-chain contract
	// address (e.g. "USDC:0xabc...,USDT:0xdef..."). The native token (ETH)
	// has no entry; the adapter treats an absent lookup as native transfer.
	TokenAddresses map[string]string `envconfig:"REBAL_TOKEN_ADDRESSES"`

	// Bitcoin backends. Esplora-compatible REST endpoints, queried
	// round-robin with failover to the next endpoint on error.
	BTCEsploraURLs []string `envconfig:"REBAL_BTC_ESPLORA_URLS"`
	// BTCMnemonicFile points at the file holding the 24-word BIP-39
	// mnemonic the wallet's signing key is derived from (index 0, BIP-84).
	BTCMnemonicFile string `envconfig:"REBAL_BTC_MNEMONIC_FILE"`

	// Lightning node, spoken over its REST admin API (LND-shaped).
	LightningNodeURL  string `envconfig:"REBAL_LN_NODE_URL"`
	LightningMacaroon string `envconfig:"REBAL_LN_MACAROON"` // hex-encoded

	// CEX credentials.
	ExchangeBaseURL    string `envconfig:"REBAL_EXCHANGE_BASE_URL" required:"true"`
	ExchangeAPIKey     string `envconfig:"REBAL_EXCHANGE_API_KEY" required:"true"`
	ExchangeAPISecret  string `envconfig:"REBAL_EXCHANGE_API_SECRET" required:"true"`
	ExchangePassphrase string `envconfig:"REBAL_EXCHANGE_PASSPHRASE" required:"true"`

	// ExchangeSmartChainName is the chain identifier the exchange's
	// withdrawal/deposit endpoints expect for the configured smart chain
	// (e.g. "BSC", "ARBITRUM") — exchanges don't agree on chain naming, so
	// this is configured rather than derived from Network.
	ExchangeSmartChainName string `envconfig:"REBAL_EXCHANGE_SC_NAME" required:"true"`
}

// Load reads configuration from a .env file (if present) then from
// environment variables. Real environment variables always win over .env
// values, matching godotenv's documented precedence.
func Load() (*Config, error) {
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.RebalanceThresholdPPM <= 0 || c.RebalanceThresholdPPM > 1_000_000 {
		return fmt.Errorf("%w: rebalance threshold ppm must be in (0, 1000000], got %d", ErrInvalidConfig, c.RebalanceThresholdPPM)
	}
	if c.RebalanceAmountPPM <= 0 || c.RebalanceAmountPPM > 1_000_000 {
		return fmt.Errorf("%w: rebalance amount ppm must be in (0, 1000000], got %d", ErrInvalidConfig, c.RebalanceAmountPPM)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state dir must not be empty", ErrInvalidConfig)
	}
	return nil
}
