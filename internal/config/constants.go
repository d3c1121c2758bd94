package config

import "time"

// Timing
const (
	CheckInterval   = 5 * time.Second  // engine tick cadence while a job is in-flight
	MonitorInterval = 2 * time.Minute  // balance monitor poll cadence while IDLE
	DefaultCooldown = 30 * time.Second // minimum pause the engine honors after a transition
	RetryBackoff    = 15 * time.Second // delay before a RETRYING job re-attempts its RetryState
)

// HTTP client defaults shared by every adapter's REST transport.
const (
	AdapterRequestTimeout = 15 * time.Second
	AdapterMaxRetries     = 3
	AdapterRetryBaseDelay = 1 * time.Second
)

// Circuit breaker defaults, tuned per adapter class at construction time;
// these are the fallback when an adapter doesn't override them.
const (
	BreakerFailureThreshold = 5
	BreakerOpenDuration     = 30 * time.Second
	BreakerHalfOpenProbes   = 1
)

// Decimal precision per token, used at the CEX REST boundary and nowhere
// else — everywhere internal to the engine, amounts stay *big.Int base units.
const (
	DecimalsBTC  = 8
	DecimalsUSDC = 6
	DecimalsUSDT = 6
	DecimalsETH  = 18
	DecimalsSOL  = 9
)

// Bitcoin transaction construction.
const (
	BTCDustThreshold  = 546 // satoshis, standard P2WPKH dust limit
	BTCMaxTxVBytes    = 100_000
	BTCDefaultFeeRate = 10 // sat/vByte, used when fee estimation fails and no cached value exists
)

// State storage.
const (
	StateFileName    = "rebalance_state.json"
	StateHistoryFile = "rebalance_history.jsonl"
	StateLockFile    = "rebalance.lock"
	StateDirPerm     = 0o750
	StateFilePerm    = 0o640
)

// Logging.
const (
	LogDir         = "./logs"
	LogFilePattern = "rebalancer-%s-%s.log" // date (YYYY-MM-DD), then level
	LogMaxAgeDays  = 30
)

// Bitcoin HD key derivation (BIP-32/39/84): a single signing wallet at
// account index 0, address index 0, rather than a per-customer address
// fan-out.
const (
	BIP84Purpose    = 84
	BTCCoinType     = 0
	BTCTestCoinType = 1
	BTCWalletIndex  = 0
)

// Esplora-compatible REST endpoints (Blockstream/Mempool.space shape), used
// by the Bitcoin on-chain adapter for UTXO lookup, tx-by-id, and broadcast.
const (
	EsploraUTXOPath      = "/address/%s/utxo"
	EsploraTxPath        = "/tx/%s"
	EsploraTxStatusPath  = "/tx/%s/status"
	EsploraBroadcastPath = "/tx"
	EsploraFeeEstimatesPath = "/fee-estimates"
	EsploraTipHeightPath = "/blocks/tip/height"

	// BTCAdapterRPS bounds request rate against a single Esplora endpoint.
	BTCAdapterRPS = 4
)

// CircuitBreaker states, used by internal/scanner.CircuitBreaker.
const (
	CircuitClosed             = "closed"
	CircuitOpen               = "open"
	CircuitHalfOpen           = "half_open"
	CircuitBreakerHalfOpenMax = 1
)

// CoinGecko price oracle, used by internal/price.PriceService.
const (
	CoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	CoinGeckoIDs     = "bitcoin,usd-coin,tether,ethereum,solana"

	// PriceCacheDuration is how long a fetched price is served without a
	// refetch. PriceStaleTolerance is how much further a cached price may be
	// served, stale, when a refetch fails — the monitor's BTC-conversion math
	// would rather act on a minute-old price than halt entirely.
	PriceCacheDuration  = 30 * time.Second
	PriceStaleTolerance = 5 * time.Minute
	APITimeout          = AdapterRequestTimeout
)

// Exchange REST signing: HMAC-SHA256 over
// timestamp||method||path-with-query||body, ISO-8601 timestamps.
const (
	ExchangeTimestampLayout = "2006-01-02T15:04:05.000Z"
	ExchangeSignatureHeader = "OK-ACCESS-SIGN"
	ExchangeKeyHeader       = "OK-ACCESS-KEY"
	ExchangeTimestampHeader = "OK-ACCESS-TIMESTAMP"
	ExchangePassphraseHeader = "OK-ACCESS-PASSPHRASE"
)

// Smart-chain (EVM) transaction construction — generalized from a fixed
// BSC chain ID to whatever chain SmartChainRPCURL points at (the adapter
// reads it from the node).
const (
	ERC20TransferMethodID  = "a9059cbb" // transfer(address,uint256)
	ERC20BalanceOfMethodID = "70a08231" // balanceOf(address)

	SCGasLimitTransfer = uint64(21_000)  // native value transfer
	SCGasLimitERC20    = uint64(100_000) // ERC-20 transfer call

	// SCGasPriceBufferNumerator/Denominator apply a 20% buffer to the node's
	// suggested gas price before signing.
	SCGasPriceBufferNumerator   = 120
	SCGasPriceBufferDenominator = 100

	// SCGasPriceMaxIncreaseMultiplier guards against a gas-price oracle spike
	// between building a candidate and sending it: a current price more than
	// this many times the price seen at build time aborts the send.
	SCGasPriceMaxIncreaseMultiplier = 2

	SCReceiptPollInterval = 3 * time.Second
	SCReceiptPollTimeout  = 5 * time.Minute

	// SCReplacementGasBumpNumerator/Denominator is the bump applied to a
	// stuck transaction's gas price when the engine asks SendAndConfirm to
	// replace it (same nonce, higher price).
	SCReplacementGasBumpNumerator   = 115
	SCReplacementGasBumpDenominator = 100
)
