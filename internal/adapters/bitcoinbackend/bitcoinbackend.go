// Package bitcoinbackend implements engine.BitcoinBackend over an
// Esplora-compatible REST API (Blockstream/Mempool.space shape): a single
// PSBT-funding wallet around one BIP-84 address, rather than a
// per-customer address fan-out. Resilience (round-robin over multiple
// endpoints, rate limiting, circuit breaking) reuses internal/scanner's
// CircuitBreaker and RateLimiter.
package bitcoinbackend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"math/big"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/scanner"
	"github.com/Fantasim/rebalancer/internal/tx"
)

// utxo is one unspent output at the wallet's address, reserved under lockID
// once FundPsbt selects it. locks is keyed by "txid:vout" so a concurrent
// FundPsbt call can check reservation without needing the lockID back.
type utxo struct {
	LockID string
	TxID   string
	Vout   uint32
	Value  int64
}

func utxoKey(txID string, vout uint32) string {
	return txID + ":" + strconv.FormatUint(uint64(vout), 10)
}

// Client implements engine.BitcoinBackend.
type Client struct {
	urls      []string
	rrCounter uint64

	httpClient *http.Client
	limiter    *scanner.RateLimiter
	breaker    *scanner.CircuitBreaker

	keys *tx.KeyService
	net  *chaincfg.Params

	addrOnce sync.Once
	address  string
	addrErr  error
	pkScript []byte

	mu    sync.Mutex
	locks map[string]utxo
}

// New builds a Client from configuration, round-robining across the
// configured Esplora endpoints.
func New(cfg *config.Config, keys *tx.KeyService) (*Client, error) {
	if len(cfg.BTCEsploraURLs) == 0 {
		return nil, fmt.Errorf("%w: no BTC Esplora endpoints configured", config.ErrInvalidConfig)
	}

	urls := make([]string, len(cfg.BTCEsploraURLs))
	for i, u := range cfg.BTCEsploraURLs {
		urls[i] = strings.TrimRight(u, "/")
	}

	net := btcNetworkParams(cfg.Network)

	return &Client{
		urls: urls,
		httpClient: &http.Client{
			Timeout: config.AdapterRequestTimeout,
		},
		limiter: scanner.NewRateLimiter("btc-esplora", config.BTCAdapterRPS),
		breaker: scanner.NewCircuitBreaker(config.BreakerFailureThreshold, config.BreakerOpenDuration),
		keys:    keys,
		net:     net,
		locks:   make(map[string]utxo),
	}, nil
}

func btcNetworkParams(network string) *chaincfg.Params {
	if network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// walletAddress derives and caches the wallet's single BTC address.
func (c *Client) walletAddress(ctx context.Context) (string, []byte, error) {
	c.addrOnce.Do(func() {
		addr, err := c.keys.Address(ctx, config.BTCWalletIndex)
		if err != nil {
			c.addrErr = fmt.Errorf("bitcoinbackend: derive wallet address: %w", err)
			return
		}
		decoded, err := btcutil.DecodeAddress(addr, c.net)
		if err != nil {
			c.addrErr = fmt.Errorf("bitcoinbackend: decode derived address %q: %w", addr, err)
			return
		}
		script, err := txscript.PayToAddrScript(decoded)
		if err != nil {
			c.addrErr = fmt.Errorf("bitcoinbackend: build pkScript for %q: %w", addr, err)
			return
		}
		c.address = addr
		c.pkScript = script
	})
	return c.address, c.pkScript, c.addrErr
}

// request performs an HTTP call against the next available endpoint,
// retrying against the remaining endpoints on a transient failure.
func (c *Client) request(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, config.ErrCircuitOpen
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("bitcoinbackend: rate limiter: %w", err)
	}

	var lastErr error
	for i := 0; i < len(c.urls); i++ {
		idx := atomic.AddUint64(&c.rrCounter, 1) % uint64(len(c.urls))
		url := c.urls[idx] + path

		var bodyReader io.Reader
		if body != nil {
			b, err := io.ReadAll(body)
			if err != nil {
				return nil, fmt.Errorf("bitcoinbackend: buffer request body: %w", err)
			}
			bodyReader = bytes.NewReader(b)
			body = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("bitcoinbackend: build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			slog.Warn("bitcoinbackend: request failed, trying next endpoint", "url", url, "error", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			c.breaker.RecordFailure()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := scanner.ParseRetryAfter(resp.Header)
			c.breaker.RecordFailure()
			return nil, config.NewTransientErrorWithRetry(fmt.Errorf("bitcoinbackend: %s rate limited", url), retryAfter)
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("bitcoinbackend: %s returned HTTP %d: %s", url, resp.StatusCode, string(respBody))
			c.breaker.RecordFailure()
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("bitcoinbackend: %s returned HTTP %d: %s", url, resp.StatusCode, string(respBody))
		}

		c.breaker.RecordSuccess()
		return respBody, nil
	}

	return nil, config.NewTransientError(fmt.Errorf("bitcoinbackend: all endpoints failed: %w", lastErr))
}

// esploraUTXO mirrors the Esplora /address/{addr}/utxo response shape.
type esploraUTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

func (c *Client) fetchUTXOs(ctx context.Context, address string) ([]esploraUTXO, error) {
	path := fmt.Sprintf(config.EsploraUTXOPath, address)
	body, err := c.request(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: fetch UTXOs: %v", config.ErrUTXOFetchFailed, err)
	}
	var utxos []esploraUTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, fmt.Errorf("%w: decode UTXOs: %v", config.ErrUTXOFetchFailed, err)
	}
	return utxos, nil
}

// estimateVBytes gives a rough P2WPKH transaction size for fee estimation:
// ~10.5 vbytes overhead, ~68 per input, ~31 per output.
func estimateVBytes(numInputs, numOutputs int) int64 {
	return 11 + int64(numInputs)*68 + int64(numOutputs)*31
}

func newLockID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("bitcoinbackend: read random lock id: %v", err))
	}
	return hex.EncodeToString(b)
}

// FundPsbt selects UTXOs covering req.Outputs plus an estimated fee, builds
// an unsigned PSBT with the wallet's single address as both input owner and
// change destination, and reserves the consumed UTXOs against reuse by a
// concurrent FundPsbt call until UnlockUTXO releases them.
func (c *Client) FundPsbt(ctx context.Context, req engine.FundPsbtRequest) (engine.FundPsbtResult, error) {
	address, pkScript, err := c.walletAddress(ctx)
	if err != nil {
		return engine.FundPsbtResult{}, err
	}

	candidates, err := c.fetchUTXOs(ctx, address)
	if err != nil {
		return engine.FundPsbtResult{}, err
	}

	var total int64
	for _, o := range req.Outputs {
		total += o.Sats
	}

	c.mu.Lock()
	var selected []esploraUTXO
	var sum int64
	feeRate := int64(config.BTCDefaultFeeRate)
	for _, u := range candidates {
		if _, locked := c.locks[utxoKey(u.TxID, u.Vout)]; locked {
			continue
		}
		selected = append(selected, u)
		sum += u.Value
		fee := estimateVBytes(len(selected), len(req.Outputs)+1) * feeRate
		if sum >= total+fee {
			break
		}
	}
	fee := estimateVBytes(len(selected), len(req.Outputs)+1) * feeRate
	if sum < total+fee {
		c.mu.Unlock()
		return engine.FundPsbtResult{}, fmt.Errorf("%w: have %d sats, need %d (%d outputs + %d fee)",
			config.ErrInsufficientUTXO, sum, total+fee, total, fee)
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	locks := make([]engine.UTXOLock, 0, len(selected))
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			c.mu.Unlock()
			return engine.FundPsbtResult{}, fmt.Errorf("bitcoinbackend: parse utxo txid %q: %w", u.TxID, err)
		}
		msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))

		lockID := newLockID()
		c.locks[utxoKey(u.TxID, u.Vout)] = utxo{LockID: lockID, TxID: u.TxID, Vout: u.Vout, Value: u.Value}
		locks = append(locks, engine.UTXOLock{LockID: lockID, TransactionID: u.TxID, TransactionVout: u.Vout})
	}
	c.mu.Unlock()

	for _, o := range req.Outputs {
		outAddr, err := btcutil.DecodeAddress(o.Address, c.net)
		if err != nil {
			return engine.FundPsbtResult{}, fmt.Errorf("bitcoinbackend: decode output address %q: %w", o.Address, err)
		}
		outScript, err := txscript.PayToAddrScript(outAddr)
		if err != nil {
			return engine.FundPsbtResult{}, fmt.Errorf("bitcoinbackend: build output script for %q: %w", o.Address, err)
		}
		msgTx.AddTxOut(wire.NewTxOut(o.Sats, outScript))
	}

	if change := sum - total - fee; change >= config.BTCDustThreshold {
		msgTx.AddTxOut(wire.NewTxOut(change, pkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(msgTx)
	if err != nil {
		return engine.FundPsbtResult{}, fmt.Errorf("bitcoinbackend: build PSBT: %w", err)
	}
	for i, u := range selected {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(u.Value, pkScript)
	}

	encoded, err := packet.B64Encode()
	if err != nil {
		return engine.FundPsbtResult{}, fmt.Errorf("bitcoinbackend: encode PSBT: %w", err)
	}

	slog.Info("bitcoinbackend: funded PSBT",
		"inputs", len(selected), "outputs", len(req.Outputs), "change", sum-total-fee, "fee", fee,
	)

	return engine.FundPsbtResult{Psbt: encoded, Inputs: locks}, nil
}

// SignPsbt signs every input of a PSBT built by FundPsbt with the wallet's
// single private key and returns the fully-signed raw transaction, hex
// encoded.
func (c *Client) SignPsbt(ctx context.Context, psbtB64 string) (string, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(psbtB64), true)
	if err != nil {
		return "", fmt.Errorf("bitcoinbackend: decode PSBT: %w", err)
	}

	privKey, err := c.keys.DeriveBTCPrivateKey(ctx, config.BTCWalletIndex)
	if err != nil {
		return "", fmt.Errorf("bitcoinbackend: derive signing key: %w", err)
	}
	pubKey := privKey.PubKey()

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs))
	for i, in := range packet.UnsignedTx.TxIn {
		prevOuts[in.PreviousOutPoint] = packet.Inputs[i].WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for i := range packet.Inputs {
		witnessUtxo := packet.Inputs[i].WitnessUtxo
		if witnessUtxo == nil {
			return "", fmt.Errorf("bitcoinbackend: PSBT input %d missing witness utxo", i)
		}

		sigHash, err := txscript.CalcWitnessSigHash(
			witnessUtxo.PkScript, sigHashes, txscript.SigHashAll, packet.UnsignedTx, i, witnessUtxo.Value,
		)
		if err != nil {
			return "", fmt.Errorf("bitcoinbackend: compute sighash for input %d: %w", i, err)
		}

		sig := ecdsa.Sign(privKey, sigHash)
		sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

		packet.Inputs[i].PartialSigs = append(packet.Inputs[i].PartialSigs, &psbt.PartialSig{
			PubKey:    pubKey.SerializeCompressed(),
			Signature: sigBytes,
		})

		if err := psbt.Finalize(packet, i); err != nil {
			return "", fmt.Errorf("bitcoinbackend: finalize input %d: %w", i, err)
		}
	}

	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return "", fmt.Errorf("bitcoinbackend: extract signed transaction: %w", err)
	}

	var buf bytes.Buffer
	if err := finalTx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("bitcoinbackend: serialize signed transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// BroadcastChainTransaction submits rawTx (hex) to the Esplora endpoint and
// returns the txid it reports.
func (c *Client) BroadcastChainTransaction(ctx context.Context, rawTx string) (string, error) {
	body, err := c.request(ctx, http.MethodPost, config.EsploraBroadcastPath, strings.NewReader(rawTx), "text/plain")
	if err != nil {
		return "", fmt.Errorf("bitcoinbackend: broadcast: %w", err)
	}
	txID := strings.TrimSpace(string(body))
	if txID == "" {
		return "", fmt.Errorf("bitcoinbackend: broadcast returned empty txid")
	}
	return txID, nil
}

// UnlockUTXO releases a reservation made by FundPsbt, e.g. after SignPsbt or
// BroadcastChainTransaction failed and the job falls back to IDLE.
func (c *Client) UnlockUTXO(_ context.Context, lock engine.UTXOLock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := utxoKey(lock.TransactionID, lock.TransactionVout)
	if existing, ok := c.locks[key]; ok && existing.LockID == lock.LockID {
		delete(c.locks, key)
	}
	return nil
}

// GetChainAddresses returns the wallet's single receiving address.
func (c *Client) GetChainAddresses(ctx context.Context) ([]string, error) {
	addr, _, err := c.walletAddress(ctx)
	if err != nil {
		return nil, err
	}
	return []string{addr}, nil
}

// GetChainBalance sums the value of every unspent output at the wallet's
// address, confirmed or not.
func (c *Client) GetChainBalance(ctx context.Context) (*big.Int, error) {
	address, _, err := c.walletAddress(ctx)
	if err != nil {
		return nil, err
	}
	utxos, err := c.fetchUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, u := range utxos {
		total.Add(total, big.NewInt(u.Value))
	}
	return total, nil
}

type esploraTxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

// GetTransaction returns confirmation depth for txID, or nil if the endpoint
// has no record of it (not yet relayed or already evicted from mempool).
func (c *Client) GetTransaction(ctx context.Context, txID string) (*engine.BTCTransaction, error) {
	statusBody, err := c.request(ctx, http.MethodGet, fmt.Sprintf(config.EsploraTxStatusPath, txID), nil, "")
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, fmt.Errorf("bitcoinbackend: get tx status: %w", err)
	}

	var status esploraTxStatus
	if err := json.Unmarshal(statusBody, &status); err != nil {
		return nil, fmt.Errorf("bitcoinbackend: decode tx status: %w", err)
	}
	if !status.Confirmed {
		return &engine.BTCTransaction{Confirmations: 0}, nil
	}

	tipBody, err := c.request(ctx, http.MethodGet, config.EsploraTipHeightPath, nil, "")
	if err != nil {
		return nil, fmt.Errorf("bitcoinbackend: get tip height: %w", err)
	}
	tip, err := strconv.ParseInt(strings.TrimSpace(string(tipBody)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bitcoinbackend: parse tip height %q: %w", string(tipBody), err)
	}

	confirmations := tip - status.BlockHeight + 1
	if confirmations < 1 {
		confirmations = 1
	}
	return &engine.BTCTransaction{Confirmations: confirmations}, nil
}

var _ engine.BitcoinBackend = (*Client)(nil)
