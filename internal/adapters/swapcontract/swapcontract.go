// Package swapcontract implements engine.SwapContract over an EVM-compatible
// smart chain: manual BEP-20 selector encoding instead of accounts/abi,
// buffered gas pricing, and receipt-polling broadcast confirmation,
// generalized from a hardcoded BSC chain ID to whatever chain the
// configured RPC endpoint reports.
package swapcontract

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
)

// EthClient is the minimal ethclient surface the adapter needs, so it can
// be mocked in tests without dialing a real node.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

// transferSelector/balanceOfSelector are the 4-byte function selectors for
// the two ERC-20 calls this adapter needs, encoded by hand rather than
// pulled from accounts/abi.
var (
	transferSelector  = mustDecodeHex(config.ERC20TransferMethodID)
	balanceOfSelector = mustDecodeHex(config.ERC20BalanceOfMethodID)
)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("swapcontract: invalid method id %q: %v", s, err))
	}
	return b
}

func encodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func encodeERC20BalanceOf(owner common.Address) []byte {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}

// bufferGasPrice applies the configured buffer to a suggested gas price.
func bufferGasPrice(suggested *big.Int) *big.Int {
	buffered := new(big.Int).Mul(suggested, big.NewInt(config.SCGasPriceBufferNumerator))
	buffered.Div(buffered, big.NewInt(config.SCGasPriceBufferDenominator))
	return buffered
}

// bumpGasPrice applies the (larger) replacement bump used to displace a
// stuck transaction at the same nonce.
func bumpGasPrice(price *big.Int) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(config.SCReplacementGasBumpNumerator))
	bumped.Div(bumped, big.NewInt(config.SCReplacementGasBumpDenominator))
	return bumped
}

// txIntent is what TxsWithdraw/TxsTransfer/TxsDeposit hand back as a "raw
// transaction" candidate: it is not yet signed, since nonce and gas price
// are only safe to fix immediately before sending. SendAndConfirm decodes
// it, builds the real transaction, and signs it then.
type txIntent struct {
	Token    models.Token `json:"token"`
	Contract string       `json:"contract,omitempty"` // empty for the chain's native token
	To       string       `json:"to"`
	Amount   string        `json:"amount"`
}

func encodeIntent(i txIntent) string {
	b, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("swapcontract: encode intent: %v", err))
	}
	return "intent:" + base64.RawURLEncoding.EncodeToString(b)
}

func decodeIntent(raw string) (txIntent, error) {
	var i txIntent
	payload := strings.TrimPrefix(raw, "intent:")
	if payload == raw {
		return i, fmt.Errorf("swapcontract: %q is not an intent candidate", raw)
	}
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return i, fmt.Errorf("swapcontract: decode intent: %w", err)
	}
	if err := json.Unmarshal(b, &i); err != nil {
		return i, fmt.Errorf("swapcontract: unmarshal intent: %w", err)
	}
	return i, nil
}

// Client implements engine.SwapContract.
type Client struct {
	eth     EthClient
	signer  *ecdsa.PrivateKey
	address common.Address
	tokens  map[models.Token]common.Address

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error

	mu        sync.Mutex
	onReplace engine.TxReplaceFunc
}

// New dials the configured smart-chain RPC endpoint and derives the
// intermediary's own address from cfg.SmartChainSignerKey.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	raw, err := ethclient.DialContext(ctx, cfg.SmartChainRPCURL)
	if err != nil {
		return nil, fmt.Errorf("swapcontract: dial %q: %w", cfg.SmartChainRPCURL, err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SmartChainSignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: smart chain signer key: %v", config.ErrInvalidConfig, err)
	}

	tokens := make(map[models.Token]common.Address, len(cfg.TokenAddresses))
	for symbol, addr := range cfg.TokenAddresses {
		tokens[models.Token(symbol)] = common.HexToAddress(addr)
	}

	return NewWithClient(raw, privKey, tokens), nil
}

// NewWithClient builds a Client around an already-constructed EthClient,
// the seam tests use to inject a fake node.
func NewWithClient(eth EthClient, signer *ecdsa.PrivateKey, tokens map[models.Token]common.Address) *Client {
	return &Client{
		eth:     eth,
		signer:  signer,
		address: crypto.PubkeyToAddress(signer.PublicKey),
		tokens:  tokens,
	}
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDOnce.Do(func() {
		c.chainID, c.chainIDErr = c.eth.NetworkID(ctx)
	})
	return c.chainID, c.chainIDErr
}

// GetAddress returns the intermediary's own smart-chain address.
func (c *Client) GetAddress() string { return c.address.Hex() }

// ToTokenAddress resolves token to its on-chain contract address. ETH (the
// chain's native asset) has no contract address and resolves to the
// zero address.
func (c *Client) ToTokenAddress(token models.Token) (string, error) {
	if token == models.TokenETH {
		return common.Address{}.Hex(), nil
	}
	addr, ok := c.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: %s", config.ErrUnsupportedToken, token)
	}
	return addr.Hex(), nil
}

// GetBalance returns the wallet's on-chain balance of token. This adapter's
// contract model is a plain hot wallet with no on-chain escrow bookkeeping,
// so there is nothing for `usable` to exclude — any reservation against a
// balance is tracked in the engine's own job state, never queried back from
// the chain. The parameter is kept to satisfy the port and to make that
// simplification visible at every call site.
func (c *Client) GetBalance(ctx context.Context, token models.Token, usable bool) (*big.Int, error) {
	_ = usable
	if token == models.TokenETH {
		bal, err := c.eth.BalanceAt(ctx, c.address, nil)
		if err != nil {
			return nil, config.NewTransientError(fmt.Errorf("swapcontract: native balance: %w", err))
		}
		return bal, nil
	}

	addr, ok := c.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrUnsupportedToken, token)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &addr,
		Data: encodeERC20BalanceOf(c.address),
	}, nil)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("swapcontract: balanceOf %s: %w", token, err))
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("swapcontract: balanceOf %s returned %d bytes, expected 32", token, len(result))
	}
	return new(big.Int).SetBytes(result[:32]), nil
}

// txsMove builds a single unsigned-intent candidate moving amount of token
// to address `to`. TxsWithdraw/TxsTransfer/TxsDeposit differ only in which
// leg of the job drives them, not in the on-chain action, so they share
// this builder.
func (c *Client) txsMove(token models.Token, amount *big.Int, to string) ([]string, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: destination %q is not a valid address", config.ErrInvalidConfig, to)
	}

	intent := txIntent{Token: token, To: to, Amount: amount.String()}
	if token != models.TokenETH {
		addr, ok := c.tokens[token]
		if !ok {
			return nil, fmt.Errorf("%w: %s", config.ErrUnsupportedToken, token)
		}
		intent.Contract = addr.Hex()
	}
	return []string{encodeIntent(intent)}, nil
}

func (c *Client) TxsWithdraw(_ context.Context, token models.Token, amount *big.Int, to string) ([]string, error) {
	return c.txsMove(token, amount, to)
}

func (c *Client) TxsTransfer(_ context.Context, token models.Token, amount *big.Int, to string) ([]string, error) {
	return c.txsMove(token, amount, to)
}

func (c *Client) TxsDeposit(_ context.Context, token models.Token, amount *big.Int, to string) ([]string, error) {
	return c.txsMove(token, amount, to)
}

// buildTx turns a decoded intent into an unsigned transaction at the given
// nonce and gas price.
func (c *Client) buildTx(intent txIntent, nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
	to := common.HexToAddress(intent.To)
	amount, ok := new(big.Int).SetString(intent.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("swapcontract: intent amount %q is not a valid integer", intent.Amount)
	}

	if intent.Contract == "" {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    amount,
			Gas:      config.SCGasLimitTransfer,
			GasPrice: gasPrice,
		}), nil
	}

	contract := common.HexToAddress(intent.Contract)
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      config.SCGasLimitERC20,
		GasPrice: gasPrice,
		Data:     encodeERC20Transfer(to, amount),
	}), nil
}

func (c *Client) signTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("swapcontract: resolve chain id: %w", err))
	}
	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(tx, signer, c.signer)
	if err != nil {
		return nil, fmt.Errorf("swapcontract: sign transaction: %w", err)
	}
	return signed, nil
}

func rawTxHex(tx *types.Transaction) (string, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("swapcontract: encode signed transaction: %w", err)
	}
	return "0x" + hex.EncodeToString(b), nil
}

func decodeRawTx(raw string) (*types.Transaction, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("swapcontract: decode raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("swapcontract: unmarshal raw transaction: %w", err)
	}
	return tx, nil
}

// SendAndConfirm signs, broadcasts, and waits for each candidate in turn.
// A candidate stuck without a receipt past config.SCReceiptPollTimeout is
// replaced at the same nonce with a bumped gas price; the registered
// TxReplaceFunc fires before the replacement is considered live, so the
// engine can extend its cooldown while the confirmation scan catches up.
func (c *Client) SendAndConfirm(ctx context.Context, rawTxs []string, onBroadcast engine.OnBroadcastFunc) (string, error) {
	if len(rawTxs) == 0 {
		return "", fmt.Errorf("swapcontract: no candidates to send")
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", config.NewTransientError(fmt.Errorf("swapcontract: fetch nonce: %w", err))
	}

	var lastTxID string
	for _, raw := range rawTxs {
		intent, err := decodeIntent(raw)
		if err != nil {
			return "", err
		}

		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return "", config.NewTransientError(fmt.Errorf("swapcontract: suggest gas price: %w", err))
		}
		gasPrice = bufferGasPrice(gasPrice)

		txID, err := c.sendOne(ctx, intent, nonce, gasPrice, onBroadcast)
		if err != nil {
			return "", err
		}
		lastTxID = txID
		nonce++
	}
	return lastTxID, nil
}

// sendOne signs and sends a single candidate, replacing it with a
// fee-bumped resend if it doesn't confirm within the poll timeout.
func (c *Client) sendOne(ctx context.Context, intent txIntent, nonce uint64, gasPrice *big.Int, onBroadcast engine.OnBroadcastFunc) (string, error) {
	tx, err := c.buildTx(intent, nonce, gasPrice)
	if err != nil {
		return "", err
	}
	signed, err := c.signTx(ctx, tx)
	if err != nil {
		return "", err
	}
	rawHex, err := rawTxHex(signed)
	if err != nil {
		return "", err
	}
	txID := signed.Hash().Hex()

	onBroadcast(txID, rawHex)
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", config.NewTransientError(fmt.Errorf("swapcontract: broadcast %s: %w", txID, err))
	}

	for {
		receipt, err := c.waitForReceipt(ctx, signed.Hash())
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return "", fmt.Errorf("%w: %s reverted in block %d", config.ErrTxReverted, txID, receipt.BlockNumber.Uint64())
			}
			return txID, nil
		}
		if !errors.Is(err, config.ErrReceiptTimeout) {
			return "", err
		}

		oldTxID, oldRaw := txID, rawHex
		gasPrice = bumpGasPrice(gasPrice)
		tx, buildErr := c.buildTx(intent, nonce, gasPrice)
		if buildErr != nil {
			return "", buildErr
		}
		signed, err = c.signTx(ctx, tx)
		if err != nil {
			return "", err
		}
		rawHex, err = rawTxHex(signed)
		if err != nil {
			return "", err
		}
		txID = signed.Hash().Hex()

		slog.Warn("swapcontract: replacing stuck transaction", "oldTxId", oldTxID, "newTxId", txID, "gasPrice", gasPrice)
		c.mu.Lock()
		cb := c.onReplace
		c.mu.Unlock()
		if cb != nil {
			cb(oldRaw, oldTxID, rawHex, txID)
		}
		onBroadcast(txID, rawHex)
		if err := c.eth.SendTransaction(ctx, signed); err != nil {
			return "", config.NewTransientError(fmt.Errorf("swapcontract: rebroadcast %s: %w", txID, err))
		}
	}
}

// waitForReceipt polls for a receipt until it's mined or config.SCReceiptPollTimeout elapses.
func (c *Client) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, config.SCReceiptPollTimeout)
	defer cancel()

	for {
		receipt, err := c.eth.TransactionReceipt(pollCtx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, config.NewTransientError(fmt.Errorf("swapcontract: query receipt for %s: %w", txHash.Hex(), err))
		}

		select {
		case <-pollCtx.Done():
			return nil, config.ErrReceiptTimeout
		case <-time.After(config.SCReceiptPollInterval):
		}
	}
}

// GetTxStatus decodes rawTx and delegates to GetTxIDStatus.
func (c *Client) GetTxStatus(ctx context.Context, rawTx string) (engine.TxStatus, error) {
	tx, err := decodeRawTx(rawTx)
	if err != nil {
		return "", err
	}
	return c.GetTxIDStatus(ctx, tx.Hash().Hex())
}

// GetTxIDStatus reports confirmation state by transaction hash.
func (c *Client) GetTxIDStatus(ctx context.Context, txID string) (engine.TxStatus, error) {
	hash := common.HexToHash(txID)

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusFailed {
			return engine.TxReverted, nil
		}
		return engine.TxSuccess, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", config.NewTransientError(fmt.Errorf("swapcontract: query receipt for %s: %w", txID, err))
	}

	_, isPending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return engine.TxNotFound, nil
		}
		return "", config.NewTransientError(fmt.Errorf("swapcontract: query transaction %s: %w", txID, err))
	}
	if isPending {
		return engine.TxPending, nil
	}
	// Mined (no longer in the mempool) but the receipt call above raced it;
	// treat as pending until the next poll picks up the receipt.
	return engine.TxPending, nil
}

// OnBeforeTxReplace registers the engine's replacement callback.
func (c *Client) OnBeforeTxReplace(cb engine.TxReplaceFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplace = cb
}

var _ engine.SwapContract = (*Client)(nil)
