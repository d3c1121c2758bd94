// Package exchange implements engine.Exchange over a CEX REST API, following
// the OKX-shaped signing scheme: HMAC-SHA256 over
// timestamp||method||path-with-query||body, base64-encoded, sent as
// OK-ACCESS-* headers.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/decimal"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
)

// Client implements engine.Exchange.
type Client struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	passphrase  string
	scChainName string
	httpClient  *http.Client
}

// New builds a Client from configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg.ExchangeBaseURL == "" {
		return nil, fmt.Errorf("%w: exchange base URL not configured", config.ErrInvalidConfig)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ExchangeBaseURL, "/"),
		apiKey:      cfg.ExchangeAPIKey,
		apiSecret:   cfg.ExchangeAPISecret,
		passphrase:  cfg.ExchangePassphrase,
		scChainName: cfg.ExchangeSmartChainName,
		httpClient: &http.Client{
			Timeout: config.AdapterRequestTimeout,
		},
	}, nil
}

// sign computes the base64 HMAC-SHA256 signature over
// timestamp||method||path-with-query||body.
func (c *Client) sign(timestamp, method, pathWithQuery, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + pathWithQuery + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// envelope is the CEX's uniform response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// request signs and issues a request against pathWithQuery, decoding the
// uniform envelope and returning its raw Data payload. A non-"0" code is a
// venue-logic failure, surfaced via config.ErrExchangeVenue;
// notFoundCodes lets a caller recognize specific "unknown
// order/withdrawal" codes as engine.ErrNotFound instead.
func (c *Client) request(ctx context.Context, method, pathWithQuery string, payload any, notFoundCodes ...string) (json.RawMessage, error) {
	var bodyStr string
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("exchange: encode request body: %w", err)
		}
		bodyStr = string(b)
		bodyReader = bytes.NewReader(b)
	}

	timestamp := time.Now().UTC().Format(config.ExchangeTimestampLayout)
	signature := c.sign(timestamp, method, pathWithQuery, bodyStr)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set(config.ExchangeKeyHeader, c.apiKey)
	req.Header.Set(config.ExchangeSignatureHeader, signature)
	req.Header.Set(config.ExchangeTimestampHeader, timestamp)
	req.Header.Set(config.ExchangePassphraseHeader, c.passphrase)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("exchange: request %s: %w", pathWithQuery, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("exchange: read response %s: %w", pathWithQuery, err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, config.NewTransientErrorWithRetry(fmt.Errorf("exchange: %s rate limited", pathWithQuery), 0)
	}
	if resp.StatusCode >= 500 {
		return nil, config.NewTransientError(fmt.Errorf("exchange: %s returned HTTP %d: %s", pathWithQuery, resp.StatusCode, string(respBody)))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("exchange: decode envelope for %s: %w", pathWithQuery, err)
	}
	if env.Code != "" && env.Code != "0" {
		for _, nf := range notFoundCodes {
			if env.Code == nf {
				return nil, engine.ErrNotFound
			}
		}
		return nil, fmt.Errorf("%w: %s (code %s)", config.ErrExchangeVenue, env.Msg, env.Code)
	}
	return env.Data, nil
}

// decimalsFor is the base-unit precision used to render/parse amount and
// balance fields at this adapter's REST boundary, per internal/decimal's
// "only here" rule.
func decimalsFor(t models.Token) int {
	switch t {
	case models.TokenBTC, models.TokenBTCLN:
		return config.DecimalsBTC
	case models.TokenUSDC:
		return config.DecimalsUSDC
	case models.TokenUSDT:
		return config.DecimalsUSDT
	case models.TokenETH:
		return config.DecimalsETH
	case models.TokenSOL:
		return config.DecimalsSOL
	default:
		return config.DecimalsBTC
	}
}

type depositAddressEntry struct {
	Chain   string `json:"chain"`
	Addr    string `json:"addr"`
	AmtSats string `json:"amt,omitempty"` // set only for Lightning-invoice addresses
}

// GetDepositAddress returns a funding-in target for coin on chain. For
// BTC-LN, chain selects the Lightning rail and the venue's "addr" field
// carries a pre-filled BOLT-11 invoice rather than an on-chain address; its
// "amt" field is taken as the invoice amount directly rather than decoding
// the invoice locally.
func (c *Client) GetDepositAddress(ctx context.Context, coin models.Token, chain string, amount *big.Int) (engine.DepositAddressResult, error) {
	q := url.Values{"ccy": {string(coin)}}
	if amount != nil {
		q.Set("amt", decimal.ToDecimal(amount, decimalsFor(coin)))
	}
	path := "/api/v5/asset/deposit-address?" + q.Encode()

	data, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return engine.DepositAddressResult{}, err
	}

	var entries []depositAddressEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return engine.DepositAddressResult{}, fmt.Errorf("exchange: decode deposit address response: %w", err)
	}
	for _, e := range entries {
		if chain != "" && e.Chain != chain {
			continue
		}
		if coin == models.TokenBTCLN {
			sats, ok := new(big.Int).SetString(e.AmtSats, 10)
			if !ok {
				return engine.DepositAddressResult{}, fmt.Errorf("exchange: invoice deposit address missing amt")
			}
			return engine.DepositAddressResult{Invoice: e.Addr, InvoiceAmountSats: sats}, nil
		}
		return engine.DepositAddressResult{Address: e.Addr}, nil
	}
	return engine.DepositAddressResult{}, fmt.Errorf("%w: no deposit address for %s on chain %q", config.ErrChainNotFound, coin, chain)
}

type depositHistoryEntry struct {
	TxID  string `json:"txId"`
	State string `json:"state"`
}

// depositStateMap maps the venue's numeric deposit state codes to the
// DepositRecord.State values engine.DepositRecord.DepositCredited checks.
var depositStateMap = map[string]string{
	"1": "credited-not-withdrawable",
	"2": "success",
}

// GetDeposit returns nil if txID has no matching deposit record yet.
func (c *Client) GetDeposit(ctx context.Context, txID string) (*engine.DepositRecord, error) {
	q := url.Values{"txId": {txID}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/asset/deposit-history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var entries []depositHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("exchange: decode deposit history response: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	state, ok := depositStateMap[entries[0].State]
	if !ok {
		state = entries[0].State
	}
	return &engine.DepositRecord{DepositID: entries[0].TxID, State: state}, nil
}

type orderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	ClOrdID string `json:"clOrdId"`
}

type orderResultEntry struct {
	OrdID string `json:"ordId"`
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

// MarketTrade submits a market order for the (src,dst) leg's trading pair.
func (c *Client) MarketTrade(ctx context.Context, src, dst models.Token, amount *big.Int, clientOrderID string) (string, error) {
	pair, err := engine.GetTradingPair(src, dst)
	if err != nil {
		return "", err
	}
	side := "sell"
	if pair.Buy {
		side = "buy"
	}

	req := orderRequest{
		InstID:  pair.Symbol,
		TdMode:  "cash",
		Side:    side,
		OrdType: "market",
		Sz:      decimal.ToDecimal(amount, decimalsFor(src)),
		ClOrdID: clientOrderID,
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", req)
	if err != nil {
		return "", err
	}
	var results []orderResultEntry
	if err := json.Unmarshal(data, &results); err != nil {
		return "", fmt.Errorf("exchange: decode order response: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("exchange: order response is empty")
	}
	if results[0].SCode != "0" {
		return "", fmt.Errorf("%w: %s", config.ErrTradeCanceled, results[0].SMsg)
	}
	return results[0].OrdID, nil
}

type orderDetailEntry struct {
	OrdID  string `json:"ordId"`
	AvgPx  string `json:"avgPx"`
	State  string `json:"state"`
}

// GetTrade returns the current state of a previously submitted market order.
func (c *Client) GetTrade(ctx context.Context, src, dst models.Token, clientOrderID string) (engine.TradeRecord, error) {
	pair, err := engine.GetTradingPair(src, dst)
	if err != nil {
		return engine.TradeRecord{}, err
	}
	q := url.Values{"instId": {pair.Symbol}, "clOrdId": {clientOrderID}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/trade/order?"+q.Encode(), nil, "51603", "52907")
	if err != nil {
		return engine.TradeRecord{}, err
	}
	var entries []orderDetailEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return engine.TradeRecord{}, fmt.Errorf("exchange: decode order detail response: %w", err)
	}
	if len(entries) == 0 {
		return engine.TradeRecord{}, engine.ErrNotFound
	}

	entry := entries[0]
	avgPrice := 0.0
	if entry.AvgPx != "" {
		if _, err := fmt.Sscanf(entry.AvgPx, "%g", &avgPrice); err != nil {
			return engine.TradeRecord{}, fmt.Errorf("exchange: parse avgPx %q: %w", entry.AvgPx, err)
		}
	}
	return engine.TradeRecord{
		OrderID:      entry.OrdID,
		AveragePrice: avgPrice,
		State:        engine.TradeState(entry.State),
	}, nil
}

type transferRequest struct {
	Ccy      string `json:"ccy"`
	Amt      string `json:"amt"`
	From     string `json:"from"`
	To       string `json:"to"`
	ClientID string `json:"clientId"`
}

type transferResultEntry struct {
	TransID string `json:"transId"`
}

// FundsTransfer moves amount of ccy between two sub-accounts (funding <->
// trading) ahead of a market trade or withdrawal.
func (c *Client) FundsTransfer(ctx context.Context, ccy models.Token, from, to string, amount *big.Int, clientID string) (string, error) {
	req := transferRequest{
		Ccy:      string(ccy),
		Amt:      decimal.ToDecimal(amount, decimalsFor(ccy)),
		From:     from,
		To:       to,
		ClientID: clientID,
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v5/asset/transfer", req)
	if err != nil {
		return "", err
	}
	var results []transferResultEntry
	if err := json.Unmarshal(data, &results); err != nil {
		return "", fmt.Errorf("exchange: decode transfer response: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("exchange: transfer response is empty")
	}
	return results[0].TransID, nil
}

type transferStateEntry struct {
	State string `json:"state"`
}

// GetFundsTransfer reports the state of a previously submitted transfer.
func (c *Client) GetFundsTransfer(ctx context.Context, clientID string) (engine.FundsTransferRecord, error) {
	q := url.Values{"clientId": {clientID}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/asset/transfer-state?"+q.Encode(), nil)
	if err != nil {
		return engine.FundsTransferRecord{}, err
	}
	var entries []transferStateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return engine.FundsTransferRecord{}, fmt.Errorf("exchange: decode transfer state response: %w", err)
	}
	if len(entries) == 0 {
		return engine.FundsTransferRecord{}, engine.ErrNotFound
	}
	return engine.FundsTransferRecord{TransferID: clientID, State: engine.TransferState(entries[0].State)}, nil
}

type balanceEntry struct {
	Details []struct {
		Ccy     string `json:"ccy"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

// GetBalance returns the trading account's available balance of token.
func (c *Client) GetBalance(ctx context.Context, token models.Token) (*big.Int, error) {
	q := url.Values{"ccy": {string(token)}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/account/balance?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var entries []balanceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("exchange: decode balance response: %w", err)
	}
	for _, e := range entries {
		for _, d := range e.Details {
			if d.Ccy == string(token) {
				return decimal.FromDecimal(d.AvailBal, decimalsFor(token))
			}
		}
	}
	return big.NewInt(0), nil
}

type currencyEntry struct {
	Chain  string `json:"chain"`
	MinFee string `json:"minFee"`
}

// GetWithdrawalFee returns the venue's current minimum withdrawal fee for
// coin on chain, in coin's base units.
func (c *Client) GetWithdrawalFee(ctx context.Context, coin models.Token, chain string, amount *big.Int) (*big.Int, error) {
	_ = amount // venue fee schedules here are flat per chain, not amount-scaled
	q := url.Values{"ccy": {string(coin)}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/asset/currencies?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var entries []currencyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("exchange: decode currencies response: %w", err)
	}
	for _, e := range entries {
		if chain != "" && e.Chain != chain {
			continue
		}
		return decimal.FromDecimal(e.MinFee, decimalsFor(coin))
	}
	return nil, fmt.Errorf("%w: no fee schedule for %s on chain %q", config.ErrChainNotFound, coin, chain)
}

type withdrawRequest struct {
	Ccy      string `json:"ccy"`
	Amt      string `json:"amt"`
	Dest     string `json:"dest"` // "4" = on-chain withdrawal
	ToAddr   string `json:"toAddr"`
	Fee      string `json:"fee"`
	Chain    string `json:"chain"`
	ClientID string `json:"clientId"`
}

type withdrawResultEntry struct {
	WdID string `json:"wdId"`
}

// Withdraw submits an on-chain (or Lightning) withdrawal of amount (net of
// fee, which the venue also deducts) to address.
func (c *Client) Withdraw(ctx context.Context, coin models.Token, chain, address, clientWdID string, fee, amount *big.Int) (string, error) {
	req := withdrawRequest{
		Ccy:      string(coin),
		Amt:      decimal.ToDecimal(amount, decimalsFor(coin)),
		Dest:     "4",
		ToAddr:   address,
		Fee:      decimal.ToDecimal(fee, decimalsFor(coin)),
		Chain:    chain,
		ClientID: clientWdID,
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v5/asset/withdrawal", req)
	if err != nil {
		return "", err
	}
	var results []withdrawResultEntry
	if err := json.Unmarshal(data, &results); err != nil {
		return "", fmt.Errorf("exchange: decode withdrawal response: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("exchange: withdrawal response is empty")
	}
	return results[0].WdID, nil
}

type withdrawalHistoryEntry struct {
	TxID  string `json:"txId"`
	State string `json:"state"`
}

// GetWithdrawal returns nil if clientWdID has no matching record yet.
func (c *Client) GetWithdrawal(ctx context.Context, clientWdID string) (*engine.WithdrawalRecord, error) {
	q := url.Values{"clientId": {clientWdID}}
	data, err := c.request(ctx, http.MethodGet, "/api/v5/asset/withdrawal-history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var entries []withdrawalHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("exchange: decode withdrawal history response: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var state int
	if _, err := fmt.Sscanf(entries[0].State, "%d", &state); err != nil {
		return nil, fmt.Errorf("exchange: parse withdrawal state %q: %w", entries[0].State, err)
	}
	return &engine.WithdrawalRecord{TxID: entries[0].TxID, State: engine.WithdrawalState(state)}, nil
}

var _ engine.Exchange = (*Client)(nil)
