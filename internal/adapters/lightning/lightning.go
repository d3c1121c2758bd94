// Package lightning implements engine.LightningBackend over an LND-shaped
// REST admin API: a minimal client surface, sentinel errors from
// internal/config, and a single long-lived *http.Client, matching the
// style of the other REST-backed adapters in this repository.
package lightning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
)

// Client implements engine.LightningBackend against an LND node's REST
// admin interface, authenticated by a hex-encoded macaroon header.
type Client struct {
	baseURL    string
	macaroon   string
	httpClient *http.Client
}

// New builds a Client from configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg.LightningNodeURL == "" {
		return nil, fmt.Errorf("%w: lightning node URL not configured", config.ErrInvalidConfig)
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.LightningNodeURL, "/"),
		macaroon: cfg.LightningMacaroon,
		httpClient: &http.Client{
			Timeout: config.AdapterRequestTimeout,
		},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("lightning: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("lightning: build request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("lightning: request %s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("lightning: read response %s: %w", path, err))
	}

	if resp.StatusCode >= 500 {
		return nil, config.NewTransientError(fmt.Errorf("lightning: %s returned HTTP %d: %s", path, resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, config.NewTransientErrorWithRetry(fmt.Errorf("lightning: %s rate limited", path), 0)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("lightning: %s returned HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// payReqResponse mirrors LND's GET /v1/payreq/{pay_req} response.
type payReqResponse struct {
	PaymentHash string `json:"payment_hash"`
	NumSatoshis string `json:"num_satoshis"`
}

// DecodePaymentHash decodes a BOLT-11 invoice without paying it, so the
// engine can record the stable payment hash as the out-tx candidate id
// before Pay is ever called.
func (c *Client) DecodePaymentHash(ctx context.Context, invoice string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/payreq/"+invoice, nil)
	if err != nil {
		return "", err
	}
	var resp payReqResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("lightning: decode payreq response: %w", err)
	}
	if resp.PaymentHash == "" {
		return "", fmt.Errorf("lightning: payreq response missing payment_hash")
	}
	return resp.PaymentHash, nil
}

// sendPaymentResponse mirrors LND's POST /v1/channels/transactions response.
type sendPaymentResponse struct {
	PaymentError string `json:"payment_error"`
	PaymentHash  string `json:"payment_hash"`
}

// Pay pays a BOLT-11 invoice. A non-empty payment_error in LND's response is
// a domain-expected terminal failure, not a transient one — the engine does
// not re-attempt it; its OUT_TX poll finds the payment failed or unknown and
// returns the job to IDLE.
func (c *Client) Pay(ctx context.Context, request string) error {
	body, err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", map[string]string{
		"payment_request": request,
	})
	if err != nil {
		return err
	}
	var resp sendPaymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("lightning: decode send payment response: %w", err)
	}
	if resp.PaymentError != "" {
		slog.Warn("lightning: payment failed", "error", resp.PaymentError)
		return fmt.Errorf("%w: %s", config.ErrPaymentFailed, resp.PaymentError)
	}
	return nil
}

// listPaymentsResponse mirrors LND's GET /v1/payments response.
type listPaymentsResponse struct {
	Payments []struct {
		PaymentHash string `json:"payment_hash"`
		Status      string `json:"status"` // "IN_FLIGHT" | "SUCCEEDED" | "FAILED"
	} `json:"payments"`
}

// GetPayment reports the outcome of a previously sent payment by hash.
// Returns nil if the node has no record of it yet (still propagating through
// the node's payment index).
func (c *Client) GetPayment(ctx context.Context, id string) (*engine.LightningPayment, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/payments?include_incomplete=true", nil)
	if err != nil {
		return nil, err
	}
	var resp listPaymentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lightning: decode list payments response: %w", err)
	}
	for _, p := range resp.Payments {
		if p.PaymentHash != id {
			continue
		}
		switch p.Status {
		case "SUCCEEDED":
			return &engine.LightningPayment{IsConfirmed: true}, nil
		case "FAILED":
			return &engine.LightningPayment{IsFailed: true}, nil
		default:
			return &engine.LightningPayment{}, nil
		}
	}
	return nil, nil
}

// addInvoiceResponse mirrors LND's POST /v1/invoices response.
type addInvoiceResponse struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

// CreateInvoice mints an invoice for mtokens millisatoshis.
func (c *Client) CreateInvoice(ctx context.Context, mtokens *big.Int) (engine.InvoiceResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/invoices", map[string]string{
		"value_msat": mtokens.String(),
	})
	if err != nil {
		return engine.InvoiceResult{}, err
	}
	var resp addInvoiceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return engine.InvoiceResult{}, fmt.Errorf("lightning: decode add invoice response: %w", err)
	}

	hashBytes, err := decodeRHash(resp.RHash)
	if err != nil {
		return engine.InvoiceResult{}, err
	}
	return engine.InvoiceResult{Request: resp.PaymentRequest, ID: hashBytes}, nil
}

// decodeRHash normalizes LND's r_hash, which may arrive base64 or hex
// encoded depending on node version, to lowercase hex — the same form
// DecodePaymentHash returns, so the engine can compare them as plain
// strings.
func decodeRHash(rHash string) (string, error) {
	if b, err := hex.DecodeString(rHash); err == nil && len(b) == 32 {
		return hex.EncodeToString(b), nil
	}
	b, err := base64.StdEncoding.DecodeString(rHash)
	if err != nil {
		return "", fmt.Errorf("lightning: decode r_hash %q: %w", rHash, err)
	}
	return hex.EncodeToString(b), nil
}

// invoiceLookupResponse mirrors LND's GET /v1/invoice/{hash} response.
type invoiceLookupResponse struct {
	Settled bool   `json:"settled"`
	State   string `json:"state"` // "OPEN" | "SETTLED" | "CANCELED" | "ACCEPTED"
}

// GetInvoice reports the settlement state of a previously created invoice.
func (c *Client) GetInvoice(ctx context.Context, id string) (engine.LightningInvoice, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/invoice/"+id, nil)
	if err != nil {
		return engine.LightningInvoice{}, err
	}
	var resp invoiceLookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return engine.LightningInvoice{}, fmt.Errorf("lightning: decode invoice lookup response: %w", err)
	}
	return engine.LightningInvoice{
		IsConfirmed: resp.Settled || resp.State == "SETTLED",
		IsCanceled:  resp.State == "CANCELED",
	}, nil
}

// channelBalanceResponse mirrors LND's GET /v1/balance/channels response.
type channelBalanceResponse struct {
	BalanceSat string `json:"balance"`
}

// GetChannelBalance returns the node's total local channel balance, in
// satoshis (the same base unit BTC and BTC-LN share throughout the engine).
func (c *Client) GetChannelBalance(ctx context.Context) (*big.Int, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil)
	if err != nil {
		return nil, err
	}
	var resp channelBalanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lightning: decode channel balance response: %w", err)
	}
	bal, ok := new(big.Int).SetString(resp.BalanceSat, 10)
	if !ok {
		return nil, fmt.Errorf("lightning: channel balance %q is not a valid integer", resp.BalanceSat)
	}
	return bal, nil
}

var _ engine.LightningBackend = (*Client)(nil)
