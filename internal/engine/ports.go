// Package engine implements the rebalancing controller's durable state
// machine. This file defines the "ports" — the adapter interfaces the
// engine consumes. The engine package never imports a concrete adapter;
// concrete implementations live under internal/adapters/* and are wired
// together by internal/supervisor.
package engine

import (
	"context"
	"errors"
	"math/big"

	"github.com/Fantasim/rebalancer/internal/models"
)

// ErrNotFound is returned by adapter lookups (GetTrade, GetFundsTransfer,
// GetWithdrawal, GetDeposit's underlying query, ...) when the venue has no
// record of the id yet — distinct from a transient transport failure. CEX
// adapters wrap venue-specific "unknown order" codes (e.g. 52907, 51603 on
// one CEX) into this sentinel so the engine can treat absence uniformly.
var ErrNotFound = errors.New("engine: record not found at venue")

// TxStatus is the confirmation state of a single broadcast transaction, used
// uniformly by SwapContract.GetTxStatus/GetTxIDStatus for both the
// smart-chain withdraw and deposit legs.
type TxStatus string

const (
	TxNotFound TxStatus = "not_found"
	TxPending  TxStatus = "pending"
	TxReverted TxStatus = "reverted"
	TxSuccess  TxStatus = "success"
)

// RoundingMode controls how InventoryOracle.FromBtc rounds a BTC-denominated
// amount down into a token's base units.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundNearest
)

// TxReplaceFunc is the signature SwapContract invokes before a replacement
// (fee-bumped) transaction is considered broadcast. The engine's
// onBeforeTxReplace callback matches this shape.
type TxReplaceFunc func(oldRawTx, oldTxID, newRawTx, newTxID string)

// OnBroadcastFunc fires once per candidate transaction the moment
// SwapContract.SendAndConfirm is about to broadcast it — this is the
// engine's cue to persist the candidate before the network call returns,
// so a crash mid-broadcast is recoverable from the persisted candidate
// rather than losing track of it.
type OnBroadcastFunc func(txID, rawTx string)

// SwapContract is the smart-chain wallet + escrow contract adapter.
type SwapContract interface {
	// GetBalance returns the contract-held balance of token. When usable is
	// true only funds free of any pending withdrawal are counted.
	GetBalance(ctx context.Context, token models.Token, usable bool) (*big.Int, error)

	// TxsWithdraw/TxsTransfer/TxsDeposit build (but do not broadcast) the raw
	// transaction(s) needed to move amount of token to address `to`. They may
	// return more than one candidate when the contract requires a multi-step
	// sequence (e.g. approve + transfer).
	TxsWithdraw(ctx context.Context, token models.Token, amount *big.Int, to string) ([]string, error)
	TxsTransfer(ctx context.Context, token models.Token, amount *big.Int, to string) ([]string, error)
	TxsDeposit(ctx context.Context, token models.Token, amount *big.Int, to string) ([]string, error)

	// SendAndConfirm signs, broadcasts, and waits for onBroadcast on each raw
	// tx candidate in turn; it may internally replace a stuck tx with a
	// fee-bumped one, in which case the registered TxReplaceFunc fires before
	// onBroadcast sees the new candidate.
	SendAndConfirm(ctx context.Context, rawTxs []string, onBroadcast OnBroadcastFunc) (txID string, err error)

	// GetTxStatus/GetTxIDStatus query confirmation state, by raw tx or by the
	// txid the engine already recorded.
	GetTxStatus(ctx context.Context, rawTx string) (TxStatus, error)
	GetTxIDStatus(ctx context.Context, txID string) (TxStatus, error)

	// OnBeforeTxReplace registers the engine's single replacement callback.
	OnBeforeTxReplace(cb TxReplaceFunc)

	// GetAddress returns the intermediary's own smart-chain address (the
	// destination for SC_DEPOSITING legs).
	GetAddress() string

	// ToTokenAddress resolves a token symbol to its on-chain contract
	// address (zero-address for native ETH).
	ToTokenAddress(token models.Token) (string, error)
}

// BTCTransaction describes confirmation status for an on-chain lookup.
type BTCTransaction struct {
	Confirmations int64
}

// UTXOLock identifies a PSBT input reserved by FundPsbt, returned so a
// failure path can release it.
type UTXOLock struct {
	LockID            string
	TransactionID     string
	TransactionVout   uint32
}

// PsbtOutput is a single funding target for FundPsbt.
type PsbtOutput struct {
	Address string
	Sats    int64
}

// FundPsbtRequest is the parameter set for BitcoinBackend.FundPsbt.
type FundPsbtRequest struct {
	Outputs            []PsbtOutput
	MinConfirmations   int
	TargetConfirmations int
}

// FundPsbtResult is the unsigned envelope plus the UTXO locks it consumed.
type FundPsbtResult struct {
	Psbt   string
	Inputs []UTXOLock
}

// BitcoinBackend is the on-chain Bitcoin UTXO wallet adapter.
type BitcoinBackend interface {
	// GetTransaction returns nil if txID is unknown to the backend yet.
	GetTransaction(ctx context.Context, txID string) (*BTCTransaction, error)
	FundPsbt(ctx context.Context, req FundPsbtRequest) (FundPsbtResult, error)
	SignPsbt(ctx context.Context, psbt string) (rawTx string, err error)
	BroadcastChainTransaction(ctx context.Context, rawTx string) (txID string, err error)
	UnlockUTXO(ctx context.Context, lock UTXOLock) error
	GetChainAddresses(ctx context.Context) ([]string, error)
	GetChainBalance(ctx context.Context) (*big.Int, error)
}

// LightningPayment is the result of a GetPayment lookup.
type LightningPayment struct {
	IsConfirmed bool
	IsFailed    bool
}

// LightningInvoice is the result of a GetInvoice lookup.
type LightningInvoice struct {
	IsConfirmed bool
	IsCanceled  bool
}

// InvoiceResult is returned by CreateInvoice.
type InvoiceResult struct {
	Request string // BOLT-11 payment request
	ID      string // payment hash
}

// LightningBackend is the Lightning Network node adapter.
type LightningBackend interface {
	// DecodePaymentHash decodes a BOLT-11 invoice's payment hash without
	// paying it. The engine calls this to establish the stable "txid" for
	// an LN out-leg *before* calling Pay, so a crash between persisting the
	// hash and the payment landing is recoverable by re-querying GetPayment
	// rather than losing track of an in-flight payment.
	DecodePaymentHash(ctx context.Context, invoice string) (string, error)
	// Pay pays a BOLT-11 invoice (`request`). Returns a domain-expected
	// terminal error on payment failure, not a transient one.
	Pay(ctx context.Context, request string) error
	// GetPayment returns nil if id is not yet known to the node.
	GetPayment(ctx context.Context, id string) (*LightningPayment, error)
	// CreateInvoice mints an invoice for mtokens millisatoshis.
	CreateInvoice(ctx context.Context, mtokens *big.Int) (InvoiceResult, error)
	GetInvoice(ctx context.Context, id string) (LightningInvoice, error)
	GetChannelBalance(ctx context.Context) (*big.Int, error)
}

// DepositAddressResult is the CEX's deposit target: an on-chain/SC address,
// or for BTC-LN a BOLT-11 invoice (CEX-generated, amount pre-filled).
type DepositAddressResult struct {
	Address string
	Invoice string // set instead of Address for BTC-LN deposits

	// InvoiceAmountSats is the amount encoded in Invoice, decoded by the
	// adapter. The engine checks this against the requested amountOut
	// before recording the out-tx candidate, guarding against a CEX invoice
	// that doesn't match what was requested. Zero when Invoice is unset.
	InvoiceAmountSats *big.Int
}

// TradeState mirrors the CEX order lifecycle states.
type TradeState string

const (
	TradeLive            TradeState = "live"
	TradePartiallyFilled TradeState = "partially_filled"
	TradeFilled          TradeState = "filled"
	TradeCanceled        TradeState = "canceled"
	TradeMMPCanceled     TradeState = "mmp_canceled"
)

// TradeRecord is the result of Exchange.GetTrade.
type TradeRecord struct {
	OrderID      string
	AveragePrice float64
	State        TradeState
}

// TransferState mirrors the CEX intra-account transfer lifecycle.
type TransferState string

const (
	TransferPending TransferState = "pending"
	TransferSuccess TransferState = "success"
	TransferFailed  TransferState = "failed"
)

// FundsTransferRecord is the result of Exchange.GetFundsTransfer.
type FundsTransferRecord struct {
	TransferID string
	State      TransferState
}

// WithdrawalState is the CEX withdrawal lifecycle, encoded as the venue's
// integer status codes: 2=completed, 1=processing, 0=pending review,
// negative values are the terminal-failure family.
type WithdrawalState int

const (
	WithdrawalFailedPermanent  WithdrawalState = -3
	WithdrawalFailedRisk       WithdrawalState = -2
	WithdrawalFailedRejected   WithdrawalState = -1
	WithdrawalPendingReview    WithdrawalState = 0
	WithdrawalProcessing       WithdrawalState = 1
	WithdrawalCompleted        WithdrawalState = 2
)

// Terminal reports whether a withdrawal state is a final failure.
func (s WithdrawalState) Terminal() bool {
	return s == WithdrawalFailedPermanent || s == WithdrawalFailedRisk || s == WithdrawalFailedRejected
}

// WithdrawalRecord is the result of Exchange.GetWithdrawal.
type WithdrawalRecord struct {
	TxID  string
	State WithdrawalState
}

// DepositRecord is the result of Exchange.GetDeposit.
type DepositRecord struct {
	DepositID string
	State     string // "credited-not-withdrawable" | "success" (venue-specific, compared with helper)
}

// DepositCredited reports whether a deposit record has reached a state the
// engine may act on (either fully settled or merely credited-but-locked).
func (d DepositRecord) DepositCredited() bool {
	return d.State == "credited-not-withdrawable" || d.State == "success"
}

// Exchange is the CEX spot-trading + custody adapter. Every mutating call
// is idempotency-keyed by the caller.
type Exchange interface {
	GetDepositAddress(ctx context.Context, coin models.Token, chain string, amount *big.Int) (DepositAddressResult, error)
	// GetDeposit returns nil if txID has no matching deposit record yet.
	GetDeposit(ctx context.Context, txID string) (*DepositRecord, error)
	MarketTrade(ctx context.Context, src, dst models.Token, amount *big.Int, clientOrderID string) (venueOrderID string, err error)
	GetTrade(ctx context.Context, src, dst models.Token, clientOrderID string) (TradeRecord, error)
	FundsTransfer(ctx context.Context, ccy models.Token, from, to string, amount *big.Int, clientID string) (transID string, err error)
	GetFundsTransfer(ctx context.Context, clientID string) (FundsTransferRecord, error)
	GetBalance(ctx context.Context, token models.Token) (*big.Int, error)
	GetWithdrawalFee(ctx context.Context, coin models.Token, chain string, amount *big.Int) (*big.Int, error)
	Withdraw(ctx context.Context, coin models.Token, chain, address, clientWdID string, fee, amount *big.Int) (wdID string, err error)
	// GetWithdrawal returns nil if clientWdID has no matching record yet.
	GetWithdrawal(ctx context.Context, clientWdID string) (*WithdrawalRecord, error)
}

// InventoryOracle converts between a token's base units and BTC base units
// (satoshis). Locked and pending-refund balances come from SwapSnapshot,
// not from this interface.
type InventoryOracle interface {
	ToBtc(ctx context.Context, amount *big.Int, token models.Token) (*big.Int, error)
	FromBtc(ctx context.Context, amountBTC *big.Int, token models.Token, rounding RoundingMode) (*big.Int, error)
}

// SwapSnapshot is the narrow, read-only view into the swap intermediary's
// open-order book that BalanceMonitor needs. It is deliberately not part of
// InventoryOracle, keeping the rebalancing core decoupled from swap-handler
// internals: this is a separate, minimal seam a real swap intermediary
// implements once and the monitor never reaches past.
type SwapSnapshot interface {
	// LockedBalance sums commitments of token covering outbound customer
	// claims not yet settled.
	LockedBalance(ctx context.Context, token models.Token) (*big.Int, error)
	// ReturningBalance sums token amounts en route back to the intermediary
	// (pending refunds).
	ReturningBalance(ctx context.Context, token models.Token) (*big.Int, error)
}
