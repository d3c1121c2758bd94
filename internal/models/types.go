// Package models holds the shared value types for the rebalancing
// controller: token/chain identifiers and the RebalanceJob record that the
// engine drives through its state graph.
package models

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Chain identifies a settlement rail.
type Chain string

const (
	ChainBTC        Chain = "BTC"    // Bitcoin on-chain
	ChainBTCLN      Chain = "BTC-LN" // Bitcoin over Lightning
	ChainSmartChain Chain = "SC"     // the configured smart chain (EVM-compatible)
)

// Token identifies a balance unit. BTC and BTC-LN denote the same underlying
// asset over different rails; smart-chain tokens are configured with a
// contract address and a fixed decimal count (see config.Config.TokenAddresses
// and the config.Decimals* constants).
type Token string

const (
	TokenBTC   Token = "BTC"
	TokenBTCLN Token = "BTC-LN"
	TokenUSDC  Token = "USDC"
	TokenUSDT  Token = "USDT"
	TokenETH   Token = "ETH"
	TokenSOL   Token = "SOL"
)

// IsBTCLike reports whether a token settles over a Bitcoin rail (on-chain or
// Lightning). Used by the trading-pair resolver and by state transitions
// that branch on rail type.
func (t Token) IsBTCLike() bool {
	return t == TokenBTC || t == TokenBTCLN
}

// RebalanceState is the current phase of the single in-flight RebalanceJob.
// StateOrder below fixes the DAG traversal order these were discovered in.
type RebalanceState string

const (
	StateIdle                  RebalanceState = "IDLE"
	StateTriggered             RebalanceState = "TRIGGERED"
	StateSCWithdrawing         RebalanceState = "SC_WITHDRAWING"
	StateSCWithdrawalConfirmed RebalanceState = "SC_WITHDRAWAL_CONFIRMED"
	StateOutTx                 RebalanceState = "OUT_TX"
	StateOutTxConfirmed        RebalanceState = "OUT_TX_CONFIRMED"
	StateDepositReceived       RebalanceState = "DEPOSIT_RECEIVED"
	StateTradeExecuting        RebalanceState = "TRADE_EXECUTING"
	StateTradeExecuted         RebalanceState = "TRADE_EXECUTED"
	StateFundsTransfering      RebalanceState = "FUNDS_TRANSFERING"
	StateFundsTransfered       RebalanceState = "FUNDS_TRANSFERED"
	StateWithdrawing           RebalanceState = "WITHDRAWING"
	StateWithdrawalSent        RebalanceState = "WITHDRAWAL_SENT"
	StateInTxConfirmed         RebalanceState = "IN_TX_CONFIRMED"
	StateSCDepositing          RebalanceState = "SC_DEPOSITING"
	StateSCDeposited           RebalanceState = "SC_DEPOSITED"
	StateFinished              RebalanceState = "FINISHED"
	StateRetrying              RebalanceState = "RETRYING"
)

// StateOrder lists every state except IDLE and RETRYING, TRIGGERED through
// FINISHED, in DAG traversal order. It bounds the engine's post-transition re-entry loop: a single
// external tick can advance through at most len(StateOrder)+2 transitions
// before the loop gives up and logs a stall (a programmer-error backstop,
// not something a normal run should ever hit).
var StateOrder = []RebalanceState{
	StateTriggered,
	StateSCWithdrawing,
	StateSCWithdrawalConfirmed,
	StateOutTx,
	StateOutTxConfirmed,
	StateDepositReceived,
	StateTradeExecuting,
	StateTradeExecuted,
	StateFundsTransfering,
	StateFundsTransfered,
	StateWithdrawing,
	StateWithdrawalSent,
	StateInTxConfirmed,
	StateSCDepositing,
	StateSCDeposited,
	StateFinished,
}

// TxCandidate is a single broadcast attempt at a smart-chain or BTC
// transaction: the raw bytes keyed by their txid. Replacement transactions
// (fee bumps) are added to the owning map without displacing earlier
// candidates, since any of them might still confirm.
type TxCandidate struct {
	RawTx string `json:"rawTx"`
}

// RebalanceJob is the single outstanding rebalance, if any. Only the fields
// relevant to the current State are populated; see engine.RequiredFields for
// the per-state contract this type is expected to satisfy.
type RebalanceJob struct {
	JobID string         `json:"jobId"`
	State RebalanceState `json:"state"`

	// Cooldown / retry bookkeeping, valid in any state.
	Cooldown   int64          `json:"cooldown,omitempty"` // unix millis; engine may not tick before this
	RetryAt    int64          `json:"retryAt,omitempty"`
	RetryState RebalanceState `json:"retryState,omitempty"`

	// Set at TRIGGERED.
	SrcToken        Token    `json:"srcToken,omitempty"`
	SrcTokenAddress string   `json:"srcTokenAddress,omitempty"`
	DstToken        Token    `json:"dstToken,omitempty"`
	DstTokenAddress string   `json:"dstTokenAddress,omitempty"`
	AmountOut       *big.Int `json:"amountOut,omitempty"`

	// Set at SC_WITHDRAWING.
	SCWithdrawTxs map[string]TxCandidate `json:"scWithdrawTxs,omitempty"`

	// Set at SC_WITHDRAWAL_CONFIRMED.
	SCWithdrawTxID string `json:"scWithdrawTxId,omitempty"`

	// Set at OUT_TX.
	OutTxs map[string]TxCandidate `json:"outTxs,omitempty"`

	// Set at OUT_TX_CONFIRMED.
	OutTxID string `json:"outTxId,omitempty"`

	// Set at DEPOSIT_RECEIVED.
	DepositID string `json:"depositId,omitempty"`

	// Set at TRADE_EXECUTING.
	ClientOrderID string `json:"clientOrderId,omitempty"`

	// Set at TRADE_EXECUTED.
	OrderID  string   `json:"orderId,omitempty"`
	Price    float64  `json:"price,omitempty"`
	AmountIn *big.Int `json:"amountIn,omitempty"`

	// Set at FUNDS_TRANSFERING.
	ClientTransferID string `json:"clientTransferId,omitempty"`

	// Set at FUNDS_TRANSFERED.
	TransferID string `json:"transferId,omitempty"`

	// Set at WITHDRAWING.
	ReceivingAddress string   `json:"receivingAddress,omitempty"`
	WithdrawalFee    *big.Int `json:"withdrawalFee,omitempty"`
	WithdrawalID     string   `json:"withdrawalId,omitempty"`

	// Set at WITHDRAWAL_SENT.
	InTxID string `json:"inTxId,omitempty"`

	// Set at SC_DEPOSITING.
	SCDepositTxs map[string]TxCandidate `json:"scDepositTxs,omitempty"`

	// Set at SC_DEPOSITED.
	SCDepositTxID string `json:"scDepositTxId,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// rebalanceJobWire is the JSON wire shape of RebalanceJob: identical field
// set, but every *big.Int becomes a quoted decimal string. A prior revision
// of this persistence format deserialized amounts as hex (`new BN(value,
// 16)`) while its serializer wrote decimal — a mismatch that corrupted
// amounts on first restart. This type fixes the encoding to decimal, both
// directions, and is the only place that decision is made; everywhere else
// in the repository a *big.Int is a *big.Int.
type rebalanceJobWire struct {
	JobID   string         `json:"jobId"`
	State   RebalanceState `json:"state"`
	Cooldown   int64          `json:"cooldown,omitempty"`
	RetryAt    int64          `json:"retryAt,omitempty"`
	RetryState RebalanceState `json:"retryState,omitempty"`

	SrcToken        Token  `json:"srcToken,omitempty"`
	SrcTokenAddress string `json:"srcTokenAddress,omitempty"`
	DstToken        Token  `json:"dstToken,omitempty"`
	DstTokenAddress string `json:"dstTokenAddress,omitempty"`
	AmountOut       string `json:"amountOut,omitempty"`

	SCWithdrawTxs map[string]TxCandidate `json:"scWithdrawTxs,omitempty"`
	SCWithdrawTxID string                 `json:"scWithdrawTxId,omitempty"`

	OutTxs  map[string]TxCandidate `json:"outTxs,omitempty"`
	OutTxID string                 `json:"outTxId,omitempty"`

	DepositID     string `json:"depositId,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`

	OrderID  string  `json:"orderId,omitempty"`
	Price    float64 `json:"price,omitempty"`
	AmountIn string  `json:"amountIn,omitempty"`

	ClientTransferID string `json:"clientTransferId,omitempty"`
	TransferID       string `json:"transferId,omitempty"`

	ReceivingAddress string `json:"receivingAddress,omitempty"`
	WithdrawalFee    string `json:"withdrawalFee,omitempty"`
	WithdrawalID     string `json:"withdrawalId,omitempty"`

	InTxID string `json:"inTxId,omitempty"`

	SCDepositTxs  map[string]TxCandidate `json:"scDepositTxs,omitempty"`
	SCDepositTxID string                 `json:"scDepositTxId,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

func bigToDecimalString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func decimalStringToBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("models: %q is not a valid decimal integer", s)
	}
	return v, nil
}

// MarshalJSON renders every *big.Int field as a quoted base-10 string.
func (j RebalanceJob) MarshalJSON() ([]byte, error) {
	w := rebalanceJobWire{
		JobID: j.JobID, State: j.State,
		Cooldown: j.Cooldown, RetryAt: j.RetryAt, RetryState: j.RetryState,
		SrcToken: j.SrcToken, SrcTokenAddress: j.SrcTokenAddress,
		DstToken: j.DstToken, DstTokenAddress: j.DstTokenAddress,
		AmountOut:        bigToDecimalString(j.AmountOut),
		SCWithdrawTxs:    j.SCWithdrawTxs,
		SCWithdrawTxID:   j.SCWithdrawTxID,
		OutTxs:           j.OutTxs,
		OutTxID:          j.OutTxID,
		DepositID:        j.DepositID,
		ClientOrderID:    j.ClientOrderID,
		OrderID:          j.OrderID,
		Price:            j.Price,
		AmountIn:         bigToDecimalString(j.AmountIn),
		ClientTransferID: j.ClientTransferID,
		TransferID:       j.TransferID,
		ReceivingAddress: j.ReceivingAddress,
		WithdrawalFee:    bigToDecimalString(j.WithdrawalFee),
		WithdrawalID:     j.WithdrawalID,
		InTxID:           j.InTxID,
		SCDepositTxs:     j.SCDepositTxs,
		SCDepositTxID:    j.SCDepositTxID,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the decimal-string wire format back into *big.Int.
func (j *RebalanceJob) UnmarshalJSON(data []byte) error {
	var w rebalanceJobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	amountOut, err := decimalStringToBig(w.AmountOut)
	if err != nil {
		return fmt.Errorf("amountOut: %w", err)
	}
	amountIn, err := decimalStringToBig(w.AmountIn)
	if err != nil {
		return fmt.Errorf("amountIn: %w", err)
	}
	withdrawalFee, err := decimalStringToBig(w.WithdrawalFee)
	if err != nil {
		return fmt.Errorf("withdrawalFee: %w", err)
	}

	*j = RebalanceJob{
		JobID: w.JobID, State: w.State,
		Cooldown: w.Cooldown, RetryAt: w.RetryAt, RetryState: w.RetryState,
		SrcToken: w.SrcToken, SrcTokenAddress: w.SrcTokenAddress,
		DstToken: w.DstToken, DstTokenAddress: w.DstTokenAddress,
		AmountOut:        amountOut,
		SCWithdrawTxs:    w.SCWithdrawTxs,
		SCWithdrawTxID:   w.SCWithdrawTxID,
		OutTxs:           w.OutTxs,
		OutTxID:          w.OutTxID,
		DepositID:        w.DepositID,
		ClientOrderID:    w.ClientOrderID,
		OrderID:          w.OrderID,
		Price:            w.Price,
		AmountIn:         amountIn,
		ClientTransferID: w.ClientTransferID,
		TransferID:       w.TransferID,
		ReceivingAddress: w.ReceivingAddress,
		WithdrawalFee:    withdrawalFee,
		WithdrawalID:     w.WithdrawalID,
		InTxID:           w.InTxID,
		SCDepositTxs:     w.SCDepositTxs,
		SCDepositTxID:    w.SCDepositTxID,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
	return nil
}

// Clone returns a copy safe to mutate independently of the original: maps
// are copied and big.Int fields are copied by value.
func (j *RebalanceJob) Clone() *RebalanceJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.AmountOut = cloneBigInt(j.AmountOut)
	cp.AmountIn = cloneBigInt(j.AmountIn)
	cp.WithdrawalFee = cloneBigInt(j.WithdrawalFee)
	cp.SCWithdrawTxs = cloneTxMap(j.SCWithdrawTxs)
	cp.OutTxs = cloneTxMap(j.OutTxs)
	cp.SCDepositTxs = cloneTxMap(j.SCDepositTxs)
	return &cp
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTxMap(m map[string]TxCandidate) map[string]TxCandidate {
	if m == nil {
		return nil
	}
	cp := make(map[string]TxCandidate, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
