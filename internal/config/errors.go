package config

import (
	"errors"
	"time"
)

// Sentinel errors, one family per error severity in the controller's error
// handling design. Transient adapter failures are wrapped with
// TransientError instead of using a sentinel — see below.

// Domain-expected terminal adverse events (severity 2): surfaced as a state
// transition (IDLE or RETRYING), never retried in place.
var (
	ErrPaymentFailed      = errors.New("lightning payment failed")
	ErrSigningUnavailable = errors.New("PSBT signing unavailable")
	ErrTradeCanceled      = errors.New("CEX trade canceled")
	ErrTxReverted         = errors.New("transaction reverted")
	ErrAllCandidatesDead  = errors.New("all transaction candidates not_found or reverted")
	ErrGasPriceSpiked     = errors.New("smart-chain gas price spiked beyond tolerance")
	ErrReceiptTimeout     = errors.New("transaction receipt not observed within timeout")
)

// Venue-logic errors (severity 3): fail the tick outright; the job stays
// parked until an operator intervenes.
var (
	ErrInvalidPair       = errors.New("invalid trading pair")
	ErrChainNotFound     = errors.New("chain not found on exchange")
	ErrCurrencyNotFound  = errors.New("currency not found on exchange")
	ErrInvoiceAmountOff  = errors.New("invoice amount does not match requested amountOut")
)

// Generic operational sentinels reused across adapters.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInsufficientUTXO  = errors.New("insufficient UTXO value to cover fee")
	ErrTxTooLarge        = errors.New("transaction exceeds maximum weight")
	ErrDustOutput        = errors.New("output below dust threshold")
	ErrFeeEstimateFailed = errors.New("fee estimation failed")
	ErrUTXOFetchFailed   = errors.New("UTXO fetch failed")
	ErrPriceFetchFailed  = errors.New("price fetch failed")
	ErrNoJobActive       = errors.New("no rebalance job active")
	ErrJobAlreadyActive  = errors.New("a rebalance job is already active")
	ErrUnsupportedToken  = errors.New("token not supported by this adapter")
	ErrMnemonicFileNotSet = errors.New("mnemonic file not configured")
	ErrKeyDerivation      = errors.New("key derivation failed")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrExchangeVenue      = errors.New("exchange venue error")
	ErrAlreadyRunning     = errors.New("another rebalancer process holds the state directory lock")
)

// TransientError marks an adapter failure (HTTP 5xx, timeout, momentary RPC
// hiccup — severity 1) as safe to retry on the next tick without advancing
// or rolling back engine state. Optionally carries a server-suggested
// retry-after duration (e.g. parsed from a CEX rate-limit response).
type TransientError struct {
	err        error
	retryAfter time.Duration
}

// NewTransientError wraps err as a transient, retry-next-tick failure.
func NewTransientError(err error) *TransientError {
	return &TransientError{err: err}
}

// NewTransientErrorWithRetry wraps err as transient and records a minimum
// duration to wait before the next retry attempt.
func NewTransientErrorWithRetry(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{err: err, retryAfter: retryAfter}
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// GetRetryAfter returns the retry-after duration carried by err, or zero if
// err isn't a TransientError or carries no suggested delay.
func GetRetryAfter(err error) time.Duration {
	var te *TransientError
	if !errors.As(err, &te) {
		return 0
	}
	return te.retryAfter
}
