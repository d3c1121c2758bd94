package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/models"
	"github.com/Fantasim/rebalancer/internal/state"
)

// maxTransitionsPerTick bounds the post-transition re-entry loop: a
// recursive post-transition tick is bounded by the state DAG's depth
// (≤ ~16 states). Sized to the traversal order plus slack for a RETRYING
// bounce within the same tick.
var maxTransitionsPerTick = len(models.StateOrder) + 2

// Config is the engine's runtime tuning: the subset of the controller
// config relevant to ticking and retries.
type Config struct {
	// ExchangeChainName is the CEX's identifier for the configured smart
	// chain, used in deposit-address/withdrawal chain selectors.
	ExchangeChainName string
	RetryTime         time.Duration
	CheckInterval     time.Duration
	Cooldown          time.Duration
}

// JobSpec is what BalanceMonitor hands to SeedJob: the rebalance
// parameters established at TRIGGERED.
type JobSpec struct {
	SrcToken        models.Token
	SrcTokenAddress string
	DstToken        models.Token
	DstTokenAddress string
	AmountOut       *big.Int
}

// Engine is the RebalanceEngine: the durable state machine driving one
// rebalance job at a time. It serializes all state transitions behind a
// single mutex, the same single-threaded cooperative discipline a watcher
// orchestrator uses to guard a shared map.
type Engine struct {
	store *state.Store
	sc    SwapContract
	btc   BitcoinBackend
	ln    LightningBackend
	ex    Exchange
	cfg   Config
	clock func() time.Time

	mu  sync.Mutex
	job *models.RebalanceJob
}

// New constructs an Engine. Call LoadOrInit before the first Check/Start to
// recover any job persisted by a previous process.
func New(store *state.Store, sc SwapContract, btc BitcoinBackend, ln LightningBackend, ex Exchange, cfg Config) *Engine {
	return &Engine{
		store: store,
		sc:    sc,
		btc:   btc,
		ln:    ln,
		ex:    ex,
		cfg:   cfg,
		clock: time.Now,
	}
}

// LoadOrInit loads the persisted job, if any, into memory and wires the
// replacement-transaction callback. Call once at startup, before Start.
//
// If a job is recovered, LoadOrInit immediately runs one reconciliation
// tick: it re-polls whatever adapter the recovered state is waiting on
// (the same step Check would run on the next timer tick) rather than
// leaving a resumed job idle for up to a full CheckInterval. This makes
// crash recovery converge as soon as the process is up, not merely
// eventually.
func (e *Engine) LoadOrInit(ctx context.Context) error {
	job, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("engine: load persisted job: %w", err)
	}
	e.mu.Lock()
	resumed := job != nil && job.State != models.StateIdle && job.State != models.StateFinished
	if resumed {
		e.job = job
		slog.Info("engine: resumed persisted job", "jobId", job.JobID, "state", job.State)
	}
	e.mu.Unlock()

	e.sc.OnBeforeTxReplace(e.handleTxReplace)

	if resumed {
		e.Check(ctx)
	}
	return nil
}

// HasActiveJob reports whether a job occupies the single slot (state not
// IDLE and not absent) — the condition BalanceMonitor checks before seeding.
func (e *Engine) HasActiveJob() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job != nil && e.job.State != models.StateIdle
}

// SeedJob creates a fresh job in TRIGGERED and immediately drives it forward
// as far as a single external tick allows.
func (e *Engine) SeedJob(ctx context.Context, spec JobSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job != nil && e.job.State != models.StateIdle {
		return config.ErrJobAlreadyActive
	}

	job := &models.RebalanceJob{
		JobID:           newIdempotencyKey(),
		State:           models.StateTriggered,
		SrcToken:        spec.SrcToken,
		SrcTokenAddress: spec.SrcTokenAddress,
		DstToken:        spec.DstToken,
		DstTokenAddress: spec.DstTokenAddress,
		AmountOut:       spec.AmountOut,
	}
	checkRequiredFields(job)
	if err := e.store.Save(job); err != nil {
		return fmt.Errorf("engine: seed job: %w", err)
	}
	e.job = job

	slog.Info("rebalance job seeded",
		"jobId", job.JobID, "srcToken", job.SrcToken, "dstToken", job.DstToken, "amountOut", job.AmountOut,
	)

	e.checkLocked(ctx)
	return nil
}

// Check is the periodic tick entry point: if no job exists or now is
// before cooldown, return; otherwise branch on state.
func (e *Engine) Check(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkLocked(ctx)
}

// Start runs Check on cfg.CheckInterval until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Check(ctx)
		}
	}
}

// checkLocked runs the bounded transition loop. Caller must hold e.mu.
func (e *Engine) checkLocked(ctx context.Context) {
	for i := 0; i < maxTransitionsPerTick; i++ {
		if e.job == nil || e.job.State == models.StateIdle {
			return
		}
		now := e.clock()
		if e.job.Cooldown != 0 && now.UnixMilli() < e.job.Cooldown {
			return
		}

		advanced, err := e.step(ctx)
		if err != nil {
			slog.Error("engine: tick error", "jobId", e.job.JobID, "state", e.job.State, "error", err)
		}
		if !advanced {
			return
		}
	}
	slog.Warn("engine: transition loop bound reached, yielding to next external tick",
		"jobId", e.job.JobID, "state", e.job.State,
	)
}

// step executes exactly one state's action and reports whether the job
// transitioned (the caller's cue to re-enter the loop).
func (e *Engine) step(ctx context.Context) (bool, error) {
	job := e.job
	switch job.State {
	case models.StateTriggered:
		return e.stepTriggered(ctx, job)
	case models.StateSCWithdrawing:
		return e.stepSCPoll(ctx, job, job.SCWithdrawTxs, models.StateSCWithdrawalConfirmed, func(txID string) {
			job.SCWithdrawTxID = txID
		}, nil)
	case models.StateSCWithdrawalConfirmed:
		return e.stepSCWithdrawalConfirmed(ctx, job)
	case models.StateOutTx:
		return e.stepOutTx(ctx, job)
	case models.StateOutTxConfirmed:
		return e.stepOutTxConfirmed(ctx, job)
	case models.StateDepositReceived:
		return e.stepDepositReceived(ctx, job)
	case models.StateTradeExecuting:
		return e.stepTradeExecuting(ctx, job)
	case models.StateTradeExecuted:
		return e.stepTradeExecuted(ctx, job)
	case models.StateFundsTransfering:
		return e.stepFundsTransfering(ctx, job)
	case models.StateFundsTransfered:
		return e.stepFundsTransfered(ctx, job)
	case models.StateWithdrawing:
		return e.stepWithdrawing(ctx, job)
	case models.StateWithdrawalSent:
		return e.stepWithdrawalSent(ctx, job)
	case models.StateInTxConfirmed:
		return e.stepInTxConfirmed(ctx, job)
	case models.StateSCDepositing:
		retryFn := func() { e.scheduleRetryLocked(job, models.StateInTxConfirmed) }
		return e.stepSCPoll(ctx, job, job.SCDepositTxs, models.StateSCDeposited, func(txID string) {
			job.SCDepositTxID = txID
		}, retryFn)
	case models.StateSCDeposited:
		return e.transitionLocked(job, models.StateFinished, nil)
	case models.StateFinished:
		return e.stepFinished(job)
	case models.StateRetrying:
		return e.stepRetrying(job)
	default:
		panic(fmt.Sprintf("engine: unknown state %q", job.State))
	}
}

// transitionLocked mutates job via mutate (may be nil), sets state, checks
// the required-field contract, and persists — the single chokepoint every
// state-advance goes through, so the document is always written before the
// next action is taken.
func (e *Engine) transitionLocked(job *models.RebalanceJob, newState models.RebalanceState, mutate func()) (bool, error) {
	if mutate != nil {
		mutate()
	}
	job.State = newState
	checkRequiredFields(job)
	if err := e.store.Save(job); err != nil {
		return false, fmt.Errorf("persist transition to %s: %w", newState, err)
	}
	return true, nil
}

// scheduleRetryLocked parks the job in RETRYING, to resume at retryState
// after cfg.RetryTime.
func (e *Engine) scheduleRetryLocked(job *models.RebalanceJob, retryState models.RebalanceState) (bool, error) {
	return e.transitionLocked(job, models.StateRetrying, func() {
		job.RetryAt = e.clock().Add(e.cfg.RetryTime).UnixMilli()
		job.RetryState = retryState
	})
}

// toIdleLocked aborts the job pre-movement (funds never left the
// intermediary) and frees the slot. clear optionally strips fields specific
// to the failing leg before persisting, matching S3's "document cleared of
// scWithdrawTxs".
func (e *Engine) toIdleLocked(job *models.RebalanceJob, clear func()) (bool, error) {
	if clear != nil {
		clear()
	}
	job.State = models.StateIdle
	checkRequiredFields(job)
	if err := e.store.Save(job); err != nil {
		return false, fmt.Errorf("persist idle transition: %w", err)
	}
	e.job = nil
	return true, nil
}

func (e *Engine) setCooldown(job *models.RebalanceJob) {
	job.Cooldown = e.clock().Add(e.cfg.Cooldown).UnixMilli()
}

// --- TRIGGERED -------------------------------------------------------------

func (e *Engine) stepTriggered(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	if job.SrcToken.IsBTCLike() {
		return e.stepTriggeredBTCLike(ctx, job)
	}
	return e.stepTriggeredSmartChain(ctx, job)
}

func (e *Engine) stepTriggeredBTCLike(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	if job.SrcToken == models.TokenBTCLN {
		dep, err := e.ex.GetDepositAddress(ctx, job.SrcToken, "", job.AmountOut)
		if err != nil {
			return false, fmt.Errorf("get LN deposit invoice: %w", err)
		}
		if dep.Invoice == "" {
			return false, fmt.Errorf("%w: exchange returned no invoice for LN deposit", config.ErrInvoiceAmountOff)
		}
		if dep.InvoiceAmountSats != nil && dep.InvoiceAmountSats.Cmp(job.AmountOut) != 0 {
			return false, fmt.Errorf("%w: invoice wants %s sats, job requests %s",
				config.ErrInvoiceAmountOff, dep.InvoiceAmountSats, job.AmountOut)
		}

		paymentHash, err := e.ln.DecodePaymentHash(ctx, dep.Invoice)
		if err != nil {
			return false, fmt.Errorf("decode LN invoice: %w", err)
		}

		advanced, err := e.transitionLocked(job, models.StateOutTx, func() {
			job.OutTxs = map[string]models.TxCandidate{paymentHash: {RawTx: dep.Invoice}}
			e.setCooldown(job)
		})
		if err != nil {
			return false, err
		}

		// Hazard window: the job now believes the LN payment is in flight
		// even though Pay has not been called yet. A crash here resumes at
		// OUT_TX, which does not re-pay: a payment the node has no record of
		// reads as missing and the job returns to IDLE (see stepOutTxLN).
		if err := e.ln.Pay(ctx, dep.Invoice); err != nil {
			slog.Error("engine: LN payment failed", "jobId", job.JobID, "error", err)
		}
		return advanced, nil
	}

	// On-chain BTC.
	dep, err := e.ex.GetDepositAddress(ctx, job.SrcToken, "", nil)
	if err != nil {
		return false, fmt.Errorf("get BTC deposit address: %w", err)
	}

	fundRes, err := e.btc.FundPsbt(ctx, FundPsbtRequest{
		Outputs:             []PsbtOutput{{Address: dep.Address, Sats: job.AmountOut.Int64()}},
		MinConfirmations:    1,
		TargetConfirmations: 1,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", config.ErrSigningUnavailable, err)
	}

	rawTx, err := e.btc.SignPsbt(ctx, fundRes.Psbt)
	if err != nil {
		e.unlockAll(ctx, fundRes.Inputs)
		return e.toIdleLocked(job, nil)
	}

	txID, err := btcTxID(rawTx)
	if err != nil {
		e.unlockAll(ctx, fundRes.Inputs)
		return e.toIdleLocked(job, nil)
	}

	advanced, err := e.transitionLocked(job, models.StateOutTx, func() {
		job.OutTxs = map[string]models.TxCandidate{txID: {RawTx: rawTx}}
		e.setCooldown(job)
	})
	if err != nil {
		return false, err
	}

	// Same hazard window as the LN branch: broadcast happens after persist.
	if _, err := e.btc.BroadcastChainTransaction(ctx, rawTx); err != nil {
		slog.Error("engine: BTC broadcast failed; OUT_TX does not re-broadcast, a tx the backend never saw returns the job to IDLE",
			"jobId", job.JobID, "txId", txID, "error", err,
		)
	}
	return advanced, nil
}

func (e *Engine) unlockAll(ctx context.Context, locks []UTXOLock) {
	for _, l := range locks {
		if err := e.btc.UnlockUTXO(ctx, l); err != nil {
			slog.Warn("engine: failed to unlock UTXO", "lockId", l.LockID, "error", err)
		}
	}
}

func (e *Engine) stepTriggeredSmartChain(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	rawTxs, err := e.sc.TxsWithdraw(ctx, job.SrcToken, job.AmountOut, e.sc.GetAddress())
	if err != nil {
		return false, fmt.Errorf("build SC withdraw txs: %w", err)
	}

	_, err = e.sc.SendAndConfirm(ctx, rawTxs, func(txID, rawTx string) {
		if job.State == models.StateTriggered {
			if _, err := e.transitionLocked(job, models.StateSCWithdrawing, func() {
				job.SCWithdrawTxs = map[string]models.TxCandidate{txID: {RawTx: rawTx}}
			}); err != nil {
				slog.Error("engine: failed to persist SC_WITHDRAWING candidate", "error", err)
			}
			return
		}
		e.addCandidateLocked(job, job.SCWithdrawTxs, txID, rawTx)
	})
	if err != nil {
		slog.Error("engine: SC withdraw send failed", "jobId", job.JobID, "error", err)
	}

	return job.State == models.StateSCWithdrawing, nil
}

// addCandidateLocked inserts a replacement transaction into an existing
// candidate map — a replacement tx is added without displacing earlier
// candidates — and persists.
func (e *Engine) addCandidateLocked(job *models.RebalanceJob, m map[string]models.TxCandidate, txID, rawTx string) {
	m[txID] = models.TxCandidate{RawTx: rawTx}
	if err := e.store.Save(job); err != nil {
		slog.Error("engine: failed to persist replacement candidate", "jobId", job.JobID, "error", err)
	}
}

// --- SC_WITHDRAWING / SC_DEPOSITING (shared confirm-loop) -------------------

// stepSCPoll implements the confirm-loop shared by SC_WITHDRAWING and
// SC_DEPOSITING: poll every candidate's raw tx status; the first success
// wins; if every candidate is not_found|reverted and none is pending, the
// leg has failed. onFail, when non-nil, schedules a RETRYING bounce
// instead of the pre-movement IDLE abort (SC_DEPOSITING's funds have
// already left the CEX, so it cannot simply dead-end).
func (e *Engine) stepSCPoll(
	ctx context.Context,
	job *models.RebalanceJob,
	candidates map[string]models.TxCandidate,
	successState models.RebalanceState,
	onSuccess func(txID string),
	onFail func(),
) (bool, error) {
	successTxID, allDead, err := e.pollCandidates(ctx, candidates)
	if err != nil {
		return false, err
	}

	if successTxID != "" {
		return e.transitionLocked(job, successState, func() { onSuccess(successTxID) })
	}

	if allDead {
		if onFail != nil {
			return onFail2(e, job, onFail)
		}
		return e.toIdleLocked(job, func() {
			job.SCWithdrawTxs = nil
		})
	}

	return false, nil
}

// onFail2 adapts the engine's (bool, error)-returning retry helper to the
// void onFail callback signature stepSCPoll's caller supplies.
func onFail2(e *Engine, job *models.RebalanceJob, onFail func()) (bool, error) {
	onFail()
	return job.State == models.StateRetrying, nil
}

func (e *Engine) pollCandidates(ctx context.Context, candidates map[string]models.TxCandidate) (successTxID string, allDead bool, err error) {
	if len(candidates) == 0 {
		return "", false, fmt.Errorf("poll candidates: empty candidate set")
	}

	allDead = true
	for txID, cand := range candidates {
		status, statusErr := e.sc.GetTxStatus(ctx, cand.RawTx)
		if statusErr != nil {
			slog.Warn("engine: candidate status check failed", "txId", txID, "error", statusErr)
			allDead = false
			continue
		}
		switch status {
		case TxSuccess:
			return txID, false, nil
		case TxPending:
			allDead = false
		case TxNotFound, TxReverted:
			// dead, keep scanning
		}
	}
	return "", allDead, nil
}

func (e *Engine) stepSCWithdrawalConfirmed(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	dep, err := e.ex.GetDepositAddress(ctx, job.SrcToken, e.cfg.ExchangeChainName, nil)
	if err != nil {
		return false, fmt.Errorf("get SC deposit address: %w", err)
	}

	rawTxs, err := e.sc.TxsTransfer(ctx, job.SrcToken, job.AmountOut, dep.Address)
	if err != nil {
		return false, fmt.Errorf("build SC transfer txs: %w", err)
	}

	_, err = e.sc.SendAndConfirm(ctx, rawTxs, func(txID, rawTx string) {
		if job.State == models.StateSCWithdrawalConfirmed {
			if _, terr := e.transitionLocked(job, models.StateOutTx, func() {
				job.OutTxs = map[string]models.TxCandidate{txID: {RawTx: rawTx}}
				e.setCooldown(job)
			}); terr != nil {
				slog.Error("engine: failed to persist OUT_TX candidate", "error", terr)
			}
			return
		}
		e.addCandidateLocked(job, job.OutTxs, txID, rawTx)
	})
	if err != nil {
		slog.Error("engine: SC transfer send failed", "jobId", job.JobID, "error", err)
	}

	return job.State == models.StateOutTx, nil
}

// --- OUT_TX ------------------------------------------------------------

func (e *Engine) stepOutTx(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	switch {
	case job.SrcToken == models.TokenBTC:
		return e.stepOutTxBTC(ctx, job)
	case job.SrcToken == models.TokenBTCLN:
		return e.stepOutTxLN(ctx, job)
	default:
		return e.stepOutTxSC(ctx, job)
	}
}

func (e *Engine) outTxID(job *models.RebalanceJob) string {
	for id := range job.OutTxs {
		return id
	}
	return ""
}

func (e *Engine) stepOutTxBTC(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	txID := e.outTxID(job)
	txInfo, err := e.btc.GetTransaction(ctx, txID)
	if err != nil {
		return false, fmt.Errorf("lookup BTC out-tx: %w", err)
	}
	if txInfo == nil {
		return e.toIdleLocked(job, nil)
	}
	if txInfo.Confirmations >= 1 {
		return e.transitionLocked(job, models.StateOutTxConfirmed, func() { job.OutTxID = txID })
	}
	return false, nil
}

func (e *Engine) stepOutTxLN(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	txID := e.outTxID(job)
	payment, err := e.ln.GetPayment(ctx, txID)
	if err != nil {
		return false, fmt.Errorf("lookup LN out-payment: %w", err)
	}
	if payment == nil || payment.IsFailed {
		return e.toIdleLocked(job, nil)
	}
	if payment.IsConfirmed {
		return e.transitionLocked(job, models.StateOutTxConfirmed, func() { job.OutTxID = txID })
	}
	return false, nil
}

func (e *Engine) stepOutTxSC(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	successTxID, allDead, err := e.pollCandidates(ctx, job.OutTxs)
	if err != nil {
		return false, err
	}
	if successTxID != "" {
		return e.transitionLocked(job, models.StateOutTxConfirmed, func() { job.OutTxID = successTxID })
	}
	if allDead {
		return e.scheduleRetryLocked(job, models.StateSCWithdrawalConfirmed)
	}
	return false, nil
}

// --- OUT_TX_CONFIRMED ----------------------------------------------------

func (e *Engine) stepOutTxConfirmed(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	dep, err := e.ex.GetDeposit(ctx, job.OutTxID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get CEX deposit: %w", err)
	}
	if dep == nil || !dep.DepositCredited() {
		return false, nil
	}
	return e.transitionLocked(job, models.StateDepositReceived, func() { job.DepositID = dep.DepositID })
}

// --- DEPOSIT_RECEIVED ----------------------------------------------------

func (e *Engine) stepDepositReceived(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	if _, err := GetTradingPair(job.SrcToken, job.DstToken); err != nil {
		// Venue-logic error: fail the tick outright, job stays parked.
		return false, err
	}

	clientOrderID := newIdempotencyKey()
	advanced, err := e.transitionLocked(job, models.StateTradeExecuting, func() {
		job.ClientOrderID = clientOrderID
		e.setCooldown(job)
	})
	if err != nil {
		return false, err
	}

	if _, err := e.ex.MarketTrade(ctx, job.SrcToken, job.DstToken, job.AmountOut, clientOrderID); err != nil {
		// Swallowed: reconciled next tick by TRADE_EXECUTING polling GetTrade
		// and treating an absent order as not-found.
		slog.Error("engine: market trade submission failed, will reconcile next tick",
			"jobId", job.JobID, "clientOrderId", clientOrderID, "error", err,
		)
	}
	return advanced, nil
}

// --- TRADE_EXECUTING -----------------------------------------------------

func (e *Engine) stepTradeExecuting(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	trade, err := e.ex.GetTrade(ctx, job.SrcToken, job.DstToken, job.ClientOrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.scheduleRetryLocked(job, models.StateDepositReceived)
		}
		return false, fmt.Errorf("get trade: %w", err)
	}

	switch trade.State {
	case TradeCanceled, TradeMMPCanceled:
		return e.scheduleRetryLocked(job, models.StateDepositReceived)
	case TradeFilled:
		amountIn, err := e.ex.GetBalance(ctx, job.DstToken)
		if err != nil {
			return false, fmt.Errorf("get post-fill balance: %w", err)
		}
		return e.transitionLocked(job, models.StateTradeExecuted, func() {
			job.OrderID = trade.OrderID
			job.Price = trade.AveragePrice
			job.AmountIn = amountIn
		})
	default:
		return false, nil
	}
}

// --- TRADE_EXECUTED -------------------------------------------------------

func (e *Engine) stepTradeExecuted(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	clientTransferID := newIdempotencyKey()
	advanced, err := e.transitionLocked(job, models.StateFundsTransfering, func() {
		job.ClientTransferID = clientTransferID
	})
	if err != nil {
		return false, err
	}

	if _, err := e.ex.FundsTransfer(ctx, job.DstToken, "trading", "funding", job.AmountIn, clientTransferID); err != nil {
		slog.Error("engine: funds transfer submission failed, will reconcile next tick",
			"jobId", job.JobID, "clientTransferId", clientTransferID, "error", err,
		)
	}
	return advanced, nil
}

// --- FUNDS_TRANSFERING -----------------------------------------------------

func (e *Engine) stepFundsTransfering(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	rec, err := e.ex.GetFundsTransfer(ctx, job.ClientTransferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.scheduleRetryLocked(job, models.StateTradeExecuted)
		}
		return false, fmt.Errorf("get funds transfer: %w", err)
	}
	switch rec.State {
	case TransferFailed:
		return e.scheduleRetryLocked(job, models.StateTradeExecuted)
	case TransferSuccess:
		return e.transitionLocked(job, models.StateFundsTransfered, func() { job.TransferID = rec.TransferID })
	default:
		return false, nil
	}
}

// --- FUNDS_TRANSFERED ------------------------------------------------------

func (e *Engine) stepFundsTransfered(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	chain := ""
	if !job.DstToken.IsBTCLike() {
		chain = e.cfg.ExchangeChainName
	}

	fee, err := e.ex.GetWithdrawalFee(ctx, job.DstToken, chain, job.AmountIn)
	if err != nil {
		return false, fmt.Errorf("get withdrawal fee: %w", err)
	}

	receivingAddress, err := e.deriveReceivingAddress(ctx, job, fee)
	if err != nil {
		return false, fmt.Errorf("derive receiving address: %w", err)
	}

	withdrawalID := newIdempotencyKey()
	advanced, err := e.transitionLocked(job, models.StateWithdrawing, func() {
		job.ReceivingAddress = receivingAddress
		job.WithdrawalFee = fee
		job.WithdrawalID = withdrawalID
	})
	if err != nil {
		return false, err
	}

	payout := new(big.Int).Sub(job.AmountIn, fee)
	if _, err := e.ex.Withdraw(ctx, job.DstToken, chain, receivingAddress, withdrawalID, fee, payout); err != nil {
		slog.Error("engine: withdrawal submission failed, scheduling retry", "jobId", job.JobID, "error", err)
		if _, rerr := e.scheduleRetryLocked(job, models.StateFundsTransfered); rerr != nil {
			return false, rerr
		}
	}
	return advanced, nil
}

func (e *Engine) deriveReceivingAddress(ctx context.Context, job *models.RebalanceJob, fee *big.Int) (string, error) {
	switch {
	case job.DstToken == models.TokenBTC:
		addrs, err := e.btc.GetChainAddresses(ctx)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("no BTC receiving addresses available")
		}
		return addrs[0], nil
	case job.DstToken == models.TokenBTCLN:
		payout := new(big.Int).Sub(job.AmountIn, fee)
		mtokens := new(big.Int).Mul(payout, big.NewInt(1000))
		inv, err := e.ln.CreateInvoice(ctx, mtokens)
		if err != nil {
			return "", err
		}
		return inv.Request, nil
	default:
		return e.sc.GetAddress(), nil
	}
}

// --- WITHDRAWING -----------------------------------------------------------

func (e *Engine) stepWithdrawing(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	rec, err := e.ex.GetWithdrawal(ctx, job.WithdrawalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return e.scheduleRetryLocked(job, models.StateFundsTransfered)
		}
		return false, fmt.Errorf("get withdrawal: %w", err)
	}
	if rec == nil || rec.State.Terminal() {
		return e.scheduleRetryLocked(job, models.StateFundsTransfered)
	}
	if rec.State == WithdrawalCompleted {
		return e.transitionLocked(job, models.StateWithdrawalSent, func() { job.InTxID = rec.TxID })
	}
	return false, nil
}

// --- WITHDRAWAL_SENT ---------------------------------------------------

func (e *Engine) stepWithdrawalSent(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	switch job.DstToken {
	case models.TokenBTC:
		txInfo, err := e.btc.GetTransaction(ctx, job.InTxID)
		if err != nil {
			return false, fmt.Errorf("lookup BTC in-tx: %w", err)
		}
		if txInfo == nil {
			return e.scheduleRetryLocked(job, models.StateWithdrawing)
		}
		if txInfo.Confirmations >= 1 {
			return e.transitionLocked(job, models.StateInTxConfirmed, nil)
		}
		return false, nil
	case models.TokenBTCLN:
		inv, err := e.ln.GetInvoice(ctx, job.InTxID)
		if err != nil {
			return false, fmt.Errorf("lookup LN in-invoice: %w", err)
		}
		if inv.IsCanceled {
			return e.scheduleRetryLocked(job, models.StateWithdrawing)
		}
		if inv.IsConfirmed {
			return e.transitionLocked(job, models.StateInTxConfirmed, nil)
		}
		return false, nil
	default:
		status, err := e.sc.GetTxIDStatus(ctx, job.InTxID)
		if err != nil {
			return false, fmt.Errorf("get SC in-tx status: %w", err)
		}
		switch status {
		case TxSuccess:
			return e.transitionLocked(job, models.StateInTxConfirmed, nil)
		case TxReverted:
			return e.scheduleRetryLocked(job, models.StateWithdrawing)
		default:
			return false, nil
		}
	}
}

// --- IN_TX_CONFIRMED -----------------------------------------------------

func (e *Engine) stepInTxConfirmed(ctx context.Context, job *models.RebalanceJob) (bool, error) {
	if job.DstToken.IsBTCLike() {
		return e.transitionLocked(job, models.StateFinished, nil)
	}

	payout := new(big.Int).Sub(job.AmountIn, job.WithdrawalFee)
	rawTxs, err := e.sc.TxsDeposit(ctx, job.DstToken, payout, e.sc.GetAddress())
	if err != nil {
		return false, fmt.Errorf("build SC deposit txs: %w", err)
	}

	_, err = e.sc.SendAndConfirm(ctx, rawTxs, func(txID, rawTx string) {
		if job.State == models.StateInTxConfirmed {
			if _, terr := e.transitionLocked(job, models.StateSCDepositing, func() {
				job.SCDepositTxs = map[string]models.TxCandidate{txID: {RawTx: rawTx}}
			}); terr != nil {
				slog.Error("engine: failed to persist SC_DEPOSITING candidate", "error", terr)
			}
			return
		}
		e.addCandidateLocked(job, job.SCDepositTxs, txID, rawTx)
	})
	if err != nil {
		slog.Error("engine: SC deposit send failed", "jobId", job.JobID, "error", err)
	}

	return job.State == models.StateSCDepositing, nil
}

// --- FINISHED / RETRYING -------------------------------------------------

func (e *Engine) stepFinished(job *models.RebalanceJob) (bool, error) {
	if err := e.store.Archive(job); err != nil {
		return false, fmt.Errorf("archive finished job: %w", err)
	}
	e.job = nil
	return false, nil
}

func (e *Engine) stepRetrying(job *models.RebalanceJob) (bool, error) {
	if e.clock().UnixMilli() < job.RetryAt {
		return false, nil
	}
	return e.transitionLocked(job, job.RetryState, nil)
}

// handleTxReplace is the callback registered with SwapContract: when a
// candidate transaction the current job is tracking gets replaced, insert
// the new candidate and extend the cooldown by 5s so the confirmation scan
// has time to settle before the next poll.
func (e *Engine) handleTxReplace(oldRawTx, oldTxID, newRawTx, newTxID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.job
	if job == nil {
		return
	}

	var target map[string]models.TxCandidate
	switch {
	case job.SCWithdrawTxs[oldTxID].RawTx != "":
		target = job.SCWithdrawTxs
	case job.OutTxs[oldTxID].RawTx != "":
		target = job.OutTxs
	case job.SCDepositTxs[oldTxID].RawTx != "":
		target = job.SCDepositTxs
	default:
		return
	}

	target[newTxID] = models.TxCandidate{RawTx: newRawTx}
	job.Cooldown = e.clock().Add(5 * time.Second).UnixMilli()
	if err := e.store.Save(job); err != nil {
		slog.Error("engine: failed to persist tx replacement", "jobId", job.JobID, "error", err)
	}
}

// btcTxID computes the txid of a signed raw Bitcoin transaction without
// broadcasting it, so the engine can persist the out-tx candidate before
// the broadcast call itself — the same hazard window handleTxReplace and
// the LN persist-before-pay path guard against.
func btcTxID(rawTxHex string) (string, error) {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", fmt.Errorf("decode raw tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("deserialize raw tx: %w", err)
	}
	return tx.TxHash().String(), nil
}
