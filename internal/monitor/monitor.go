// Package monitor implements BalanceMonitor, the periodic inventory-
// imbalance check that seeds a fresh rebalance job.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/models"
)

// ppmBase is the parts-per-million denominator shared by ppm shares and the
// configured threshold/amount parameters.
var ppmBase = big.NewInt(1_000_000)

// rebalanceToken is the single smart-chain token BalanceMonitor compares
// against on-chain BTC. The data model supports several smart-chain tokens
// (USDT, ETH, SOL), but the inventory check itself targets one designated
// counterpart, matching the algorithm's literal "usableBalanceSC :=
// SwapContract.getBalance(USDC)" step.
const rebalanceToken = models.TokenUSDC

// Config is the monitor's tuning, loaded from the controller config.
type Config struct {
	Interval              time.Duration
	RebalanceThresholdPPM int64
	RebalanceAmountPPM    int64
}

// Monitor is the BalanceMonitor: a ticker that, while no job is in flight,
// computes the BTC-vs-smart-chain inventory split and seeds a new job on
// the engine when it drifts past the configured threshold.
type Monitor struct {
	sc       engine.SwapContract
	btc      engine.BitcoinBackend
	ln       engine.LightningBackend
	oracle   engine.InventoryOracle
	snapshot engine.SwapSnapshot
	eng      *engine.Engine
	cfg      Config
}

// New constructs a Monitor. eng must already be loaded (engine.LoadOrInit)
// before Start is called.
func New(sc engine.SwapContract, btc engine.BitcoinBackend, ln engine.LightningBackend, oracle engine.InventoryOracle, snapshot engine.SwapSnapshot, eng *engine.Engine, cfg Config) *Monitor {
	return &Monitor{sc: sc, btc: btc, ln: ln, oracle: oracle, snapshot: snapshot, eng: eng, cfg: cfg}
}

// Start runs Tick on cfg.Interval until ctx is canceled, using the standard
// time.NewTicker + select over ctx.Done()/ticker.C poll-loop shape.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				slog.Error("monitor: tick failed", "error", err)
			}
		}
	}
}

// Tick runs one imbalance check. It is a no-op while a job already occupies
// the single in-flight slot.
func (m *Monitor) Tick(ctx context.Context) error {
	if m.eng.HasActiveJob() {
		return nil
	}

	usableBalanceSC, err := m.sc.GetBalance(ctx, rebalanceToken, true)
	if err != nil {
		return fmt.Errorf("monitor: get usable SC balance: %w", err)
	}
	balanceBTCOnchain, err := m.btc.GetChainBalance(ctx)
	if err != nil {
		return fmt.Errorf("monitor: get BTC chain balance: %w", err)
	}

	// Lightning channel balance is read but intentionally excluded from the
	// comparison (spec's behavior-on-heavy-LN-imbalance is left undefined);
	// logged so the omission is visible rather than silent.
	lnBalance, err := m.ln.GetChannelBalance(ctx)
	if err != nil {
		slog.Warn("monitor: get LN channel balance failed, continuing without it", "error", err)
		lnBalance = big.NewInt(0)
	}
	slog.Debug("monitor: LN channel balance excluded from rebalance comparison", "lnBalanceSats", lnBalance)

	locked, err := m.snapshot.LockedBalance(ctx, rebalanceToken)
	if err != nil {
		return fmt.Errorf("monitor: get locked balance: %w", err)
	}
	returning, err := m.snapshot.ReturningBalance(ctx, rebalanceToken)
	if err != nil {
		return fmt.Errorf("monitor: get returning balance: %w", err)
	}

	balanceSC := new(big.Int).Add(usableBalanceSC, locked)
	balanceSC.Add(balanceSC, returning)

	btcValueOfSC, err := m.oracle.ToBtc(ctx, balanceSC, rebalanceToken)
	if err != nil {
		return fmt.Errorf("monitor: convert SC balance to BTC: %w", err)
	}

	sum := new(big.Int).Add(btcValueOfSC, balanceBTCOnchain)
	if sum.Sign() == 0 {
		slog.Debug("monitor: zero total inventory, nothing to rebalance")
		return nil
	}

	ppmSC := new(big.Int).Mul(btcValueOfSC, ppmBase)
	ppmSC.Div(ppmSC, sum)
	ppmBTC := new(big.Int).Mul(balanceBTCOnchain, ppmBase)
	ppmBTC.Div(ppmBTC, sum)
	diff := new(big.Int).Sub(ppmSC, ppmBTC)

	slog.Debug("monitor: inventory split computed",
		"btcValueOfSC", btcValueOfSC, "balanceBTCOnchain", balanceBTCOnchain,
		"ppmSC", ppmSC, "ppmBTC", ppmBTC, "diffPPM", diff,
	)

	absDiff := new(big.Int).Abs(diff)
	if absDiff.Cmp(big.NewInt(m.cfg.RebalanceThresholdPPM)) <= 0 {
		return nil
	}

	// notional = sum * |diff| * rebalanceAmountPPM / 10^12
	notional := new(big.Int).Mul(sum, absDiff)
	notional.Mul(notional, big.NewInt(m.cfg.RebalanceAmountPPM))
	notional.Div(notional, new(big.Int).Mul(ppmBase, ppmBase))

	spec, err := m.buildJobSpec(ctx, diff.Sign() < 0, notional, usableBalanceSC)
	if err != nil {
		return err
	}
	if spec == nil {
		return nil
	}

	slog.Info("monitor: imbalance exceeded threshold, seeding rebalance job",
		"diffPPM", diff, "thresholdPPM", m.cfg.RebalanceThresholdPPM,
		"srcToken", spec.SrcToken, "dstToken", spec.DstToken, "amountOut", spec.AmountOut,
	)
	return m.eng.SeedJob(ctx, *spec)
}

// buildJobSpec resolves the direction-specific JobSpec: BTC-heavy moves BTC
// into the smart-chain token directly; SC-heavy converts the BTC-denominated
// notional back into the smart-chain token's base units and aborts if it
// exceeds what is actually spendable right now.
func (m *Monitor) buildJobSpec(ctx context.Context, btcHeavy bool, notional, usableBalanceSC *big.Int) (*engine.JobSpec, error) {
	scAddr, err := m.sc.ToTokenAddress(rebalanceToken)
	if err != nil {
		return nil, fmt.Errorf("monitor: resolve %s contract address: %w", rebalanceToken, err)
	}

	if btcHeavy {
		return &engine.JobSpec{
			SrcToken:        models.TokenBTC,
			DstToken:        rebalanceToken,
			DstTokenAddress: scAddr,
			AmountOut:       notional,
		}, nil
	}

	usdcAmount, err := m.oracle.FromBtc(ctx, notional, rebalanceToken, engine.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("monitor: convert notional to %s: %w", rebalanceToken, err)
	}
	if usdcAmount.Cmp(usableBalanceSC) > 0 {
		slog.Debug("monitor: computed amount exceeds usable SC balance, aborting this tick",
			"wanted", usdcAmount, "usable", usableBalanceSC,
		)
		return nil, nil
	}

	return &engine.JobSpec{
		SrcToken:        rebalanceToken,
		SrcTokenAddress: scAddr,
		DstToken:        models.TokenBTC,
		AmountOut:       usdcAmount,
	}, nil
}
