// Package supervisor wires configuration, logging, the state store, every
// adapter, and the engine/monitor background loops into one running
// process: load config, setup logging, open storage, construct services,
// start background loops, wait for a shutdown signal.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantasim/rebalancer/internal/adapters/bitcoinbackend"
	"github.com/Fantasim/rebalancer/internal/adapters/exchange"
	"github.com/Fantasim/rebalancer/internal/adapters/inventory"
	"github.com/Fantasim/rebalancer/internal/adapters/lightning"
	"github.com/Fantasim/rebalancer/internal/adapters/swapcontract"
	"github.com/Fantasim/rebalancer/internal/config"
	"github.com/Fantasim/rebalancer/internal/engine"
	"github.com/Fantasim/rebalancer/internal/logging"
	"github.com/Fantasim/rebalancer/internal/models"
	"github.com/Fantasim/rebalancer/internal/monitor"
	"github.com/Fantasim/rebalancer/internal/price"
	"github.com/Fantasim/rebalancer/internal/state"
	"github.com/Fantasim/rebalancer/internal/tx"
)

// noSwapSnapshot is the stub engine.SwapSnapshot this Supervisor wires in
// since the swap intermediary's own order book is out of scope for this
// process: a real deployment swaps this out for a snapshot backed by its
// own order book. Reporting zero locked/returning balance means the
// BalanceMonitor's imbalance check runs purely off on-chain/CEX-visible
// inventory until a real implementation is wired in.
type noSwapSnapshot struct{}

func (noSwapSnapshot) LockedBalance(context.Context, models.Token) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (noSwapSnapshot) ReturningBalance(context.Context, models.Token) (*big.Int, error) {
	return big.NewInt(0), nil
}

// Supervisor owns every long-lived component's lifecycle: construction,
// the two background loops (engine tick, balance monitor), and shutdown.
type Supervisor struct {
	cfg        *config.Config
	logCloser  func() error
	unlockFunc func() error

	store *state.Store
	eng   *engine.Engine
	mon   *monitor.Monitor
}

// New loads configuration, sets up logging, opens the state store, dials
// every adapter, and constructs the engine and monitor. It does not start
// any background loop; call Run for that.
func New(ctx context.Context) (*Supervisor, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("supervisor: load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: setup logging: %w", err)
	}

	slog.Info("rebalancer starting",
		"network", cfg.Network,
		"stateDir", cfg.StateDir,
		"rebalanceThresholdPpm", cfg.RebalanceThresholdPPM,
		"rebalanceAmountPpm", cfg.RebalanceAmountPPM,
	)

	store, err := state.New(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open state store: %w", err)
	}

	unlock, err := store.Lock()
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("supervisor: acquire state directory lock: %w", err)
	}

	sc, err := swapcontract.New(ctx, cfg)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("supervisor: construct swap contract adapter: %w", err)
	}

	keys := tx.NewKeyService(cfg.BTCMnemonicFile, cfg.Network)
	btc, err := bitcoinbackend.New(cfg, keys)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("supervisor: construct bitcoin backend adapter: %w", err)
	}

	ln, err := lightning.New(cfg)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("supervisor: construct lightning adapter: %w", err)
	}

	ex, err := exchange.New(cfg)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("supervisor: construct exchange adapter: %w", err)
	}

	prices := price.NewPriceService()
	oracle := inventory.New(prices)

	eng := engine.New(store, sc, btc, ln, ex, engine.Config{
		ExchangeChainName: cfg.ExchangeSmartChainName,
		RetryTime:         config.RetryBackoff,
		CheckInterval:     config.CheckInterval,
		Cooldown:          config.DefaultCooldown,
	})

	if err := eng.LoadOrInit(ctx); err != nil {
		unlock()
		logCloser.Close()
		return nil, fmt.Errorf("supervisor: load persisted job: %w", err)
	}

	mon := monitor.New(sc, btc, ln, oracle, noSwapSnapshot{}, eng, monitor.Config{
		Interval:              config.MonitorInterval,
		RebalanceThresholdPPM: cfg.RebalanceThresholdPPM,
		RebalanceAmountPPM:    cfg.RebalanceAmountPPM,
	})

	return &Supervisor{
		cfg:        cfg,
		logCloser:  logCloser.Close,
		unlockFunc: unlock,
		store:      store,
		eng:        eng,
		mon:        mon,
	}, nil
}

// Run starts the engine tick and balance monitor background loops and
// blocks until ctx is canceled or a termination signal arrives, then shuts
// everything down.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go s.eng.Start(ctx)
	go s.mon.Start(ctx)

	slog.Info("rebalancer running",
		"checkInterval", config.CheckInterval,
		"monitorInterval", config.MonitorInterval,
	)

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := s.unlockFunc(); err != nil {
		slog.Warn("supervisor: failed to release state directory lock", "error", err)
	}

	if err := s.logCloser(); err != nil {
		return fmt.Errorf("supervisor: close log files: %w", err)
	}
	return nil
}

// Main is the process entry point cmd/rebalancer/main.go calls: construct
// the Supervisor and run it to completion.
func Main() {
	ctx := context.Background()

	sup, err := New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize rebalancer: %v\n", err)
		os.Exit(1)
	}

	if err := sup.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rebalancer exited with error: %v\n", err)
		os.Exit(1)
	}

	slog.Info("rebalancer stopped")
}
