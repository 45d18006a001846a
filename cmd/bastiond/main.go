package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/config"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/events"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/core/state"
	bastioncrypto "github.com/Bastion-Protocol/domainfi-bastion-sub000/crypto"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	nativecommon "github.com/Bastion-Protocol/domainfi-bastion-sub000/native/common"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/liquidation"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/mirror"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/logging"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/otel"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/oracle"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/relayer"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/rpc"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/storage"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("bastiond", cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bastiond exited", "err", err)
		os.Exit(1)
	}
	logger.Info("bastiond stopped")
}

// moduleAddress derives the deterministic custody account holding pooled
// BAS liquidity.
func moduleAddress() bastioncrypto.Address {
	digest := ethcrypto.Keccak256([]byte("bastion/lending/pool"))
	return bastioncrypto.MustNewAddress(bastioncrypto.BastionPrefix, digest[12:])
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if telemetry := cfg.OtelConfig(); telemetry.Enabled() {
		shutdown, err := otel.Init(ctx, "bastiond", cfg.Environment, telemetry)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	st := state.NewManager(db)
	locks := nativecommon.NewKeyedMutex()
	pauses := nativecommon.NewPauseSet(cfg.PausedModules...)
	emitter := events.LogEmitter{Logger: logger}

	registry := mirror.NewRegistry(st)
	registry.SetEmitter(emitter)
	registry.SetPauses(pauses)

	oracleCfg, err := oracle.LoadConfig(cfg.OracleConfigFile)
	if err != nil {
		return fmt.Errorf("load oracle config: %w", err)
	}
	prices, err := oracleCfg.Build(oracle.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build oracle: %w", err)
	}

	collateralMgr, err := collateral.NewManager(st, registry, prices, cfg.RiskParameters(), locks)
	if err != nil {
		return fmt.Errorf("build collateral manager: %w", err)
	}
	collateralMgr.SetEmitter(emitter)
	collateralMgr.SetPauses(pauses)

	lendingEng := lending.NewEngine(st, cfg.InterestModel(), moduleAddress(), locks)
	lendingEng.SetCollateral(collateralMgr)
	lendingEng.SetEmitter(emitter)
	lendingEng.SetPauses(pauses)
	collateralMgr.SetDebtSource(lendingEng)

	if err := seedReserveFactor(st, cfg.Interest.ReserveFactorBps); err != nil {
		return fmt.Errorf("seed reserve factor: %w", err)
	}

	liquidationEng, err := liquidation.NewEngine(collateralMgr, lendingEng, cfg.LiquidationParams(), locks)
	if err != nil {
		return fmt.Errorf("build liquidation engine: %w", err)
	}
	liquidationEng.SetEmitter(emitter)
	liquidationEng.SetPauses(pauses)

	journal, err := relayer.OpenJournal(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open relay journal: %w", err)
	}
	defer journal.Close()

	relay := relayer.NewRelayer(registry, journal, cfg.RetryPolicy(),
		relayer.WithLogger(logger), relayer.WithEmitter(emitter))
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("start relayer: %w", err)
	}
	defer relay.Wait()

	go func() {
		if err := prices.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("oracle refresh loop stopped", "err", err)
		}
	}()

	if rpcURL := strings.TrimSpace(cfg.Origin.RPCURL); rpcURL != "" {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return fmt.Errorf("dial origin chain: %w", err)
		}
		defer client.Close()
		watcher, err := relayer.NewWatcher(client, relay, st, cfg.WatcherConfig(), logger)
		if err != nil {
			return fmt.Errorf("build origin watcher: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("origin watcher stopped", "err", err)
			}
		}()
		logger.Info("origin watcher started",
			"contract", cfg.Origin.CustodyContract,
			"confirmations", cfg.Origin.Confirmations)
	} else {
		logger.Info("origin watcher disabled, no RPC URL configured")
	}

	secret, err := cfg.ResolveAuthSecret()
	if err != nil {
		return err
	}
	if secret == "" {
		logger.Warn("rpc authentication disabled, no shared secret configured")
	}
	server := rpc.NewServer(rpc.Deps{
		Lending:      lendingEng,
		Collateral:   collateralMgr,
		Liquidations: liquidationEng,
		Mirrors:      registry,
		Relay:        relay,
		Pauses:       pauses,
	}, rpc.NewAuthenticator(secret, nil),
		rpc.NewRateLimiter(cfg.Security.RatePerSecond, cfg.Security.RateBurst),
		logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", "err", err)
	}
	return nil
}

// seedReserveFactor writes the configured reserve split onto the persisted
// pool. Existing values are overwritten so config stays authoritative.
func seedReserveFactor(st *state.Manager, bps uint64) error {
	pool, err := st.LendingPool()
	if err != nil {
		return err
	}
	if pool == nil {
		pool = &lending.Pool{}
		pool.Normalize()
	}
	pool.ReserveFactorBps = bps
	return st.PutLendingPool(pool)
}
