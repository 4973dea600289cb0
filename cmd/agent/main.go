// Package main wires every component of the autonomous spot-trading
// agent together and runs the Agent Loop, the housekeeping scheduler,
// and the runtime-status probe concurrently until an OS signal asks the
// process to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/osiristrader/agent/internal/agent"
	"github.com/osiristrader/agent/internal/config"
	"github.com/osiristrader/agent/internal/database"
	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
	"github.com/osiristrader/agent/internal/execution"
	"github.com/osiristrader/agent/internal/housekeeping"
	"github.com/osiristrader/agent/internal/ledger"
	"github.com/osiristrader/agent/internal/learning"
	"github.com/osiristrader/agent/internal/monitor"
	"github.com/osiristrader/agent/internal/reconcile"
	"github.com/osiristrader/agent/internal/regime"
	"github.com/osiristrader/agent/internal/risk"
	"github.com/osiristrader/agent/internal/scoring"
	"github.com/osiristrader/agent/internal/server"
	"github.com/osiristrader/agent/internal/signals"
	"github.com/osiristrader/agent/internal/snapshot"
	"github.com/osiristrader/agent/internal/state"
	"github.com/osiristrader/agent/internal/universe"
	"github.com/osiristrader/agent/internal/xerrors"
	"github.com/osiristrader/agent/pkg/logger"

	"github.com/rs/zerolog"
)

// primaryTimeframe is the candle interval the technical fetcher and the
// agent loop's scan phase key off; not yet exposed as a tunable since
// every other component assumes a single well-known primary timeframe.
const primaryTimeframe = domain.Timeframe5m

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Bool("paper_trading", cfg.PaperTrading).Str("data_dir", cfg.DataDir).Msg("starting agent")

	cacheDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "cache.db"), Profile: database.ProfileCache, Name: "cache"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache database")
	}

	stateDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "state.db"), Profile: database.ProfileStandard, Name: "state"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state database")
	}
	defer stateDB.Close()
	if err := stateDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate state database")
	}

	ledgerDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "ledger.db"), Profile: database.ProfileLedger, Name: "ledger"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ledger database")
	}
	defer ledgerDB.Close()
	if err := ledgerDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate ledger database")
	}

	client := buildExchangeClient(cfg, log)

	uv := universe.New(client, universe.Config{
		QuoteCurrency: cfg.QuoteCurrency,
		IgnoredBases:  cfg.IgnoredBases,
		SnapshotPath:  filepath.Join(cfg.DataDir, "universe.msgpack"),
	}, log)

	detector := regime.New(client, cacheDB.Conn(), cfg.ScanSampleSize, log)

	fetchers := []signals.Fetcher{
		signals.NewTechnicalFetcher(primaryTimeframe),
		signals.NewMultiTimeframeFetcher(),
		signals.NewOnChainFetcher(nil),          // no on-chain provider configured; always neutral
		signals.NewSentimentFetcher(nil, log),   // no sentiment providers configured; always neutral
		signals.NewCrossExchangeFetcher(nil, log), // single-venue deployment; always neutral
	}

	stateStore, err := state.New(filepath.Join(cfg.DataDir, "state.msgpack"), stateDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct state store")
	}

	ledgerStore, err := ledger.New(filepath.Join(cfg.DataDir, "ledger.jsonl"), ledgerDB.Conn(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct ledger")
	}

	learningMemory, err := learning.New(filepath.Join(cfg.DataDir, "learning.msgpack"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct learning memory")
	}

	scorer := scoring.New(fetchers, learningMemory, log)

	sizer := risk.New(risk.Config{
		MinCapitalPerTrade: cfg.MinCapitalPerTrade,
		MaxCapitalPerTrade: cfg.MaxCapitalPerTrade,
		MinStopLossPct:     cfg.MinStopLossPct,
		MaxStopLossPct:     cfg.StopLossPct,
		MinProfitBuffer:    cfg.MinProfitBuffer,
		FeeRate:            cfg.FeeRate,
	})

	engine := execution.New(client, stateStore, 2*time.Minute, log)

	reconciler := reconcile.New(client, stateStore, ledgerStore, uv, cfg.QuoteCurrency, log)

	agentLoop := agent.New(agent.Config{
		QuoteCurrency:         cfg.QuoteCurrency,
		MaxTotalPositions:     cfg.MaxTotalPositions,
		DailyLossLimit:        cfg.DailyLossLimit,
		ConsecutiveLossLimit:  cfg.ConsecutiveLossLimit,
		FeeRate:               cfg.FeeRate,
		NominalCycle:          time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		MinCycle:              time.Duration(cfg.MinCycleSeconds) * time.Second,
		MaxCycle:              time.Duration(cfg.MaxCycleSeconds) * time.Second,
		PhaseBudget:           time.Duration(cfg.PhaseBudgetSeconds) * time.Second,
		ScanWorkerPoolSize:    cfg.ScanWorkerPoolSize,
		ReconcileEveryNCycles: cfg.ReconcileEveryNCycles,
		UniverseRefreshEvery:  360, // roughly daily at a 10s nominal cycle
		PrimaryTimeframe:      primaryTimeframe,
		ScanTimeframes:        []domain.Timeframe{domain.Timeframe5m, domain.Timeframe15m, domain.Timeframe1h},
		CandleLookback:        100,
		ATRPeriod:             14,
		RegimeSampleSize:      cfg.ScanSampleSize,
	}, agent.Deps{
		Client:     client,
		Universe:   uv,
		Detector:   detector,
		Fetchers:   fetchers,
		Scorer:     scorer,
		Sizer:      sizer,
		Engine:     engine,
		State:      stateStore,
		Ledger:     ledgerStore,
		Reconciler: reconciler,
		Learning:   learningMemory,
	}, log)

	positionMonitor := monitor.New(client, monitor.Config{
		MinProfitBuffer:    cfg.MinProfitBuffer,
		TrailingActivation: 0.01,
		RecycleMinGainPct:  cfg.Recycle.MinGainPct,
		RecycleMaxGainPct:  cfg.Recycle.MaxGainPct,
		RecycleQualityDrop: cfg.Recycle.QualityDropThreshold,
		DecayTimeout:       2 * time.Hour,
		DecayMaxGainPct:    0.005,
	}, agentLoop.Quality(), log)
	agentLoop.SetMonitor(positionMonitor)

	var backupper housekeeping.Backupper
	if cfg.R2Enabled {
		svc, err := snapshot.New(snapshot.Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
			DataDir:         cfg.DataDir,
			Files:           []string{"state.msgpack", "ledger.jsonl", "learning.msgpack", "universe.msgpack"},
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct snapshot service")
		}
		backupper = svc
	} else {
		log.Info().Msg("R2 backups disabled; housekeeping will skip the nightly backup job")
	}

	hkCfg := housekeeping.DefaultConfig()
	hkCfg.BackupRetention = time.Duration(cfg.R2RetentionDays) * 24 * time.Hour
	dbMaintainer := newDBMaintainer(cacheDB, stateDB, ledgerDB)
	scheduler := housekeeping.New(hkCfg,
		func() {
			stateStore.SetDailyCounters(domain.DailyCounters{Date: time.Now().UTC().Format("2006-01-02")})
		},
		func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		},
		backupper, dbMaintainer, log)

	startupTime := time.Now()
	statusServer := server.New(server.Config{Addr: fmt.Sprintf(":%d", cfg.Port)}, agentLoop, startupTime, log)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := agentLoop.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		var xerr *xerrors.Error
		if errors.As(err, &xerr) && xerr.Kind.Fatal() {
			log.Error().Err(err).Msg("fatal reconciliation failure, exiting for supervisor restart")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("agent loop exited with error")
	}()

	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeping scheduler")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusServer.Start(); err != nil {
			log.Error().Err(err).Msg("runtime-status probe exited with error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, stopping agent")
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("runtime-status probe forced to shutdown")
	}

	wg.Wait()
	log.Info().Msg("agent stopped")
}

// dbMaintainer adapts the three *database.DB handles to
// housekeeping.DBMaintainer without housekeeping importing the database
// package directly.
type dbMaintainer struct {
	dbs []*database.DB
}

func newDBMaintainer(dbs ...*database.DB) *dbMaintainer {
	return &dbMaintainer{dbs: dbs}
}

func (m *dbMaintainer) Maintain(ctx context.Context) []housekeeping.DBMaintenanceResult {
	results := make([]housekeeping.DBMaintenanceResult, 0, len(m.dbs))
	for _, db := range m.dbs {
		stats, err := db.Maintain(ctx)
		if err != nil {
			results = append(results, housekeeping.DBMaintenanceResult{Name: db.Name(), Err: err})
			continue
		}
		results = append(results, housekeeping.DBMaintenanceResult{
			Name:         db.Name(),
			SizeBytes:    stats.SizeBytes,
			WALSizeBytes: stats.WALSizeBytes,
		})
	}
	return results
}

// buildExchangeClient wires the live REST client and, in paper-trading
// mode, wraps it as the price source behind a simulated fill engine so
// the rest of the system never knows the difference (§1, §9).
func buildExchangeClient(cfg *config.Config, log zerolog.Logger) exchange.Client {
	live := exchange.NewRESTClient(cfg.ExchangeBaseURL, cfg.ExchangeAPIKey, cfg.ExchangeSecret, log)
	if !cfg.PaperTrading {
		return live
	}
	return exchange.NewPaperClient(live, map[string]float64{cfg.QuoteCurrency: startingPaperBalance}, log)
}

// startingPaperBalance seeds the simulated quote-currency balance for
// paper trading. Not configurable per §9's non-goal of a full paper-P&L
// reporting surface; it only needs to be large enough that sizing never
// runs out of capital headroom during a test run.
const startingPaperBalance = 10000.0
