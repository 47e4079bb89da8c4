package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/audit"
	"github.com/khill1269/hft-trading-system/internal/config"
	"github.com/khill1269/hft-trading-system/internal/execution"
	"github.com/khill1269/hft-trading-system/internal/latency"
	"github.com/khill1269/hft-trading-system/internal/marketdata"
	"github.com/khill1269/hft-trading-system/internal/optimizer"
	"github.com/khill1269/hft-trading-system/internal/orderflow"
	"github.com/khill1269/hft-trading-system/internal/risk"
	"github.com/khill1269/hft-trading-system/internal/server"
	"github.com/khill1269/hft-trading-system/internal/venue"
	"github.com/khill1269/hft-trading-system/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("trading core exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alerting first; everything else reports through it.
	var sinks []alert.Sink

	journal, err := audit.Open(audit.Config{
		DSN:        cfg.Audit.DSN,
		BufferSize: cfg.Audit.BufferSize,
	}, logger.Component(log, "audit"))
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	defer journal.Close()
	sinks = append(sinks, journal)

	if cfg.Kafka.Enabled {
		ks := alert.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Component(log, "kafka"))
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	alerts := alert.NewManager(alert.DefaultConfig(), logger.Component(log, "alert"), sinks...)

	md := marketdata.NewCache()

	// The escalation hook needs the order flow manager, which does not exist
	// yet; bind through a late-set pointer.
	var flow *orderflow.Manager
	recorder := latency.NewRecorder(latency.Config{
		WindowSize:         cfg.Latency.WindowSize,
		StatsInterval:      cfg.Latency.StatsInterval,
		BaselineMinSamples: cfg.Latency.BaselineMinSamples,
		MeanDeviationMult:  cfg.Latency.MeanDeviationMult,
		P99DeviationMult:   cfg.Latency.P99DeviationMult,
		AlertCeiling:       cfg.Latency.AlertCeiling,
		Thresholds:         latencyThresholds(cfg.Latency.Thresholds),
	}, logger.Component(log, "latency"), alerts, func(degraded bool) {
		if flow != nil {
			flow.SetDegraded(degraded)
		}
	})

	venues := venue.NewRegistry()
	for _, vc := range cfg.Venues {
		adapter := venue.NewSimAdapter(vc.Name)
		venues.Add(venue.New(venue.Config{
			Name:            vc.Name,
			DarkPool:        vc.DarkPool,
			MaxOrdersPerSec: vc.MaxOrdersPerSec,
			BreakerFailures: vc.BreakerFailures,
			BreakerTimeout:  vc.BreakerTimeout,
		}, adapter, logger.Component(log, "venue")))
	}

	engine := execution.NewEngine(execution.Config{
		AckTimeout:      cfg.Execution.AckTimeout,
		FastPathMaxSize: cfg.Execution.FastPathMaxSize,
	}, logger.Component(log, "execution"), venues, alerts, recorder)

	maxVol, _ := cfg.Risk.MaxVolatility.Float64()
	maxCorr, _ := cfg.Risk.MaxCorrelation.Float64()
	riskCfg := risk.DefaultConfig()
	riskCfg.MonitorInterval = cfg.Risk.MonitorInterval
	riskCfg.MarginInterval = cfg.Margin.MonitorInterval
	riskCfg.StaleMetricsMax = cfg.Risk.StaleMetricsMax
	riskCfg.InitialCapital = cfg.Risk.InitialCapital
	riskCfg.MaxPositionSize = cfg.Risk.MaxPositionSize
	riskCfg.MaxNotional = cfg.Risk.MaxNotional
	riskCfg.MaxLeverage = cfg.Risk.MaxLeverage
	riskCfg.MaxVaR = cfg.Risk.MaxVaR
	riskCfg.MaxVolatility = maxVol
	riskCfg.MaxConcentration = cfg.Risk.MaxConcentration
	riskCfg.MaxCorrelation = maxCorr
	riskCfg.MaxDailyTrades = cfg.Risk.MaxDailyTrades
	riskCfg.MaxDailyVolume = cfg.Risk.MaxDailyVolume
	riskCfg.ReturnWindow = cfg.Risk.ReturnWindow
	riskCfg.ReductionFraction = cfg.Risk.ReductionFraction
	riskCfg.InitialMarginRate = cfg.Margin.InitialRate
	riskCfg.MaintenanceMarginRate = cfg.Margin.MaintenanceRate
	riskCfg.MarginMedium = cfg.Margin.MediumUtilization
	riskCfg.MarginHigh = cfg.Margin.HighUtilization
	riskCfg.MarginCritical = cfg.Margin.CriticalThreshold
	riskCfg.MarginTargetCeiling = cfg.Margin.TargetCeiling
	riskMgr := risk.NewManager(riskCfg, logger.Component(log, "risk"), alerts, md)

	opt := optimizer.New(optimizer.Config{
		MinTradeSize:         cfg.Optimizer.MinTradeSize,
		MaxParticipationRate: cfg.Optimizer.MaxParticipationRate,
		PermanentImpactCoeff: cfg.Optimizer.PermanentImpactCoeff,
		TemporaryImpactCoeff: cfg.Optimizer.TemporaryImpactCoeff,
	})

	flow = orderflow.NewManager(orderflow.Config{
		DispatchInterval:    cfg.Dispatch.Interval,
		DefaultVenue:        cfg.Dispatch.DefaultVenue,
		DarkPoolVenue:       cfg.Dispatch.DarkPoolVenue,
		VolatilityThreshold: cfg.Dispatch.VolatilityThreshold,
		SpreadThreshold:     cfg.Dispatch.SpreadThreshold,
		DarkPoolVolumeRatio: cfg.Dispatch.DarkPoolVolumeRatio,
	}, logger.Component(log, "orderflow"), alerts, journal, riskMgr, md, opt, engine, venues, recorder)

	riskMgr.SetOrderSubmitter(flow)
	flow.OnFill(riskMgr.ApplyFill)

	engine.Start(ctx)
	flow.Start(ctx, engine.Fills())
	riskMgr.Start(ctx)
	recorder.Start(ctx)

	srv := server.New(cfg.ServerAddr, logger.Component(log, "http"), flow, riskMgr, alerts, recorder)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	cancel()
	recorder.Stop()
	riskMgr.Stop()
	flow.Stop()
	engine.Stop()
	return nil
}

func latencyThresholds(in map[string]time.Duration) map[latency.Source]time.Duration {
	out := make(map[latency.Source]time.Duration, len(in))
	for k, v := range in {
		out[latency.Source(k)] = v
	}
	return out
}
