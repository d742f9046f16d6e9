package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "arbflow/config"
	"arbflow/internal/bus"
	"arbflow/internal/clock"
	"arbflow/internal/detector"
	"arbflow/internal/feed"
	binancefeed "arbflow/internal/feed/binance"
	bybitfeed "arbflow/internal/feed/bybit"
	kucoinfeed "arbflow/internal/feed/kucoin"
	okxfeed "arbflow/internal/feed/okx"
	"arbflow/internal/index"
	"arbflow/internal/market"
	"arbflow/internal/pricer"
	"arbflow/internal/risk"
	"arbflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", appconfig.DefaultConfigPath(), "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Arbflow.Name,
		"version":     cfg.Arbflow.Version,
		"environment": appconfig.AppEnvironment(),
	}).Info("starting arbflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, time.Duration(cfg.Metrics.ReportSecs)*time.Second)
	}

	idx := index.New()
	clk := clock.NewSystem()
	pr := pricer.New(idx, clk, pricer.Params{
		RiskFreeRate:    cfg.Pricing.RiskFreeRate,
		StorageCost:     cfg.Pricing.StorageCost,
		FundingInterval: time.Duration(cfg.Pricing.FundingIntervalHours) * time.Hour,
	})

	gate := risk.NewGate(buildLimits(cfg, log))

	opportunityBus := bus.New()
	defer opportunityBus.Close()

	consumer, err := opportunityBus.Register("log", cfg.Policy.MaxOpportunityQueue, bus.DropOldest)
	if err != nil {
		log.WithError(err).Error("failed to register opportunity consumer")
		os.Exit(1)
	}
	go logConsumer(ctx, consumer, log)

	watch := buildWatchList(cfg, log)
	det := detector.New(cfg, idx, pr, gate, opportunityBus, clk, watch, nil)

	dispatcher := feed.NewDispatcher(cfg, idx)
	registerAdapters(cfg, dispatcher, log)

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	for _, w := range watch {
		for _, kind := range w.Instruments {
			if err := dispatcher.SubscribeAllVenues(w.Symbol, kind); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"symbol":     w.Symbol,
					"instrument": kind.String(),
				}).Warn("subscription failed on at least one venue")
			}
		}
	}

	if err := det.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start detector")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping detector")
		det.Stop()
		log.Info("stopping dispatcher")
		dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	stats := det.Stats()
	log.WithFields(logger.Fields{
		"opportunities_detected": stats.OpportunitiesDetected,
		"opportunities_expired":  stats.OpportunitiesExpired,
		"cycles_run":             stats.CyclesRun,
		"cycles_skipped":         stats.CyclesSkipped,
	}).Info("arbflow stopped")
}

// buildWatchList converts the configured watch entries into detector pairs.
func buildWatchList(cfg *appconfig.Config, log *logger.Log) []detector.Watch {
	watch := make([]detector.Watch, 0, len(cfg.Watch))
	for _, w := range cfg.Watch {
		kinds := make([]market.InstrumentKind, 0, len(w.Instruments))
		for _, inst := range w.Instruments {
			kind, err := market.ParseInstrument(inst)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": w.Symbol}).Warn("skipping instrument")
				continue
			}
			kinds = append(kinds, kind)
		}
		if len(kinds) > 0 {
			watch = append(watch, detector.Watch{Symbol: w.Symbol, Instruments: kinds})
		}
	}
	return watch
}

// buildLimits converts policy configuration into gate limits.
func buildLimits(cfg *appconfig.Config, log *logger.Log) risk.Limits {
	perVenue := make(map[market.Venue]float64, len(cfg.Policy.PerVenueExposureLimit))
	for name, limit := range cfg.Policy.PerVenueExposureLimit {
		v, err := market.ParseVenue(name)
		if err != nil {
			log.WithError(err).Warn("skipping venue exposure limit")
			continue
		}
		perVenue[v] = limit
	}
	perSymbol := make(map[market.Symbol]float64, len(cfg.Policy.PerSymbolPositionLimit))
	for sym, limit := range cfg.Policy.PerSymbolPositionLimit {
		perSymbol[sym] = limit
	}
	return risk.Limits{
		MaxExecutionRisk:     cfg.Policy.MaxExecutionRisk,
		MaxFundingRisk:       cfg.Policy.MaxFundingRisk,
		MinLiquidityScore:    cfg.Policy.MinLiquidityScore,
		DefaultPositionLimit: cfg.Policy.DefaultPositionLimit,
		PerSymbolLimit:       perSymbol,
		PerVenueExposure:     perVenue,
		MaxPortfolioExposure: cfg.Policy.MaxPortfolioExposureUSD,
	}
}

// registerAdapters adds one adapter per enabled venue.
func registerAdapters(cfg *appconfig.Config, dispatcher *feed.Dispatcher, log *logger.Log) {
	if cfg.Venues.Binance.Enabled {
		if err := dispatcher.AddAdapter(binancefeed.New(cfg)); err != nil {
			log.WithError(err).Error("failed to add binance adapter")
		}
	}
	if cfg.Venues.Bybit.Enabled {
		if err := dispatcher.AddAdapter(bybitfeed.New(cfg)); err != nil {
			log.WithError(err).Error("failed to add bybit adapter")
		}
	}
	if cfg.Venues.Okx.Enabled {
		if err := dispatcher.AddAdapter(okxfeed.New(cfg)); err != nil {
			log.WithError(err).Error("failed to add okx adapter")
		}
	}
	if cfg.Venues.Kucoin.Enabled {
		if err := dispatcher.AddAdapter(kucoinfeed.New(cfg)); err != nil {
			log.WithError(err).Error("failed to add kucoin adapter")
		}
	}
}

// logConsumer drains the opportunity queue and logs each delivery. Real
// deployments register their own consumers next to it.
func logConsumer(ctx context.Context, c *bus.Consumer, log *logger.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-c.Ch():
			if !ok {
				return
			}
			legs := make([]string, 0, len(o.Legs))
			for _, l := range o.Legs {
				legs = append(legs, l.Side.String()+" "+l.Symbol+"@"+l.Venue.String())
			}
			log.WithComponent("consumer").WithFields(logger.Fields{
				"id":               o.ID,
				"kind":             o.Kind.String(),
				"profit_bps":       o.ProfitBPS,
				"expected_profit":  o.ExpectedProfit,
				"required_capital": o.RequiredCapital,
				"legs":             strings.Join(legs, ", "),
				"ttl_ms":           o.TTL.Milliseconds(),
			}).Info("opportunity received")
		}
	}
}
