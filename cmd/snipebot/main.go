package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/engine"
	"github.com/betbot/snipe/internal/execution"
	"github.com/betbot/snipe/internal/fairvalue"
	"github.com/betbot/snipe/internal/feed"
	"github.com/betbot/snipe/internal/ledger"
	"github.com/betbot/snipe/internal/market"
	"github.com/betbot/snipe/internal/opsserver"
	"github.com/betbot/snipe/internal/quoting"
	"github.com/betbot/snipe/internal/settlement"
	sigeval "github.com/betbot/snipe/internal/signal"
	"github.com/betbot/snipe/internal/sizing"
	"github.com/betbot/snipe/internal/tradelog"
	"github.com/betbot/snipe/internal/venue"
	"github.com/betbot/snipe/pkg/config"
	"github.com/betbot/snipe/pkg/logger"
	"github.com/betbot/snipe/pkg/shutdown"
)

var log = logrus.WithField("component", "main")

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	journalPath := flag.String("journal", "data/tradelog.db", "path to the trade journal")
	flag.Parse()

	// .env is optional; deployments use real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		OutputFile: cfg.Logging.OutputFile,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *journalPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config, journalPath string) error {
	observe := cfg.Mode == "observe" || cfg.Strategy.ObserveMode

	client, err := venue.NewClient(venue.ClientConfig{
		BaseURL:        cfg.Venue.BaseURL,
		WalletAddress:  cfg.Venue.WalletAddress,
		RequestTimeout: cfg.Venue.RequestTimeout.Duration,
		RateBurst:      cfg.Venue.RateBurst,
		RatePerSecond:  cfg.Venue.RatePerSecond,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The venue balance is the authoritative bankroll seed.
	bal, err := client.GetBalance(ctx)
	if err != nil {
		return err
	}
	led := ledger.New(decimal.NewFromFloat(bal.Available))
	log.Infof("bankroll: %.2f USDC available, %.2f committed", bal.Available, bal.Committed)

	if err := os.MkdirAll("data", 0755); err != nil {
		return err
	}
	journal, err := tradelog.Open(journalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	priceFeed := feed.New(feed.Config{
		URL:           cfg.Feed.URL,
		Instruments:   cfg.Feed.Instruments,
		VolWindow:     cfg.Feed.VolWindow.Duration,
		StaleAfter:    cfg.Feed.StaleAfter.Duration,
		ReconnectWait: cfg.Feed.ReconnectWait.Duration,
		Source:        "ws",
	})

	markets := market.NewManager(client, market.ManagerConfig{
		Timeframe:        cfg.Venue.Timeframe,
		StopBeforeExpiry: cfg.Strategy.StopBeforeExpiry.Duration,
		BookFreshness:    cfg.Strategy.BookFreshness.Duration,
	})

	evaluator := sigeval.NewEvaluator(sigeval.Config{
		MinEdge:          cfg.Strategy.MinEdge,
		StrongEdge:       cfg.Strategy.StrongEdge,
		MinEntryPrice:    cfg.Strategy.MinEntryPrice,
		MaxEntryPrice:    cfg.Strategy.MaxEntryPrice,
		MaxVol:           cfg.Strategy.MaxVol,
		MinMomentum:      cfg.Strategy.MinMomentum,
		MinFairValue:     cfg.Strategy.MinFairValue,
		ConfirmTicks:     cfg.Strategy.ConfirmTicks,
		BlockHours:       cfg.Strategy.BlockHours,
		BlockWeekends:    cfg.Strategy.BlockWeekends,
		SideFilter:       cfg.Strategy.SideFilter,
		MinWindowElapsed: cfg.Strategy.MinWindowElapsed.Duration,
		MaxWindowElapsed: cfg.Strategy.MaxWindowElapsed.Duration,
		Timeframe:        cfg.Venue.Timeframe,
	})

	sizer := sizing.NewSizer(sizing.Config{
		KellyFraction:    cfg.Strategy.KellyFraction,
		KellyStrong:      cfg.Strategy.KellyStrong,
		MaxBetFraction:   cfg.Strategy.MaxBetFraction,
		MaxBetUSDC:       cfg.Strategy.MaxBetUSDC,
		MinOrderTokens:   cfg.Venue.MinOrderTokens,
		MinOrderUSDC:     cfg.Venue.MinOrderUSDC,
		MinSizeMode:      cfg.Strategy.MinSizeMode,
		KellyInstruments: cfg.Strategy.KellyInstruments,
	})

	executor := execution.NewExecutor(client, execution.Config{
		ObserveMode: observe,
	}, func(kind, message string) {
		log.Errorf("ALERT [%s]: %s", kind, message)
	})

	settler := settlement.NewSettler(client, led, markets, journal, settlement.Config{
		PollInterval:       cfg.Settle.PollInterval.Duration,
		RedeemInterval:     cfg.Settle.RedeemInterval.Duration,
		ReconcileInterval:  cfg.Settle.ReconcileInterval.Duration,
		ReconcileTolerance: decimal.NewFromFloat(cfg.Settle.DriftTolerance),
		ObserveMode:        observe,
	})

	quoter := quoting.NewQuoter(client, quoting.Config{
		HalfSpread:       cfg.Quoting.HalfSpread,
		QuoteTokens:      cfg.Quoting.QuoteSize,
		MaxInventory:     cfg.Quoting.MaxInventory,
		RequoteThreshold: cfg.Quoting.RepriceThreshold,
		ExpiryCutoff:     cfg.Quoting.StopBeforeExpiry.Duration,
		ObserveMode:      observe,
	})

	mode := engine.Mode(cfg.Mode)
	eng := engine.New(engine.Config{
		Mode:           mode,
		Instruments:    cfg.Feed.Instruments,
		FixedVol:       cfg.Strategy.FixedVol,
		MomentumLook:   cfg.Strategy.MomentumLookback.Duration,
		FailCooldown:   cfg.Strategy.FailCooldown.Duration,
		MaxLossWindows: cfg.Strategy.MaxLossWindows,
	}, engine.Deps{
		Feed:    priceFeed,
		Markets: markets,
		Pricer:  fairvalue.NewEngine(),
		Eval:    evaluator,
		Sizer:   sizer,
		Exec:    executor,
		Ledger:  led,
		Settler: settler,
		Quoter:  quoter,
		Journal: journal,
	})

	var ops *opsserver.Server
	if cfg.Ops.ListenAddr != "" {
		ops = opsserver.NewServer(opsserver.Config{Addr: cfg.Ops.ListenAddr}, led, journal, eng.Status)
		ops.Start()
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(shutdownCtx context.Context) {
		cancel()
		if ops != nil {
			ops.Stop(shutdownCtx)
		}
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Infof("received %s", s)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		mgr.Shutdown(shutdownCtx)
	}()

	eng.Run(ctx)
	log.Info("bye")
	return nil
}
