package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/database"
	"papertrade/internal/feed"
	"papertrade/internal/ledger"
	"papertrade/internal/logger"
	"papertrade/internal/persistence"
	"papertrade/internal/signals"
	"papertrade/internal/snapshot"
	"papertrade/internal/trader"
	"papertrade/internal/webhook"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "could not load .env: %v\n", err)
	}

	// Load application configuration
	loader := config.NewLoader("./configs")
	cfg, err := loader.Load()
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx, loader, cfg, log); err != nil {
		log.Fatal("Simulator stopped with error", zap.Error(err))
	}
	log.Info("Simulator has been shut down.")
}

func run(ctx context.Context, loader *config.Loader, cfg config.Config, log *zap.Logger) error {
	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		return err
	}
	log.Info("Database connection successful and schema migrated.")
	store := persistence.NewStore(db, log.Named("store"))

	// Restore learned state: the snapshot wins, the database is the fallback
	lg := ledger.NewLedger(log.Named("ledger"), cfg.Ledger)
	snaps := snapshot.NewStore(cfg.Snapshot.Path, lg.Policy().BucketWidth, log.Named("snapshot"))
	snap, err := snaps.Load()
	if err != nil {
		log.Warn("Ignoring unreadable snapshot", zap.String("path", snaps.Path()), zap.Error(err))
		snap = snapshot.Snapshot{}
	}
	metrics := snap.Metrics
	if len(metrics) == 0 {
		if metrics, err = store.LoadMetrics(ctx, lg.Policy().BucketWidth); err != nil {
			log.Warn("Could not load metric history from database", zap.Error(err))
		}
	}
	log.Info("Performance ledger restored", zap.Int("buckets", lg.Load(metrics)))

	engineCfg := cfg.Engine
	if snap.Engine != nil {
		engineCfg = *snap.Engine
		log.Info("Engine config restored from snapshot")
	}

	// Price feed
	fd, err := feed.NewFeed(log.Named("feed"), cfg.Feed.Volatility, cfg.Feed.TrendBias)
	if err != nil {
		return err
	}
	if err := fd.Initialize(cfg.Feed.Symbols); err != nil {
		return err
	}

	// Engine with its gateways
	gateways := []trader.Gateway{store}
	if cfg.Webhook.Enabled {
		gateways = append(gateways, webhook.NewClient(&cfg.Webhook, log.Named("webhook")))
		log.Info("Webhook gateway enabled", zap.String("url", cfg.Webhook.URL))
	}
	eng, err := trader.NewEngine(log.Named("engine"), engineCfg,
		trader.WithLearner(lg),
		trader.WithGateway(trader.Fanout(gateways...)),
		trader.WithPrices(fd),
		trader.WithGatewayTimeout(cfg.GatewayTimeout),
	)
	if err != nil {
		return err
	}

	p := newPersister(eng, lg, store, snaps, log.Named("persister"))
	defer lg.Subscribe(p.metricChanged)()
	defer eng.Subscribe(func(trader.Stats) { p.markDirty() })()
	defer fd.Subscribe(func(s feed.Snapshot) { eng.OnTick(s.Prices()) })()

	loader.Watch(func(next config.Config, err error) {
		if err != nil {
			log.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}
		if err := eng.UpdateConfig(next.Engine); err != nil {
			log.Warn("Ignoring invalid engine config", zap.Error(err))
			return
		}
		if err := fd.SetVolatility(next.Feed.Volatility); err != nil {
			log.Warn("Ignoring invalid feed volatility", zap.Error(err))
		}
		fd.SetTrendBias(next.Feed.TrendBias)
		log.Info("Configuration reloaded")
	})

	if err := fd.Start(cfg.Feed.TickInterval); err != nil {
		return err
	}
	defer fd.Stop()

	var src *signals.Source
	if cfg.Signals.Enabled {
		strategy, err := signals.NewStrategy(cfg.Signals, nil)
		if err != nil {
			return err
		}
		src = signals.NewSource(strategy, signals.StrategyContext{
			Logger: log.Named("signals"),
			Prices: fd,
			Now:    time.Now,
		}, eng.Submit)
		if err := src.Start(cfg.Signals.Schedule); err != nil {
			return err
		}
		defer src.Stop()
	}

	api := trader.NewAPIServer(cfg.Server.Port, eng, lg, log)
	api.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Stop(shutdownCtx)
	})
	err = g.Wait()

	// no new ticks or signals from here on
	if src != nil {
		src.Stop()
	}
	fd.Stop()

	// let in-flight gateway writes land before cancelling them
	drained := make(chan struct{})
	go func() {
		eng.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownTimeout):
		log.Warn("Gateway calls still running at shutdown, cancelling")
	}
	eng.Close()
	p.flush(context.Background())
	return err
}
