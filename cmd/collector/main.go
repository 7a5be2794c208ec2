package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"tastydata/internal/api"
	"tastydata/internal/config"
	"tastydata/internal/database"
	"tastydata/internal/scheduler"
	"tastydata/internal/services"
	"tastydata/internal/tasty"
	"tastydata/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collector failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; deployments usually set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"port":        cfg.Server.Port,
	}).Info("Starting tastydata collector")

	ctx := context.Background()

	provider, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to shut down telemetry")
		}
	}()

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	session, err := tasty.NewSession(&cfg.Tasty)
	if err != nil {
		return fmt.Errorf("failed to create brokerage session: %w", err)
	}

	client := tasty.NewClient(&cfg.Tasty, session)
	factory := tasty.NewDXLinkFactory(client, log)
	store := database.NewMarketDataStore(db.Pool)

	streamingSymbols, err := config.LoadSymbols(cfg.Collection.StreamingSymbolsFile)
	if err != nil {
		return fmt.Errorf("failed to load streaming symbols: %w", err)
	}

	// Candles stream for the index symbols only; the poll worker covers the
	// remaining groups through the REST API.
	subscription := services.NewMarketDataSubscription(
		session, factory, client, store,
		streamingSymbols.Indices, cfg.Tasty.UpdateInterval, log,
	)
	manager := services.NewMarketDataManager(
		session, client,
		config.Duration(cfg.Collection.PollInterval, time.Minute), log,
	)
	watchlists := services.NewWatchlistManager(session, client, log)
	metrics := services.NewEquityMetrics(session, client, store, log)
	notifier := services.NewNotificationService(cfg.Telegram, log)

	opts := services.GatherOptions{
		SymbolsPerBatch:     cfg.Collection.SymbolsPerBatch,
		DelayBetweenCalls:   config.Duration(cfg.Collection.DelayBetweenCalls, 500*time.Millisecond),
		DelayBetweenBatches: config.Duration(cfg.Collection.DelayBetweenBatches, 2*time.Second),
	}
	nightly := scheduler.New(ctx, metrics, nightlySymbolSource(cfg, watchlists, log), opts, notifier, log)
	if err := nightly.RegisterNightlyGather(cfg.Collection.NightlyCron); err != nil {
		return err
	}

	if err := subscription.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start market data subscription: %w", err)
	}
	manager.Start(*streamingSymbols)
	nightly.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Telemetry.Enabled {
		router.Use(otelgin.Middleware(telemetry.ServiceName))
	}
	api.NewHandler(db, session, subscription, manager, nightly, log).Routes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("Status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Status server failed")
		}
	}()

	if err := notifier.NotifyStartup(ctx); err != nil {
		log.WithError(err).Warn("Failed to send startup notification")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("Shutting down")

	if err := subscription.Stop(); err != nil {
		log.WithError(err).Warn("Subscription teardown reported errors")
	}
	manager.Stop()
	nightly.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Status server forced to shut down")
	}

	if err := notifier.NotifyShutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to send shutdown notification")
	}

	log.Info("Shutdown complete")
	return nil
}

// nightlySymbolSource resolves the symbol list for a nightly gather at trigger
// time: the configured equity list merged with the current public watchlists.
// A watchlist failure narrows the run to the configured list instead of
// cancelling it.
func nightlySymbolSource(cfg *config.Config, watchlists *services.WatchlistManager, log *logrus.Logger) scheduler.SymbolSource {
	return func(ctx context.Context) ([]string, error) {
		groups, err := config.LoadSymbols(cfg.Collection.NightlySymbolsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load nightly symbols: %w", err)
		}
		lists := [][]string{groups.Equities}
		watched, err := watchlists.LoadEquitySymbols(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to load watchlist symbols, gathering the configured list only")
		} else {
			lists = append(lists, watched)
		}
		return mergeSymbols(lists...), nil
	}
}

// mergeSymbols deduplicates the concatenation of the given lists and returns
// it sorted.
func mergeSymbols(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, list := range lists {
		for _, symbol := range list {
			if _, ok := seen[symbol]; ok {
				continue
			}
			seen[symbol] = struct{}{}
			merged = append(merged, symbol)
		}
	}
	sort.Strings(merged)
	return merged
}
