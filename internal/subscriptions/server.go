package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/cache"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/dispatch"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/notify"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/reconcile"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/revenuecat"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	notifyTimeout       = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
	limiterSweepPeriod  = 5 * time.Minute
	dispatchWorkers     = 4
	dispatchQueueLength = 256
)

type dispatcher interface {
	engine.Dispatcher
	Run(ctx context.Context) error
}

// App is the assembled service: storage, cache, engine, dispatcher and
// scheduler.
type App struct {
	Config     *Config
	Store      *store.Store
	Cache      cache.Cache
	Engine     *engine.Engine
	Scheduler  *reconcile.Scheduler
	Dispatcher dispatcher

	closers []func() error
}

// NewApp opens every backend named by cfg and wires the pipeline.
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{Config: cfg}

	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		app.Cache = cache.NewRedis(client, cfg.CacheTTL)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Entitlement cache: redis")
	} else {
		app.Cache = cache.NewMemory(cfg.CacheTTL)
		log.Info().Msg("Entitlement cache: in-process (set REDIS_ADDR to share across instances)")
	}

	var notifier engine.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		wn, err := notify.NewWebhookNotifier(cfg.NotifyWebhookURL, notifyTimeout)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("configure notifier: %w", err)
		}
		notifier = wn
		log.Info().Msg("Notifications: webhook")
	} else {
		log.Info().Msg("Notifications: log-only (set ENT_NOTIFY_WEBHOOK_URL to enable)")
	}

	authority := revenuecat.NewClient(revenuecat.ClientConfig{
		BaseURL: cfg.RevenueCatBaseURL,
		APIKey:  cfg.RevenueCatAPIKey,
		Timeout: cfg.AuthorityTimeout,
	})

	eng, err := engine.New(engine.Config{
		Store:         st,
		Authority:     authority,
		Cache:         app.Cache,
		Notifier:      notifier,
		WebhookBudget: cfg.WebhookBudget,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Engine = eng

	if cfg.AMQPURL != "" {
		broker, err := dispatch.NewBroker(cfg.AMQPURL, dispatch.DefaultQueue, eng)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("configure dispatch broker: %w", err)
		}
		app.closers = append(app.closers, broker.Close)
		app.Dispatcher = broker
		log.Info().Str("queue", dispatch.DefaultQueue).Msg("Deferred webhook dispatch: rabbitmq")
	} else {
		app.Dispatcher = dispatch.NewPool(eng, dispatchWorkers, dispatchQueueLength)
		log.Info().Msg("Deferred webhook dispatch: in-process pool (set AMQP_URL for a durable queue)")
	}
	eng.SetDispatcher(app.Dispatcher)

	app.Scheduler = reconcile.New(st, eng, cfg.ReconcileConfig())
	return app, nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run starts the entitlement service HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})
	log.Info().Str("version", version).Msg("Starting entitlement sync service")

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close backends")
		}
	}()

	webhookLimiter := NewRateLimiter(120, time.Minute)
	clientLimiter := NewRateLimiter(600, time.Minute)
	handler := NewHandler(&Deps{
		Config:         cfg,
		Engine:         app.Engine,
		Jobs:           app.Scheduler,
		DB:             app.Store,
		WebhookLimiter: webhookLimiter,
		ClientLimiter:  clientLimiter,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
	if cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 15 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Dispatcher.Run(gctx) })
	g.Go(func() error { return app.Scheduler.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(limiterSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				webhookLimiter.Sweep()
				clientLimiter.Sweep()
			}
		}
	})
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("Entitlement service listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-gctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("Server shutdown error")
		}
	}

	cancel()
	err = g.Wait()
	log.Info().Msg("Entitlement service stopped")
	return err
}
