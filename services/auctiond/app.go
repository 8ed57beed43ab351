package auctiond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"songcoin/auction"
	"songcoin/auction/bidding"
	"songcoin/auction/cache"
	"songcoin/auction/lifecycle"
	"songcoin/auction/refunds"
	"songcoin/config"
	"songcoin/gateway/middleware"
	"songcoin/gateway/routes"
	"songcoin/observability"
	"songcoin/storage/journal"
)

// app is the wired daemon: one cache shared by every workflow and the API.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	cache      *cache.Cache
	reconciler *journal.Reconciler
	handler    http.Handler
}

type deps struct {
	reader   auction.ContractReader
	writer   auction.ContractWriter
	checker  journal.Checker
	store    *journal.Store
	decimals uint8
	metrics  *observability.AuctionMetrics
}

func newApp(cfg *config.Config, d deps, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := auction.NewEmbedPolicy(cfg.Embed.Patterns)
	if err != nil {
		return nil, fmt.Errorf("embed policy: %w", err)
	}

	cacheOpts := []cache.Option{
		cache.WithPollInterval(cfg.Cache.PollInterval.Duration),
		cache.WithFetchTimeout(cfg.Cache.FetchTimeout.Duration),
		cache.WithMetrics(d.metrics),
		cache.WithLogger(logger.With("component", "cache")),
	}
	var account *common.Address
	if d.writer != nil {
		addr := d.writer.Account()
		account = &addr
		if cfg.API.JWTSecret == "" {
			logger.Warn("write routes are unauthenticated; only same-origin and configured CORS origins can reach them",
				"listen", cfg.API.ListenAddress)
		}
		cacheOpts = append(cacheOpts, cache.WithAccount(addr))
	}
	state := cache.New(d.reader, cacheOpts...)

	// A nil *journal.Store must not become a non-nil Recorder interface.
	var recorder bidding.Recorder
	if d.store != nil {
		recorder = d.store
	}
	wait := cfg.Wallet.WaitTimeout.Duration

	refundFlow, err := refunds.New(d.reader, d.writer,
		refunds.WithWindow(cfg.Refunds.ScanWindow),
		refunds.WithCacheSize(cfg.Refunds.CacheSize),
		refunds.WithRefresher(state),
		refunds.WithRecorder(recorder),
		refunds.WithMetrics(d.metrics),
		refunds.WithLogger(logger.With("component", "refunds")),
		refunds.WithTimeout(wait),
	)
	if err != nil {
		return nil, err
	}

	routeCfg := routes.Config{
		Cache:     state,
		Countdown: lifecycle.NewCountdown(state),
		Refunds:   refundFlow,
		Journal:   d.store,
		Policy:    policy,
		Account:   account,
		Decimals:  d.decimals,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.API.JWTSecret != "",
			HMACSecret: cfg.API.JWTSecret,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.LimitRead:  {RatePerSecond: cfg.API.RateLimitPerSecond, Burst: cfg.API.RateLimitBurst},
			routes.LimitWrite: {RatePerSecond: cfg.API.RateLimitPerSecond, Burst: cfg.API.RateLimitBurst},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "auctiond", LogRequests: true}, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.API.CORSOrigins},
		Logger:        logger.With("component", "api"),
	}
	if d.writer != nil {
		routeCfg.Bidding = bidding.New(d.reader, d.writer, state, policy,
			bidding.WithRecorder(recorder),
			bidding.WithMetrics(d.metrics),
			bidding.WithLogger(logger.With("component", "bidding")),
			bidding.WithAttemptTimeout(wait),
		)
		routeCfg.Rollover = lifecycle.NewRollover(d.writer, state,
			lifecycle.WithRolloverRecorder(recorder),
			lifecycle.WithRolloverMetrics(d.metrics),
			lifecycle.WithRolloverLogger(logger.With("component", "rollover")),
			lifecycle.WithRolloverTimeout(wait),
		)
	}
	handler, err := routes.New(routeCfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, cache: state, handler: handler}
	if d.store != nil && d.checker != nil {
		a.reconciler = journal.NewReconciler(d.store, d.checker,
			journal.WithRefresher(state),
			journal.WithDropAfter(cfg.Journal.DropAfter.Duration),
			journal.WithMetrics(d.metrics),
			journal.WithLogger(logger.With("component", "journal")),
		)
	}
	return a, nil
}

// run serves the API and keeps the background loops alive until ctx ends.
func (a *app) run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.API.ListenAddress,
		Handler:           otelhttp.NewHandler(a.handler, "auctiond"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.cache.Run(gctx)
		return nil
	})
	if a.reconciler != nil {
		g.Go(func() error {
			a.reconciler.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("auctiond listening", "addr", a.cfg.API.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	return g.Wait()
}
