// Package routes exposes the auction workflows over HTTP. Write routes start
// an attempt and return 202 with its pending state; clients poll the status
// routes or follow the countdown stream.
package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"songcoin/auction"
	"songcoin/auction/bidding"
	"songcoin/auction/cache"
	"songcoin/auction/lifecycle"
	"songcoin/auction/refunds"
	"songcoin/gateway/middleware"
	"songcoin/storage/journal"
)

// Scopes required on write routes when authentication is enabled.
const (
	ScopeBid      = "bid"
	ScopeRollover = "rollover"
	ScopeClaim    = "claim"
)

// Rate limit groups.
const (
	LimitRead  = "read"
	LimitWrite = "write"
)

// Config wires the API to the auction workflows. Cache and Policy are
// required. A nil Bidding or Rollover makes the matching write routes answer
// 403, which is how the daemon serves read-only mode.
type Config struct {
	Cache     *cache.Cache
	Countdown *lifecycle.Countdown
	Bidding   *bidding.Coordinator
	Rollover  *lifecycle.Rollover
	Refunds   *refunds.Flow
	Journal   *journal.Store
	Policy    *auction.EmbedPolicy
	// Account is the signing account, nil when the daemon runs read-only.
	Account *common.Address
	// Decimals of the token, used to render and parse amounts.
	Decimals uint8

	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

type api struct {
	cfg    Config
	logger *slog.Logger
}

// New builds the HTTP handler. Write routes sit behind the rate limiter, the
// cross-origin guard and, when enabled, JWT scope checks.
func New(cfg Config) (http.Handler, error) {
	if cfg.Cache == nil {
		return nil, errors.New("routes: cache required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("routes: embed policy required")
	}
	if cfg.Countdown == nil {
		cfg.Countdown = lifecycle.NewCountdown(cfg.Cache)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}
	r.Get("/healthz", a.health)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(a.limit(LimitRead))
			read.Get("/round", a.round)
			read.Get("/round/latest-bids", a.latestBids)
			read.Get("/round/countdown", a.countdown)
			read.Get("/account", a.account)
			read.Get("/bids/status", a.bidStatus)
			read.Get("/bids/check", a.bidCheck)
			read.Get("/rounds/next", a.rolloverStatus)
			read.Get("/refunds", a.claimable)
			read.Get("/refunds/{round}", a.refund)
			read.Get("/attempts", a.attempts)
		})
		v1.Group(func(write chi.Router) {
			write.Use(a.limit(LimitWrite), middleware.WriteGuard(cfg.CORS))
			write.With(a.auth(ScopeBid)).Post("/bids", a.placeBid)
			write.With(a.auth(ScopeBid)).Post("/bids/retry", a.retryBid)
			write.With(a.auth(ScopeRollover)).Post("/rounds/next", a.startRound)
			write.With(a.auth(ScopeClaim)).Post("/refunds/{round}/claim", a.claim)
		})
	})
	return r, nil
}

func (a *api) limit(key string) func(http.Handler) http.Handler {
	if a.cfg.RateLimiter == nil {
		return passthrough
	}
	return a.cfg.RateLimiter.Middleware(key)
}

func (a *api) auth(scope string) func(http.Handler) http.Handler {
	if a.cfg.Authenticator == nil {
		return passthrough
	}
	return a.cfg.Authenticator.Middleware(scope)
}

func passthrough(next http.Handler) http.Handler { return next }

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	snap := a.cfg.Cache.Snapshot()
	status := http.StatusOK
	state := "ok"
	switch {
	case snap.Degraded():
		status, state = http.StatusServiceUnavailable, "degraded"
	case !snap.Ready():
		state = "loading"
	}
	writeJSON(w, status, map[string]any{
		"status":     state,
		"read_only":  a.cfg.Account == nil,
		"fetched_at": snap.FetchedAt,
	})
}
