// Package cache keeps the latest known auction state read from the chain.
// Reads are coalesced so concurrent refreshes never race on the snapshot.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"songcoin/auction"
	"songcoin/observability"
)

// ErrNotLoaded is returned when the cache has never completed a refresh.
var ErrNotLoaded = errors.New("cache: auction state not loaded")

// Snapshot is an immutable copy of the cached state.
type Snapshot struct {
	Round               *auction.Round  `json:"round,omitempty"`
	LastWinningRound    *auction.Round  `json:"last_winning_round,omitempty"`
	HasLastWinningRound bool            `json:"has_last_winning_round"`
	LatestSongs         []auction.Song  `json:"latest_songs"`
	RoundDuration       uint64          `json:"round_duration"`
	Account             *common.Address `json:"account,omitempty"`
	Allowance           *big.Int        `json:"allowance,omitempty"`
	Balance             *big.Int        `json:"balance,omitempty"`
	FetchedAt           time.Time       `json:"fetched_at"`
	Loading             bool            `json:"loading"`
	Err                 error           `json:"-"`
}

// Ready reports whether a round has been loaded.
func (s Snapshot) Ready() bool { return s.Round != nil }

// Degraded reports a failed load with nothing cached to fall back on.
func (s Snapshot) Degraded() bool { return s.Round == nil && s.Err != nil }

// IsInitial reports whether the current round has not received a bid.
func (s Snapshot) IsInitial() bool { return s.Round != nil && !s.Round.HasBid() }

// Age returns the time since the last successful fetch.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(s.FetchedAt)
}

// HighestBid returns the cached highest bid of the current round.
func (s Snapshot) HighestBid() (*big.Int, error) {
	if s.Round == nil {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, ErrNotLoaded
	}
	return s.Round.Highest(), nil
}

// Cache holds the auction state for every component of the client.
type Cache struct {
	reader       auction.ContractReader
	account      common.Address
	pollInterval time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      *observability.AuctionMetrics
	logger       *slog.Logger

	group singleflight.Group
	// fetchMu serialises fetches so an older read never overwrites a newer
	// one. nextGen is the generation a new caller joins; a fetch claims its
	// generation before its first read.
	fetchMu sync.Mutex
	genMu   sync.Mutex
	nextGen uint64

	mu        sync.RWMutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// Option customises the cache.
type Option func(*Cache)

// WithAccount enables allowance and balance reads for account.
func WithAccount(account common.Address) Option {
	return func(c *Cache) { c.account = account }
}

// WithPollInterval sets the background refresh cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Cache) { c.pollInterval = interval }
}

// WithFetchTimeout bounds a single refresh.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = timeout }
}

// WithClock sets the function used for staleness timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.now = clock }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.AuctionMetrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New constructs an empty cache over reader.
func New(reader auction.ContractReader, opts ...Option) *Cache {
	c := &Cache{
		reader:       reader,
		pollInterval: 12 * time.Second,
		fetchTimeout: 20 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Loading = true
	return c
}

// Snapshot returns the current cached state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe registers fn to be called with every snapshot a refresh stores.
func (c *Cache) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Refresh re-reads every dependent value and returns once all of them have
// completed. The result always comes from reads issued after the call:
// callers that arrive while a fetch is already reading share one follow-up
// fetch instead of joining the stale one.
func (c *Cache) Refresh(ctx context.Context) error {
	c.genMu.Lock()
	gen := c.nextGen
	c.genMu.Unlock()

	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		c.fetchMu.Lock()
		defer c.fetchMu.Unlock()
		c.genMu.Lock()
		if c.nextGen == gen {
			c.nextGen++
		}
		c.genMu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Run refreshes immediately and then on every poll interval until ctx ends.
func (c *Cache) Run(ctx context.Context) {
	interval := c.pollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial auction refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("auction refresh failed", "error", err)
			}
		}
	}
}

var tracer = otel.Tracer("songcoin/auction/cache")

func (c *Cache) fetch(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "auction.cache.refresh")
	defer span.End()
	start := c.now()
	next := Snapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		round, err := c.reader.CurrentRound(gctx)
		if err != nil {
			return &auction.ReadError{Method: "get_current_round", Err: err}
		}
		songs, err := c.reader.LatestSongs(gctx, round.ID)
		if err != nil {
			return &auction.ReadError{Method: "get_latests_bidded_songs", Err: err}
		}
		next.Round = &round
		next.LatestSongs = nonEmptySongs(songs)
		return nil
	})
	g.Go(func() error {
		has, err := c.reader.HasLastWinningRound(gctx)
		if err != nil {
			return &auction.ReadError{Method: "is_there_a_last_winning_round", Err: err}
		}
		next.HasLastWinningRound = has
		if !has {
			return nil
		}
		round, err := c.reader.LastWinningRound(gctx)
		if err != nil {
			return &auction.ReadError{Method: "last_winning_round", Err: err}
		}
		next.LastWinningRound = &round
		return nil
	})
	g.Go(func() error {
		duration, err := c.reader.RoundDuration(gctx)
		if err != nil {
			return &auction.ReadError{Method: "get_round_duration", Err: err}
		}
		next.RoundDuration = duration
		return nil
	})
	if c.account != (common.Address{}) {
		account := c.account
		next.Account = &account
		g.Go(func() error {
			allowance, err := c.reader.Allowance(gctx, account)
			if err != nil {
				return &auction.ReadError{Method: "allowance", Err: err}
			}
			next.Allowance = allowance
			return nil
		})
		g.Go(func() error {
			balance, err := c.reader.Balance(gctx, account)
			if err != nil {
				return &auction.ReadError{Method: "balanceOf", Err: err}
			}
			next.Balance = balance
			return nil
		})
	}

	err := g.Wait()
	elapsed := c.now().Sub(start)

	c.mu.Lock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.snap.Err = err
		c.snap.Loading = false
		snap := c.snap
		listeners := append([]func(Snapshot){}, c.listeners...)
		c.mu.Unlock()
		c.metrics.ObserveRefresh("error", elapsed)
		notify(listeners, snap)
		return err
	}
	next.FetchedAt = c.now()
	c.snap = next
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.mu.Unlock()

	c.metrics.ObserveRefresh("ok", elapsed)
	c.metrics.RecordRound(next.Round.ID, next.Round.Highest(), next.Round.EndTime)
	notify(listeners, next)
	return nil
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func nonEmptySongs(songs []auction.Song) []auction.Song {
	out := make([]auction.Song, 0, len(songs))
	for _, song := range songs {
		if song.IsZero() {
			continue
		}
		out = append(out, song)
	}
	return out
}
