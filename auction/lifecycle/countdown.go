package lifecycle

import (
	"context"
	"time"

	"songcoin/auction/cache"
)

// Snapshotter exposes the cached auction state.
type Snapshotter interface {
	Snapshot() cache.Snapshot
}

// Countdown recomputes the round view on a fixed tick.
type Countdown struct {
	source   Snapshotter
	interval time.Duration
	now      func() time.Time
}

// CountdownOption customises a Countdown.
type CountdownOption func(*Countdown)

// WithTick overrides the one second recompute interval.
func WithTick(interval time.Duration) CountdownOption {
	return func(c *Countdown) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithCountdownClock sets the time source.
func WithCountdownClock(clock func() time.Time) CountdownOption {
	return func(c *Countdown) { c.now = clock }
}

// NewCountdown constructs a countdown over source.
func NewCountdown(source Snapshotter, opts ...CountdownOption) *Countdown {
	c := &Countdown{source: source, interval: time.Second, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// View derives the current view, or cache.ErrNotLoaded before the first
// successful refresh.
func (c *Countdown) View() (View, error) {
	snap := c.source.Snapshot()
	if snap.Round == nil {
		if snap.Err != nil {
			return View{}, snap.Err
		}
		return View{}, cache.ErrNotLoaded
	}
	return Derive(*snap.Round, c.now()), nil
}

// Run calls fn with a fresh view on every tick until ctx ends. Ticks where
// the cache is not loaded yet are skipped.
func (c *Countdown) Run(ctx context.Context, fn func(View)) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if view, err := c.View(); err == nil {
			fn(view)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
