package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
	"songcoin/observability"
)

// DefaultDropAfter is how long an entry may stay unmined before the
// reconciler gives up on it.
const DefaultDropAfter = time.Hour

// ErrDropped settles entries whose transaction never reached the chain.
var ErrDropped = errors.New("dropped")

// Checker reports whether a transaction has settled. A settled transaction
// that failed is reported as done with a non-nil error.
type Checker interface {
	Status(ctx context.Context, tx common.Hash) (bool, error)
}

// Reconciler settles journal entries left pending by abandoned waits.
type Reconciler struct {
	store     *Store
	checker   Checker
	refresher auction.Refresher
	metrics   *observability.AuctionMetrics
	logger    *slog.Logger
	interval  time.Duration
	dropAfter time.Duration
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRefresher refreshes the auction cache after any entry settles.
func WithRefresher(r auction.Refresher) ReconcilerOption {
	return func(rc *Reconciler) { rc.refresher = r }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.AuctionMetrics) ReconcilerOption {
	return func(rc *Reconciler) { rc.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(rc *Reconciler) { rc.logger = logger }
}

// WithInterval sets the cadence of Run.
func WithInterval(interval time.Duration) ReconcilerOption {
	return func(rc *Reconciler) { rc.interval = interval }
}

// WithDropAfter sets the age after which an entry without a receipt is
// settled as failed with ErrDropped. Zero or less disables dropping.
func WithDropAfter(d time.Duration) ReconcilerOption {
	return func(rc *Reconciler) { rc.dropAfter = d }
}

// NewReconciler constructs a reconciler over store.
func NewReconciler(store *Store, checker Checker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: store, checker: checker, logger: slog.Default(), interval: time.Minute, dropAfter: DefaultDropAfter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Once checks every pending entry and returns how many were settled.
// Entries whose receipt is still missing stay pending until they are older
// than the drop cutoff, then they fail with ErrDropped.
func (r *Reconciler) Once(ctx context.Context) (int, error) {
	pending, err := r.store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	now := r.store.now()
	settled := 0
	for _, entry := range pending {
		done, cause := r.checker.Status(ctx, entry.TxHash)
		if !done && cause == nil && r.dropAfter > 0 && now.Sub(entry.SubmittedAt) >= r.dropAfter {
			done, cause = true, ErrDropped
		}
		if !done {
			if cause != nil {
				r.logger.Warn("journal reconcile check failed", "tx", entry.TxHash.Hex(), "error", cause)
				r.metrics.RecordReconciled("error")
			} else {
				r.metrics.RecordReconciled("pending")
			}
			continue
		}
		if err := r.store.Settle(ctx, entry.TxHash, cause); err != nil {
			return settled, err
		}
		settled++
		outcome := "confirmed"
		switch {
		case errors.Is(cause, ErrDropped):
			outcome = "dropped"
		case cause != nil:
			outcome = "failed"
		}
		r.metrics.RecordReconciled(outcome)
		r.logger.Info("journal entry reconciled", "tx", entry.TxHash.Hex(), "flow", entry.Flow, "step", string(entry.Step), "outcome", outcome)
	}
	if settled > 0 && r.refresher != nil {
		if err := r.refresher.Refresh(ctx); err != nil {
			r.logger.Warn("refresh after reconcile failed", "error", err)
		}
	}
	return settled, nil
}

// Run reconciles immediately and then on every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := r.Once(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("journal reconcile failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Once(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("journal reconcile failed", "error", err)
			}
		}
	}
}
