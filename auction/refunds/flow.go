// Package refunds reads and withdraws the amounts returned to outbid
// bidders, one independent claim per round.
package refunds

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"songcoin/auction"
	"songcoin/auction/txflow"
	"songcoin/observability"
)

const claimFlow = "claim"

// Entry is a pending return read from the contract.
type Entry struct {
	Account   common.Address `json:"account"`
	RoundID   *big.Int       `json:"round_id"`
	Amount    *big.Int       `json:"amount"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// ClaimStatus is the state of the claim action for one round.
type ClaimStatus struct {
	txflow.Status
	RoundID   string `json:"round_id"`
	Remaining string `json:"remaining,omitempty"`
}

// Flow owns the per-round claim state machines and the pending-return cache.
type Flow struct {
	reader    auction.ContractReader
	writer    auction.ContractWriter
	refresher auction.Refresher
	recorder  txflow.Recorder
	metrics   *observability.AuctionMetrics
	logger    *slog.Logger
	now       func() time.Time
	window    uint64
	size      int
	timeout   time.Duration

	amounts *lru.Cache

	mu  sync.Mutex
	ops map[string]*txflow.Operation
}

// Option customises the flow.
type Option func(*Flow)

// WithWindow sets how many rounds before the current one Claimable scans.
func WithWindow(rounds uint64) Option {
	return func(f *Flow) { f.window = rounds }
}

// WithCacheSize bounds the number of cached (account, round) amounts.
func WithCacheSize(size int) Option {
	return func(f *Flow) { f.size = size }
}

// WithRefresher refreshes the auction cache after each claim so balances
// follow the withdrawal.
func WithRefresher(r auction.Refresher) Option {
	return func(f *Flow) { f.refresher = r }
}

// WithRecorder journals withdraw transactions.
func WithRecorder(r txflow.Recorder) Option {
	return func(f *Flow) { f.recorder = r }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.AuctionMetrics) Option {
	return func(f *Flow) { f.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(f *Flow) { f.now = clock }
}

// WithTimeout bounds a background claim.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Flow) { f.timeout = timeout }
}

// New constructs a claim flow. writer may be nil for a read-only client.
func New(reader auction.ContractReader, writer auction.ContractWriter, opts ...Option) (*Flow, error) {
	f := &Flow{
		reader:  reader,
		writer:  writer,
		logger:  slog.Default(),
		now:     time.Now,
		window:  10,
		size:    256,
		timeout: 10 * time.Minute,
		ops:     make(map[string]*txflow.Operation),
	}
	for _, opt := range opts {
		opt(f)
	}
	cache, err := lru.New(f.size)
	if err != nil {
		return nil, fmt.Errorf("refunds: pending cache: %w", err)
	}
	f.amounts = cache
	return f, nil
}

func cacheKey(account common.Address, roundID *big.Int) string {
	return account.Hex() + "/" + roundID.String()
}

// Cached returns the last amount read for (account, roundID).
func (f *Flow) Cached(account common.Address, roundID *big.Int) (Entry, bool) {
	v, ok := f.amounts.Get(cacheKey(account, roundID))
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Pending reads the amount refundable to account for roundID. Round ids
// above the current round are rejected.
func (f *Flow) Pending(ctx context.Context, account common.Address, roundID *big.Int) (Entry, error) {
	if err := f.checkRound(ctx, roundID); err != nil {
		return Entry{}, err
	}
	return f.read(ctx, account, roundID)
}

func (f *Flow) read(ctx context.Context, account common.Address, roundID *big.Int) (Entry, error) {
	amount, err := f.reader.PendingReturns(ctx, account, roundID)
	if err != nil {
		return Entry{}, &auction.ReadError{Method: "pending_returns", Err: err}
	}
	entry := Entry{
		Account:   account,
		RoundID:   new(big.Int).Set(roundID),
		Amount:    amount,
		FetchedAt: f.now(),
	}
	f.amounts.Add(cacheKey(account, roundID), entry)
	return entry, nil
}

func (f *Flow) checkRound(ctx context.Context, roundID *big.Int) error {
	if roundID == nil || roundID.Sign() < 0 {
		return &auction.ValidationError{Field: "round", Message: "round id must be a non-negative integer"}
	}
	current, err := f.reader.CurrentRoundID(ctx)
	if err != nil {
		return &auction.ReadError{Method: "get_current_round_id", Err: err}
	}
	if roundID.Cmp(current) > 0 {
		return fmt.Errorf("%w: round %s is after current round %s", auction.ErrUnknownRound, roundID, current)
	}
	return nil
}

// Claimable lists the rounds in the scan window with a positive amount for
// account, oldest first.
func (f *Flow) Claimable(ctx context.Context, account common.Address) ([]Entry, error) {
	current, err := f.reader.CurrentRoundID(ctx)
	if err != nil {
		return nil, &auction.ReadError{Method: "get_current_round_id", Err: err}
	}
	from := new(big.Int).Sub(current, new(big.Int).SetUint64(f.window))
	if from.Sign() < 0 {
		from.SetInt64(0)
	}

	var (
		mu    sync.Mutex
		found []Entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for id := new(big.Int).Set(from); id.Cmp(current) <= 0; id.Add(id, big.NewInt(1)) {
		roundID := new(big.Int).Set(id)
		g.Go(func() error {
			entry, err := f.read(gctx, account, roundID)
			if err != nil {
				return err
			}
			if entry.Amount.Sign() > 0 {
				mu.Lock()
				found = append(found, entry)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].RoundID.Cmp(found[j].RoundID) < 0 })
	return found, nil
}

// Status reports the claim action for roundID.
func (f *Flow) Status(roundID *big.Int) ClaimStatus {
	status := ClaimStatus{RoundID: roundID.String(), Status: txflow.Status{State: txflow.StateIdle}}
	f.mu.Lock()
	op := f.ops[roundID.String()]
	f.mu.Unlock()
	if op != nil {
		status.Status = op.Status()
	}
	if f.writer != nil {
		if entry, ok := f.Cached(f.writer.Account(), roundID); ok && status.State == txflow.StateSuccess {
			status.Remaining = entry.Amount.String()
		}
	}
	return status
}

// Claim withdraws the signing account's pending return for roundID and
// waits for the remaining amount to be re-read.
func (f *Flow) Claim(ctx context.Context, roundID *big.Int) (ClaimStatus, error) {
	op, err := f.begin(ctx, roundID)
	if err != nil {
		return f.Status(roundID), err
	}
	err = f.execute(ctx, roundID, op)
	return f.Status(roundID), err
}

// StartClaim is Claim without waiting for confirmation.
func (f *Flow) StartClaim(ctx context.Context, roundID *big.Int) error {
	op, err := f.begin(ctx, roundID)
	if err != nil {
		return err
	}
	id := new(big.Int).Set(roundID)
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.execute(runCtx, id, op); err != nil {
			f.logger.Warn("refund claim failed", "round", id.String(), "error", err)
		}
	}()
	return nil
}

func (f *Flow) begin(ctx context.Context, roundID *big.Int) (*txflow.Operation, error) {
	if f.writer == nil {
		return nil, auction.ErrNoAccount
	}
	if err := f.checkRound(ctx, roundID); err != nil {
		return nil, err
	}
	op := f.operation(roundID)
	if op.Status().Pending() {
		return nil, txflow.ErrInFlight
	}
	entry, err := f.read(ctx, f.writer.Account(), roundID)
	if err != nil {
		return nil, err
	}
	if entry.Amount.Sign() == 0 {
		return nil, auction.ErrNothingToClaim
	}
	switch op.Status().State {
	case txflow.StateError:
		err = op.Retry()
	case txflow.StateSuccess:
		op.Reset()
		err = op.Begin()
	default:
		err = op.Begin()
	}
	if err != nil {
		return nil, err
	}
	f.metrics.WorkflowStarted(claimFlow)
	return op, nil
}

func (f *Flow) execute(ctx context.Context, roundID *big.Int, op *txflow.Operation) error {
	hash, err := txflow.Send(ctx, op, txflow.Write{
		Flow:   claimFlow,
		Step:   auction.StepWithdraw,
		Detail: roundID.String(),
		Submit: func(ctx context.Context) (common.Hash, error) {
			return f.writer.Withdraw(ctx, roundID)
		},
		Confirm:  f.writer.Confirm,
		Recorder: f.recorder,
		Metrics:  f.metrics,
		Now:      f.now,
	})

	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, rerr := f.read(readCtx, f.writer.Account(), roundID); rerr != nil {
		f.logger.Warn("re-reading pending return failed", "round", roundID.String(), "error", rerr)
	}
	if f.refresher != nil {
		if rerr := f.refresher.Refresh(readCtx); rerr != nil {
			f.logger.Warn("refresh after claim failed", "error", rerr)
		}
	}

	if err != nil {
		op.Fail(err)
		f.metrics.WorkflowFinished(claimFlow, "error")
		return err
	}
	op.Succeed(hash.Hex())
	f.metrics.WorkflowFinished(claimFlow, "success")
	f.logger.Info("refund claimed", "round", roundID.String(), "tx", hash.Hex())
	return nil
}

func (f *Flow) operation(roundID *big.Int) *txflow.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := roundID.String()
	op, ok := f.ops[key]
	if !ok {
		op = txflow.New(f.now)
		f.ops[key] = op
	}
	return op
}
