// Package bidding sequences the approve-then-bid workflow against the
// auction contract.
package bidding

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
	"songcoin/auction/cache"
	"songcoin/auction/txflow"
	"songcoin/observability"
)

const flowName = "bid"

// EventKind names a step of a bidding attempt.
type EventKind string

const (
	EventApprovalSubmitted EventKind = "approval_submitted"
	EventApprovalConfirmed EventKind = "approval_confirmed"
	EventBidSubmitted      EventKind = "bid_submitted"
	EventBidConfirmed      EventKind = "bid_confirmed"
	EventFailed            EventKind = "failed"
)

// Event is one entry of an attempt's trace.
type Event struct {
	Kind   EventKind `json:"kind"`
	TxHash string    `json:"tx_hash,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Request is a bid the user wants to place.
type Request struct {
	Amount *big.Int
	Song   auction.Song
}

// StateSource is the cache the coordinator validates against and refreshes.
type StateSource interface {
	Snapshot() cache.Snapshot
	Refresh(ctx context.Context) error
}

// Recorder journals submitted transactions. A nil Recorder disables
// journaling.
type Recorder = txflow.Recorder

// Status is the externally visible state of the current attempt.
type Status struct {
	txflow.Status
	Amount string        `json:"amount,omitempty"`
	Song   *auction.Song `json:"song,omitempty"`
	Events []Event       `json:"events"`
}

// Coordinator runs at most one bidding attempt at a time.
type Coordinator struct {
	reader   auction.ContractReader
	writer   auction.ContractWriter
	state    StateSource
	policy   *auction.EmbedPolicy
	recorder Recorder
	metrics  *observability.AuctionMetrics
	logger   *slog.Logger
	observer func(Event)
	timeout  time.Duration
	now      func() time.Time

	op *txflow.Operation

	mu     sync.Mutex
	last   *Request
	events []Event
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithRecorder journals submitted transactions.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.AuctionMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithObserver receives every event as it happens.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// WithAttemptTimeout bounds how long Start waits for an attempt to settle.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.timeout = timeout }
}

// WithClock sets the function used for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// New constructs a coordinator.
func New(reader auction.ContractReader, writer auction.ContractWriter, state StateSource, policy *auction.EmbedPolicy, opts ...Option) *Coordinator {
	c := &Coordinator{
		reader:  reader,
		writer:  writer,
		state:   state,
		policy:  policy,
		logger:  slog.Default(),
		timeout: 10 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.op = txflow.New(c.now)
	return c
}

// Validate checks a request against the input rules and the cached highest
// bid. It never touches the network.
func (c *Coordinator) Validate(req Request) error {
	if err := auction.CheckAmount(req.Amount); err != nil {
		return err
	}
	if err := auction.ValidateSong(req.Song, c.policy); err != nil {
		return err
	}
	highest, err := c.state.Snapshot().HighestBid()
	if err != nil {
		return err
	}
	if req.Amount.Cmp(highest) <= 0 {
		return fmt.Errorf("%w: must exceed %s", auction.ErrBidTooLow, highest.String())
	}
	return nil
}

// CanSubmit reports whether the submit action is enabled for amount.
func (c *Coordinator) CanSubmit(amount *big.Int) bool {
	if amount == nil || c.op.Status().Pending() {
		return false
	}
	highest, err := c.state.Snapshot().HighestBid()
	if err != nil {
		return false
	}
	return amount.Cmp(highest) > 0
}

// Submit runs an attempt and waits for its terminal state.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Status, error) {
	if err := c.begin(ctx, req, false); err != nil {
		return c.Status(), err
	}
	err := c.execute(ctx, req)
	return c.Status(), err
}

// Start launches an attempt in the background and returns once it is pending.
func (c *Coordinator) Start(ctx context.Context, req Request) error {
	if err := c.begin(ctx, req, false); err != nil {
		return err
	}
	go c.detached(req)
	return nil
}

// Retry restarts the failed attempt from the bid amount check and waits.
func (c *Coordinator) Retry(ctx context.Context) (Status, error) {
	req, err := c.retryRequest()
	if err != nil {
		return c.Status(), err
	}
	if err := c.begin(ctx, req, true); err != nil {
		return c.Status(), err
	}
	err = c.execute(ctx, req)
	return c.Status(), err
}

// StartRetry is Retry without waiting.
func (c *Coordinator) StartRetry(ctx context.Context) error {
	req, err := c.retryRequest()
	if err != nil {
		return err
	}
	if err := c.begin(ctx, req, true); err != nil {
		return err
	}
	go c.detached(req)
	return nil
}

// Status returns the current attempt state and its trace.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Status{Status: c.op.Status(), Events: append([]Event{}, c.events...)}
	if c.last != nil {
		out.Amount = c.last.Amount.String()
		song := c.last.Song
		out.Song = &song
	}
	return out
}

func (c *Coordinator) retryRequest() (Request, error) {
	switch c.op.Status().State {
	case txflow.StatePending:
		return Request{}, txflow.ErrInFlight
	case txflow.StateError:
	default:
		return Request{}, txflow.ErrNotFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Request{}, txflow.ErrNotFailed
	}
	return *c.last, nil
}

func (c *Coordinator) begin(ctx context.Context, req Request, retry bool) error {
	if c.writer == nil {
		return auction.ErrNoAccount
	}
	if !c.state.Snapshot().Ready() {
		if err := c.state.Refresh(ctx); err != nil {
			return err
		}
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	if retry {
		if err := c.op.Retry(); err != nil {
			return err
		}
	} else {
		if c.op.Status().State == txflow.StateSuccess {
			c.op.Reset()
		}
		if err := c.op.Begin(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.last = &Request{Amount: new(big.Int).Set(req.Amount), Song: req.Song}
	c.events = nil
	c.mu.Unlock()
	c.metrics.WorkflowStarted(flowName)
	return nil
}

func (c *Coordinator) detached(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.execute(ctx, req); err != nil {
		c.logger.Warn("bid attempt failed", "amount", req.Amount.String(), "error", err)
	}
}

// execute runs the preconditions that need the chain and then the writes.
// The approval is always confirmed before the bid is submitted.
func (c *Coordinator) execute(ctx context.Context, req Request) error {
	hash, err := c.run(ctx, req)
	if err != nil {
		c.emit(Event{Kind: EventFailed, Error: err.Error()})
		c.op.Fail(err)
		c.reconcile(ctx)
		c.metrics.WorkflowFinished(flowName, "error")
		return err
	}
	c.reconcile(ctx)
	c.op.Succeed(hash.Hex())
	c.metrics.WorkflowFinished(flowName, "success")
	c.logger.Info("bid confirmed", "amount", req.Amount.String(), "tx", hash.Hex())
	return nil
}

func (c *Coordinator) run(ctx context.Context, req Request) (common.Hash, error) {
	owner := c.writer.Account()
	balance, err := c.reader.Balance(ctx, owner)
	if err != nil {
		return common.Hash{}, &auction.ReadError{Method: "balanceOf", Err: err}
	}
	if balance.Cmp(req.Amount) < 0 {
		return common.Hash{}, auction.ErrInsufficientBalance
	}
	allowance, err := c.reader.Allowance(ctx, owner)
	if err != nil {
		return common.Hash{}, &auction.ReadError{Method: "allowance", Err: err}
	}
	if allowance.Cmp(req.Amount) < 0 {
		hash, err := c.write(ctx, auction.StepApprove, req.Amount.String(), func(ctx context.Context) (common.Hash, error) {
			return c.writer.Approve(ctx, req.Amount)
		}, EventApprovalSubmitted, EventApprovalConfirmed)
		if err != nil {
			return hash, err
		}
	}
	return c.write(ctx, auction.StepBid, req.Amount.String(), func(ctx context.Context) (common.Hash, error) {
		return c.writer.Bid(ctx, req.Amount, req.Song)
	}, EventBidSubmitted, EventBidConfirmed)
}

func (c *Coordinator) write(ctx context.Context, step auction.Step, detail string, submit func(context.Context) (common.Hash, error), submitted, confirmed EventKind) (common.Hash, error) {
	hash, err := txflow.Send(ctx, c.op, txflow.Write{
		Flow:     flowName,
		Step:     step,
		Detail:   detail,
		Submit:   submit,
		Confirm:  c.writer.Confirm,
		Recorder: c.recorder,
		Metrics:  c.metrics,
		OnSubmitted: func(tx common.Hash) {
			c.emit(Event{Kind: submitted, TxHash: tx.Hex()})
		},
		Now: c.now,
	})
	if err != nil {
		return hash, err
	}
	c.emit(Event{Kind: confirmed, TxHash: hash.Hex()})
	return hash, nil
}

func (c *Coordinator) reconcile(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.state.Refresh(refreshCtx); err != nil {
		c.logger.Warn("refresh after bid attempt failed", "error", err)
	}
}

func (c *Coordinator) emit(evt Event) {
	evt.At = c.now()
	c.mu.Lock()
	c.events = append(c.events, evt)
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer(evt)
	}
}
