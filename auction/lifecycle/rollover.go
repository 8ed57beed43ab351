package lifecycle

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"songcoin/auction"
	"songcoin/auction/txflow"
	"songcoin/observability"
)

const rolloverFlow = "rollover"

// StateSource is the cache the rollover action reads and refreshes.
type StateSource interface {
	Snapshotter
	Refresh(ctx context.Context) error
}

// RolloverStatus reports the action state for one round.
type RolloverStatus struct {
	txflow.Status
	RoundID string `json:"round_id"`
	Enabled bool   `json:"enabled"`
}

// Rollover ends the current round and starts the next one. Each round id
// has its own state machine, so a later round always gets a fresh action.
type Rollover struct {
	writer   auction.ContractWriter
	state    StateSource
	recorder txflow.Recorder
	metrics  *observability.AuctionMetrics
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu  sync.Mutex
	ops map[string]*txflow.Operation
}

// RolloverOption customises a Rollover.
type RolloverOption func(*Rollover)

// WithRolloverRecorder journals the rollover transaction.
func WithRolloverRecorder(r txflow.Recorder) RolloverOption {
	return func(ro *Rollover) { ro.recorder = r }
}

// WithRolloverMetrics overrides the metrics registry.
func WithRolloverMetrics(m *observability.AuctionMetrics) RolloverOption {
	return func(ro *Rollover) { ro.metrics = m }
}

// WithRolloverLogger overrides the logger.
func WithRolloverLogger(logger *slog.Logger) RolloverOption {
	return func(ro *Rollover) { ro.logger = logger }
}

// WithRolloverClock sets the time source used to decide whether a round ended.
func WithRolloverClock(clock func() time.Time) RolloverOption {
	return func(ro *Rollover) { ro.now = clock }
}

// WithRolloverTimeout bounds a background attempt.
func WithRolloverTimeout(timeout time.Duration) RolloverOption {
	return func(ro *Rollover) { ro.timeout = timeout }
}

// NewRollover constructs the action.
func NewRollover(writer auction.ContractWriter, state StateSource, opts ...RolloverOption) *Rollover {
	r := &Rollover{
		writer:  writer,
		state:   state,
		logger:  slog.Default(),
		timeout: 10 * time.Minute,
		now:     time.Now,
		ops:     make(map[string]*txflow.Operation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status reports the action for the cached current round.
func (r *Rollover) Status() RolloverStatus {
	snap := r.state.Snapshot()
	if snap.Round == nil {
		return RolloverStatus{Status: txflow.Status{State: txflow.StateIdle}}
	}
	round := *snap.Round
	status := RolloverStatus{RoundID: round.ID.String()}
	if op := r.lookup(round.ID); op != nil {
		status.Status = op.Status()
	} else {
		status.Status = txflow.Status{State: txflow.StateIdle}
	}
	status.Enabled = Derive(round, r.now()).HasEnded &&
		status.State != txflow.StatePending &&
		status.State != txflow.StateSuccess &&
		r.writer != nil
	return status
}

// Submit ends the cached round and waits for the new one to be loaded.
func (r *Rollover) Submit(ctx context.Context) (RolloverStatus, error) {
	roundID, op, err := r.begin(ctx)
	if err != nil {
		return r.Status(), err
	}
	err = r.execute(ctx, roundID, op)
	return r.statusFor(roundID, op), err
}

// Start launches the rollover in the background.
func (r *Rollover) Start(ctx context.Context) (*big.Int, error) {
	roundID, op, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.execute(runCtx, roundID, op); err != nil {
			r.logger.Warn("round rollover failed", "round", roundID.String(), "error", err)
		}
	}()
	return roundID, nil
}

func (r *Rollover) begin(ctx context.Context) (*big.Int, *txflow.Operation, error) {
	if r.writer == nil {
		return nil, nil, auction.ErrNoAccount
	}
	if !r.state.Snapshot().Ready() {
		if err := r.state.Refresh(ctx); err != nil {
			return nil, nil, err
		}
	}
	round := *r.state.Snapshot().Round
	if !Derive(round, r.now()).HasEnded {
		return nil, nil, auction.ErrRoundActive
	}
	op := r.operation(round.ID)
	var err error
	if op.Status().State == txflow.StateError {
		err = op.Retry()
	} else {
		err = op.Begin()
	}
	if err != nil {
		return nil, nil, err
	}
	r.metrics.WorkflowStarted(rolloverFlow)
	return new(big.Int).Set(round.ID), op, nil
}

func (r *Rollover) execute(ctx context.Context, roundID *big.Int, op *txflow.Operation) error {
	hash, err := txflow.Send(ctx, op, txflow.Write{
		Flow:     rolloverFlow,
		Step:     auction.StepRollover,
		Detail:   roundID.String(),
		Submit:   r.writer.StartNewRound,
		Confirm:  r.writer.Confirm,
		Recorder: r.recorder,
		Metrics:  r.metrics,
		Now:      r.now,
	})
	r.refresh(ctx)
	if err != nil {
		op.Fail(err)
		r.metrics.WorkflowFinished(rolloverFlow, "error")
		return err
	}
	op.Succeed(hash.Hex())
	r.metrics.WorkflowFinished(rolloverFlow, "success")
	r.logger.Info("round rolled over", "ended_round", roundID.String(), "tx", hash.Hex())
	return nil
}

func (r *Rollover) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.state.Refresh(refreshCtx); err != nil {
		r.logger.Warn("refresh after rollover failed", "error", err)
	}
}

func (r *Rollover) statusFor(roundID *big.Int, op *txflow.Operation) RolloverStatus {
	return RolloverStatus{Status: op.Status(), RoundID: roundID.String()}
}

func (r *Rollover) lookup(roundID *big.Int) *txflow.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[roundID.String()]
}

// operation returns the state machine for roundID, dropping settled machines
// of earlier rounds.
func (r *Rollover) operation(roundID *big.Int) *txflow.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := roundID.String()
	if op, ok := r.ops[key]; ok {
		return op
	}
	for k, op := range r.ops {
		id, ok := new(big.Int).SetString(k, 10)
		if ok && id.Cmp(roundID) < 0 && !op.Status().Pending() {
			delete(r.ops, k)
		}
	}
	op := txflow.New(r.now)
	r.ops[key] = op
	return op
}
