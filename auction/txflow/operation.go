// Package txflow implements the state machine shared by every asynchronous
// contract write: idle -> pending -> {success | error}, error -> pending on
// retry. Success is terminal for an attempt; Reset starts a fresh one.
package txflow

import (
	"errors"
	"sync"
	"time"
)

// State is the phase of an operation.
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateSuccess State = "success"
	StateError   State = "error"
)

var (
	// ErrInFlight is returned when an attempt is already pending.
	ErrInFlight = errors.New("txflow: attempt already in flight")
	// ErrCompleted is returned when the operation already succeeded.
	ErrCompleted = errors.New("txflow: attempt already succeeded")
	// ErrNotFailed is returned by Retry when there is nothing to retry.
	ErrNotFailed = errors.New("txflow: no failed attempt to retry")
)

// Status is a point-in-time view of an operation.
type Status struct {
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Pending reports whether the action should be disabled.
func (s Status) Pending() bool { return s.State == StatePending }

// Operation guards a single logical write. The zero value is idle.
type Operation struct {
	mu     sync.Mutex
	status Status
	now    func() time.Time
}

// New returns an idle operation using clock for timestamps.
func New(clock func() time.Time) *Operation {
	return &Operation{now: clock}
}

func (o *Operation) clock() time.Time {
	if o.now == nil {
		return time.Now()
	}
	return o.now()
}

// Begin moves idle or error to pending.
func (o *Operation) Begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.beginLocked()
}

// Retry is Begin restricted to the error state.
func (o *Operation) Retry() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.status.State {
	case StateError:
		return o.beginLocked()
	case StatePending:
		return ErrInFlight
	default:
		return ErrNotFailed
	}
}

func (o *Operation) beginLocked() error {
	switch o.status.State {
	case StatePending:
		return ErrInFlight
	case StateSuccess:
		return ErrCompleted
	}
	o.status = Status{
		State:     StatePending,
		Attempts:  o.status.Attempts + 1,
		StartedAt: o.clock(),
	}
	return nil
}

// Submitted records the hash of the transaction currently awaited.
func (o *Operation) Submitted(txHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StatePending {
		o.status.TxHash = txHash
	}
}

// Succeed moves pending to success.
func (o *Operation) Succeed(txHash string) {
	o.finish(StateSuccess, txHash, nil)
}

// Fail moves pending to error, keeping err's message.
func (o *Operation) Fail(err error) {
	o.finish(StateError, "", err)
}

func (o *Operation) finish(state State, txHash string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State != StatePending {
		return
	}
	o.status.State = state
	if txHash != "" {
		o.status.TxHash = txHash
	}
	if err != nil {
		o.status.Error = err.Error()
	}
	o.status.FinishedAt = o.clock()
}

// Reset discards a finished attempt. Pending attempts are left untouched.
func (o *Operation) Reset() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StatePending {
		return false
	}
	o.status = Status{State: StateIdle}
	return true
}

// Status returns a snapshot of the operation.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.status
	if out.State == "" {
		out.State = StateIdle
	}
	return out
}
