// Package auctiontest provides an in-memory auction contract for tests.
package auctiontest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
)

type pendingKey struct {
	account common.Address
	round   string
}

type submittedTx struct {
	step   auction.Step
	from   common.Address
	amount *big.Int
	song   auction.Song
	round  *big.Int
}

// Chain simulates the auction and token contracts. Writes take effect when
// they are confirmed, mirroring a mined transaction.
type Chain struct {
	mu sync.Mutex

	account     common.Address
	round       auction.Round
	lastWinning *auction.Round
	songs       map[string][]auction.Song
	duration    uint64
	allowances  map[common.Address]*big.Int
	balances    map[common.Address]*big.Int
	pending     map[pendingKey]*big.Int
	txs         map[common.Hash]submittedTx
	calls       []string
	seq         int
	now         func() time.Time

	// ReadErr fails every read when set.
	ReadErr error
	// SubmitErr fails the submission of the given step.
	SubmitErr map[auction.Step]error
	// ConfirmErr fails the confirmation of the given step.
	ConfirmErr map[auction.Step]error
	// BeforeRead runs, without the lock held, before every read.
	BeforeRead func(method string)
	// BeforeConfirm runs, without the lock held, before every confirmation.
	BeforeConfirm func(step auction.Step)
}

// NewChain returns a chain at round 0 with the given signing account.
func NewChain(account common.Address, now func() time.Time) *Chain {
	if now == nil {
		now = time.Now
	}
	start := now().Unix()
	c := &Chain{
		account:    account,
		duration:   300,
		songs:      make(map[string][]auction.Song),
		allowances: make(map[common.Address]*big.Int),
		balances:   make(map[common.Address]*big.Int),
		pending:    make(map[pendingKey]*big.Int),
		txs:        make(map[common.Hash]submittedTx),
		SubmitErr:  make(map[auction.Step]error),
		ConfirmErr: make(map[auction.Step]error),
		now:        now,
	}
	c.round = auction.Round{
		ID:         big.NewInt(0),
		HighestBid: new(big.Int),
		StartTime:  start,
		EndTime:    start + int64(c.duration),
	}
	return c
}

// SetRound replaces the current round.
func (c *Chain) SetRound(r auction.Round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round = r.Clone()
}

// SetAllowance sets the token allowance granted to the auction.
func (c *Chain) SetAllowance(owner common.Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[owner] = big.NewInt(amount)
}

// SetBalance sets a token balance.
func (c *Chain) SetBalance(owner common.Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[owner] = big.NewInt(amount)
}

// SetPending sets a refundable amount for (owner, round).
func (c *Chain) SetPending(owner common.Address, round int64, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[pendingKey{owner, big.NewInt(round).String()}] = big.NewInt(amount)
}

// Calls returns the ordered log of reads, submissions and confirmations.
func (c *Chain) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CountPrefix counts logged calls starting with prefix.
func (c *Chain) CountPrefix(prefix string) int {
	n := 0
	for _, call := range c.Calls() {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (c *Chain) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Chain) read(method string) error {
	if c.BeforeRead != nil {
		c.BeforeRead(method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "read:"+method)
	return c.ReadErr
}

func (c *Chain) CurrentRound(ctx context.Context) (auction.Round, error) {
	if err := c.read("get_current_round"); err != nil {
		return auction.Round{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round.Clone(), nil
}

func (c *Chain) CurrentRoundID(ctx context.Context) (*big.Int, error) {
	if err := c.read("get_current_round_id"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.round.ID), nil
}

func (c *Chain) CurrentHighestBid(ctx context.Context) (*big.Int, error) {
	if err := c.read("get_current_round_highest_bid"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round.Highest(), nil
}

func (c *Chain) LastWinningRound(ctx context.Context) (auction.Round, error) {
	if err := c.read("last_winning_round"); err != nil {
		return auction.Round{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastWinning == nil {
		return auction.Round{ID: new(big.Int), HighestBid: new(big.Int)}, nil
	}
	return c.lastWinning.Clone(), nil
}

func (c *Chain) HasLastWinningRound(ctx context.Context) (bool, error) {
	if err := c.read("is_there_a_last_winning_round"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWinning != nil, nil
}

func (c *Chain) LatestSongs(ctx context.Context, roundID *big.Int) ([]auction.Song, error) {
	if err := c.read("get_latests_bidded_songs"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]auction.Song, auction.MaxLatestSongs)
	copy(out, c.songs[roundID.String()])
	return out, nil
}

func (c *Chain) RoundDuration(ctx context.Context) (uint64, error) {
	if err := c.read("get_round_duration"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration, nil
}

func (c *Chain) PendingReturns(ctx context.Context, account common.Address, roundID *big.Int) (*big.Int, error) {
	if err := c.read("pending_returns"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return valueOf(c.pending[pendingKey{account, roundID.String()}]), nil
}

func (c *Chain) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if err := c.read("allowance"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return valueOf(c.allowances[owner]), nil
}

func (c *Chain) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if err := c.read("balanceOf"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return valueOf(c.balances[owner]), nil
}

// Account implements auction.ContractWriter.
func (c *Chain) Account() common.Address { return c.account }

func (c *Chain) submit(tx submittedTx) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "submit:"+string(tx.step))
	if err := c.SubmitErr[tx.step]; err != nil {
		return common.Hash{}, err
	}
	c.seq++
	hash := common.BigToHash(big.NewInt(int64(c.seq)))
	c.txs[hash] = tx
	return hash, nil
}

func (c *Chain) Approve(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return c.submit(submittedTx{step: auction.StepApprove, from: c.account, amount: new(big.Int).Set(amount)})
}

func (c *Chain) Bid(ctx context.Context, amount *big.Int, song auction.Song) (common.Hash, error) {
	return c.submit(submittedTx{step: auction.StepBid, from: c.account, amount: new(big.Int).Set(amount), song: song})
}

func (c *Chain) StartNewRound(ctx context.Context) (common.Hash, error) {
	return c.submit(submittedTx{step: auction.StepRollover, from: c.account})
}

func (c *Chain) Withdraw(ctx context.Context, roundID *big.Int) (common.Hash, error) {
	return c.submit(submittedTx{step: auction.StepWithdraw, from: c.account, round: new(big.Int).Set(roundID)})
}

// Confirm applies the transaction's effect, or reverts it like the contract.
func (c *Chain) Confirm(ctx context.Context, hash common.Hash) error {
	c.mu.Lock()
	tx, ok := c.txs[hash]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("transaction %s not found", hash.Hex())
	}
	if c.BeforeConfirm != nil {
		c.BeforeConfirm(tx.step)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "confirm:"+string(tx.step))
	if err := c.ConfirmErr[tx.step]; err != nil {
		return err
	}
	delete(c.txs, hash)
	switch tx.step {
	case auction.StepApprove:
		c.allowances[tx.from] = new(big.Int).Set(tx.amount)
	case auction.StepBid:
		return c.applyBid(tx)
	case auction.StepRollover:
		return c.applyRollover()
	case auction.StepWithdraw:
		key := pendingKey{tx.from, tx.round.String()}
		amount := valueOf(c.pending[key])
		c.pending[key] = new(big.Int)
		c.balances[tx.from] = new(big.Int).Add(valueOf(c.balances[tx.from]), amount)
	}
	return nil
}

func (c *Chain) applyBid(tx submittedTx) error {
	if tx.amount.Cmp(c.round.Highest()) <= 0 {
		return errors.New("execution reverted: auction: bid is too low")
	}
	allowance := valueOf(c.allowances[tx.from])
	if allowance.Cmp(tx.amount) < 0 {
		return errors.New("execution reverted: erc20: insufficient allowance")
	}
	if c.round.HasBid() {
		key := pendingKey{c.round.HighestBidder, c.round.ID.String()}
		c.pending[key] = new(big.Int).Add(valueOf(c.pending[key]), c.round.Highest())
	}
	c.allowances[tx.from] = new(big.Int).Sub(allowance, tx.amount)
	c.balances[tx.from] = new(big.Int).Sub(valueOf(c.balances[tx.from]), tx.amount)
	c.round.HighestBidder = tx.from
	c.round.HighestBid = new(big.Int).Set(tx.amount)
	c.round.Song = tx.song
	id := c.round.ID.String()
	window := append(c.songs[id], tx.song)
	if len(window) > auction.MaxLatestSongs {
		window = window[len(window)-auction.MaxLatestSongs:]
	}
	c.songs[id] = window
	return nil
}

func (c *Chain) applyRollover() error {
	now := c.now().Unix()
	if now < c.round.EndTime {
		return errors.New("execution reverted: auction: round has not ended")
	}
	c.round.Ended = true
	if c.round.HasBid() {
		ended := c.round.Clone()
		c.lastWinning = &ended
	}
	c.round = auction.Round{
		ID:         new(big.Int).Add(c.round.ID, big.NewInt(1)),
		HighestBid: new(big.Int),
		StartTime:  now,
		EndTime:    now + int64(c.duration),
	}
	return nil
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
