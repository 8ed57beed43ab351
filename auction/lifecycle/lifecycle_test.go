package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"songcoin/auction"
	"songcoin/auction/auctiontest"
	"songcoin/auction/cache"
	"songcoin/auction/txflow"
)

var bidder = common.HexToAddress("0x00000000000000000000000000000000000000c3")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type staticSource struct{ snap cache.Snapshot }

func (s staticSource) Snapshot() cache.Snapshot { return s.snap }

func TestDeriveBreakdown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	round := auction.Round{ID: big.NewInt(4), HighestBid: new(big.Int), EndTime: now.Unix() + 86400 + 2*3600 + 3*60 + 4}
	v := Derive(round, now)
	require.True(t, v.IsInitial)
	require.False(t, v.HasEnded)
	require.Equal(t, int64(1), v.Days)
	require.Equal(t, int64(2), v.Hours)
	require.Equal(t, int64(3), v.Minutes)
	require.Equal(t, int64(4), v.Seconds)
	require.Equal(t, "4", v.RoundID.String())

	round.HighestBidder = bidder
	round.HighestBid = big.NewInt(1)
	v = Derive(round, time.Unix(round.EndTime, 0))
	require.False(t, v.IsInitial)
	require.True(t, v.HasEnded)
	require.Zero(t, v.TimeRemaining)

	v = Derive(round, time.Unix(round.EndTime+30, 0))
	require.True(t, v.HasEnded)
	require.Zero(t, v.Remaining)
}

func TestCountdownMonotonicUntilEnd(t *testing.T) {
	end := time.Unix(1_700_000_100, 0)
	round := auction.Round{ID: big.NewInt(1), HighestBid: new(big.Int), EndTime: end.Unix()}
	clock := &fakeClock{t: end.Add(-5 * time.Second)}
	// Each view advances the clock by one second.
	now := func() time.Time {
		t := clock.Now()
		clock.Advance(time.Second)
		return t
	}
	countdown := NewCountdown(staticSource{cache.Snapshot{Round: &round}}, WithTick(time.Millisecond), WithCountdownClock(now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var views []View
	err := countdown.Run(ctx, func(v View) {
		views = append(views, v)
		if len(views) == 8 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, views, 8)
	for i := 1; i < len(views); i++ {
		require.LessOrEqual(t, views[i].TimeRemaining, views[i-1].TimeRemaining)
	}
	require.Equal(t, 5*time.Second, views[0].TimeRemaining)
	require.False(t, views[4].HasEnded)
	require.Zero(t, views[5].TimeRemaining)
	require.True(t, views[5].HasEnded)
	require.True(t, views[7].HasEnded)
}

func TestCountdownNotLoaded(t *testing.T) {
	countdown := NewCountdown(staticSource{})
	_, err := countdown.View()
	require.ErrorIs(t, err, cache.ErrNotLoaded)

	failure := errors.New("rpc down")
	countdown = NewCountdown(staticSource{cache.Snapshot{Err: failure}})
	_, err = countdown.View()
	require.ErrorIs(t, err, failure)
}

func newRolloverHarness(t *testing.T, endOffset time.Duration) (*auctiontest.Chain, *cache.Cache, *Rollover, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	chain := auctiontest.NewChain(bidder, clock.Now)
	chain.SetRound(auction.Round{
		ID:            big.NewInt(1),
		HighestBidder: bidder,
		HighestBid:    big.NewInt(10),
		StartTime:     clock.Now().Add(-time.Hour).Unix(),
		EndTime:       clock.Now().Add(endOffset).Unix(),
	})
	c := cache.New(chain, cache.WithClock(clock.Now))
	require.NoError(t, c.Refresh(context.Background()))
	chain.ResetCalls()
	return chain, c, NewRollover(chain, c, WithRolloverClock(clock.Now)), clock
}

func TestRolloverStartsNewRound(t *testing.T) {
	chain, c, rollover, _ := newRolloverHarness(t, -time.Second)
	require.True(t, rollover.Status().Enabled)

	status, err := rollover.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, txflow.StateSuccess, status.State)
	require.Equal(t, "1", status.RoundID)
	require.Equal(t, 1, chain.CountPrefix("submit:end_round_and_start_new_round"))

	snap := c.Snapshot()
	require.Equal(t, int64(2), snap.Round.ID.Int64())
	require.True(t, snap.IsInitial())
	require.True(t, snap.HasLastWinningRound)
	require.Equal(t, int64(10), snap.LastWinningRound.HighestBid.Int64())

	next := rollover.Status()
	require.Equal(t, "2", next.RoundID)
	require.Equal(t, txflow.StateIdle, next.State)
	require.False(t, next.Enabled)
}

func TestRolloverRefreshIgnoresPollStartedBeforeConfirmation(t *testing.T) {
	chain, c, rollover, _ := newRolloverHarness(t, -time.Second)
	blocked := make(chan struct{})
	release := make(chan struct{})
	var songsReads atomic.Int32
	chain.BeforeRead = func(method string) {
		if method == "get_latests_bidded_songs" && songsReads.Add(1) == 1 {
			close(blocked)
			<-release
		}
	}

	poll := make(chan error, 1)
	go func() { poll <- c.Refresh(context.Background()) }()
	<-blocked

	type result struct {
		status RolloverStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := rollover.Submit(context.Background())
		done <- result{status, err}
	}()
	require.Eventually(t, func() bool {
		return chain.CountPrefix("confirm:end_round_and_start_new_round") == 1
	}, 2*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-poll)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, txflow.StateSuccess, res.status.State)
	require.Equal(t, int64(2), c.Snapshot().Round.ID.Int64())
	require.Equal(t, "2", rollover.Status().RoundID)
}

func TestRolloverRejectedWhileRoundActive(t *testing.T) {
	chain, _, rollover, clock := newRolloverHarness(t, time.Minute)
	require.False(t, rollover.Status().Enabled)
	_, err := rollover.Submit(context.Background())
	require.ErrorIs(t, err, auction.ErrRoundActive)
	require.Zero(t, chain.CountPrefix("submit:"))

	clock.Advance(time.Minute)
	require.True(t, rollover.Status().Enabled)
	_, err = rollover.Submit(context.Background())
	require.NoError(t, err)
}

func TestRolloverFailureThenRetry(t *testing.T) {
	chain, c, rollover, _ := newRolloverHarness(t, -time.Second)
	chain.ConfirmErr[auction.StepRollover] = errors.New("execution reverted: auction: round has not ended")

	status, err := rollover.Submit(context.Background())
	require.ErrorIs(t, err, auction.ErrRoundActive)
	var werr *auction.WriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, auction.StepRollover, werr.Step)
	require.Equal(t, txflow.StateError, status.State)
	require.Equal(t, int64(1), c.Snapshot().Round.ID.Int64())
	require.True(t, rollover.Status().Enabled)

	delete(chain.ConfirmErr, auction.StepRollover)
	status, err = rollover.Submit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, status.Attempts)
	require.Equal(t, int64(2), c.Snapshot().Round.ID.Int64())
}

func TestRolloverSingleFlightPerRound(t *testing.T) {
	chain, _, rollover, _ := newRolloverHarness(t, -time.Second)
	release := make(chan struct{})
	chain.BeforeConfirm = func(auction.Step) { <-release }

	id, err := rollover.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), id.Int64())
	require.False(t, rollover.Status().Enabled)
	_, err = rollover.Start(context.Background())
	require.ErrorIs(t, err, txflow.ErrInFlight)

	close(release)
	require.Eventually(t, func() bool {
		return rollover.Status().RoundID == "2"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, chain.CountPrefix("submit:"))
}

func TestRolloverWithoutAccount(t *testing.T) {
	_, c, _, clock := newRolloverHarness(t, -time.Second)
	rollover := NewRollover(nil, c, WithRolloverClock(clock.Now))
	_, err := rollover.Submit(context.Background())
	require.ErrorIs(t, err, auction.ErrNoAccount)
	require.False(t, rollover.Status().Enabled)
}
