package cache

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
)

var bidder = common.HexToAddress("0x00000000000000000000000000000000000000b1")

func TestRefreshLoadsAllReads(t *testing.T) {
	now := time.Unix(1700000000, 0)
	chain := auctiontest.NewChain(bidder, func() time.Time { return now })
	chain.SetAllowance(bidder, 5)
	chain.SetBalance(bidder, 100)

	c := New(chain, WithAccount(bidder), WithClock(func() time.Time { return now }))
	snap := c.Snapshot()
	require.True(t, snap.Loading)
	require.False(t, snap.Ready())

	require.NoError(t, c.Refresh(context.Background()))
	snap = c.Snapshot()
	require.True(t, snap.Ready())
	require.False(t, snap.Loading)
	require.True(t, snap.IsInitial())
	require.False(t, snap.HasLastWinningRound)
	require.Nil(t, snap.LastWinningRound)
	require.Empty(t, snap.LatestSongs)
	require.Equal(t, uint64(300), snap.RoundDuration)
	require.Equal(t, int64(5), snap.Allowance.Int64())
	require.Equal(t, int64(100), snap.Balance.Int64())
	require.Equal(t, now, snap.FetchedAt)

	for _, method := range []string{"get_current_round", "get_latests_bidded_songs", "is_there_a_last_winning_round", "get_round_duration", "allowance", "balanceOf"} {
		require.Equal(t, 1, chain.CountPrefix("read:"+method), method)
	}
	require.Zero(t, chain.CountPrefix("read:last_winning_round"))
}

func TestRefreshFailureKeepsDataAndReportsError(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	c := New(chain)

	chain.ReadErr = errors.New("connection refused")
	err := c.Refresh(context.Background())
	var rerr *auction.ReadError
	require.True(t, errors.As(err, &rerr))
	snap := c.Snapshot()
	require.True(t, snap.Degraded())
	require.False(t, snap.Loading)
	_, err = snap.HighestBid()
	require.Error(t, err)

	chain.ReadErr = nil
	require.NoError(t, c.Refresh(context.Background()))
	good := c.Snapshot()
	require.NoError(t, good.Err)

	chain.ReadErr = errors.New("timeout")
	require.Error(t, c.Refresh(context.Background()))
	snap = c.Snapshot()
	require.False(t, snap.Degraded())
	require.Error(t, snap.Err)
	require.Equal(t, good.Round.ID, snap.Round.ID)
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	chain.SetRound(auction.Round{ID: big.NewInt(7), HighestBidder: bidder, HighestBid: big.NewInt(10), StartTime: 1, EndTime: 2})

	release := make(chan struct{})
	var entered atomic.Int32
	chain.BeforeRead = func(method string) {
		if method == "get_current_round" && entered.Add(1) == 1 {
			<-release
		}
	}

	c := New(chain)
	first := make(chan error, 1)
	go func() { first <- c.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return entered.Load() == 1 }, time.Second, time.Millisecond)

	// Both late callers wait for the running fetch and share one follow-up.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background())
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, <-first)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 2, chain.CountPrefix("read:get_current_round"))

	once := New(chain)
	require.NoError(t, once.Refresh(context.Background()))
	require.Equal(t, once.Snapshot().Round, c.Snapshot().Round)
}

func TestRefreshDuringPollSeesLaterChainState(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	blocked := make(chan struct{})
	release := make(chan struct{})
	var songsReads atomic.Int32
	chain.BeforeRead = func(method string) {
		if method == "get_latests_bidded_songs" && songsReads.Add(1) == 1 {
			close(blocked)
			<-release
		}
	}

	c := New(chain)
	poll := make(chan error, 1)
	go func() { poll <- c.Refresh(context.Background()) }()
	<-blocked

	// The poll already read round 0 with no bid. A bid lands, then a
	// confirmation handler refreshes.
	chain.SetRound(auction.Round{ID: big.NewInt(0), HighestBidder: bidder, HighestBid: big.NewInt(20), StartTime: 1, EndTime: 2})
	after := make(chan error, 1)
	go func() { after <- c.Refresh(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-poll)
	require.NoError(t, <-after)
	require.Equal(t, 2, chain.CountPrefix("read:get_current_round"))
	snap := c.Snapshot()
	require.Equal(t, int64(20), snap.Round.Highest().Int64())
	require.Equal(t, bidder, snap.Round.HighestBidder)
}

func TestRefreshAfterFetchCompletesStartsNewFetch(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	c := New(chain)
	require.NoError(t, c.Refresh(context.Background()))
	chain.SetRound(auction.Round{ID: big.NewInt(3), HighestBid: new(big.Int), StartTime: 1, EndTime: 2})
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, int64(3), c.Snapshot().Round.ID.Int64())
	require.Equal(t, 2, chain.CountPrefix("read:get_current_round"))
}

func TestRefreshHonoursCallerContext(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	release := make(chan struct{})
	chain.BeforeRead = func(string) { <-release }
	defer close(release)

	c := New(chain)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Refresh(ctx), context.DeadlineExceeded)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	chain := auctiontest.NewChain(bidder, nil)
	c := New(chain)
	var got []Snapshot
	c.Subscribe(func(s Snapshot) { got = append(got, s) })
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, got, 1)
	require.True(t, got[0].Ready())
}
