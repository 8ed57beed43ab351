package bidding

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"songcoin/auction"
	"songcoin/auction/auctiontest"
	"songcoin/auction/cache"
	"songcoin/auction/txflow"
)

var (
	me    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	rival = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type harness struct {
	chain  *auctiontest.Chain
	cache  *cache.Cache
	coord  *Coordinator
	policy *auction.EmbedPolicy
	events []Event
	mu     sync.Mutex
}

func newHarness(t *testing.T, highest, allowance, balance int64) *harness {
	t.Helper()
	h := &harness{policy: auction.MustEmbedPolicy(nil)}
	h.chain = auctiontest.NewChain(me, nil)
	round := auction.Round{ID: big.NewInt(1), HighestBid: big.NewInt(highest), StartTime: 1, EndTime: time.Now().Unix() + 600}
	if highest > 0 {
		round.HighestBidder = rival
	}
	h.chain.SetRound(round)
	h.chain.SetAllowance(me, allowance)
	h.chain.SetBalance(me, balance)
	h.cache = cache.New(h.chain, cache.WithAccount(me))
	require.NoError(t, h.cache.Refresh(context.Background()))
	h.chain.ResetCalls()
	h.coord = New(h.chain, h.chain, h.cache, h.policy, WithObserver(func(e Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	}))
	return h
}

func (h *harness) song(t *testing.T) auction.Song {
	t.Helper()
	song, err := auction.NewSong("Sonne", "Rammstein", "https://open.spotify.com/embed/track/3gJhLZveDUDIxKdY0bFd7i", h.policy)
	require.NoError(t, err)
	return song
}

func (h *harness) kinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventKind, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

func roundReads(chain *auctiontest.Chain) int {
	n := 0
	for _, call := range chain.Calls() {
		if call == "read:get_current_round" {
			n++
		}
	}
	return n
}

func TestBidTooLowRejectedWithoutNetwork(t *testing.T) {
	h := newHarness(t, 10, 100, 100)
	_, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(8), Song: h.song(t)})
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	require.Empty(t, h.chain.Calls())
	require.Equal(t, txflow.StateIdle, h.coord.Status().State)

	_, err = h.coord.Submit(context.Background(), Request{Amount: big.NewInt(10), Song: h.song(t)})
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	require.Empty(t, h.chain.Calls())
}

func TestInvalidSongRejectedWithoutNetwork(t *testing.T) {
	h := newHarness(t, 10, 100, 100)
	song := h.song(t)
	song.EmbedURL = "https://hack.com"
	_, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: song})
	var verr *auction.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "embed", verr.Field)
	require.Empty(t, h.chain.Calls())
}

func TestApprovalConfirmedBeforeBid(t *testing.T) {
	h := newHarness(t, 10, 5, 100)
	status, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	require.NoError(t, err)
	require.Equal(t, txflow.StateSuccess, status.State)

	var writes []string
	for _, call := range h.chain.Calls() {
		if call[:5] != "read:" {
			writes = append(writes, call)
		}
	}
	require.Equal(t, []string{"submit:approve", "confirm:approve", "submit:bid", "confirm:bid"}, writes)
	require.Equal(t, []EventKind{EventApprovalSubmitted, EventApprovalConfirmed, EventBidSubmitted, EventBidConfirmed}, h.kinds())

	snap := h.cache.Snapshot()
	require.Equal(t, int64(20), snap.Round.HighestBid.Int64())
	require.Equal(t, me, snap.Round.HighestBidder)
	require.Equal(t, 1, roundReads(h.chain))
}

func TestSufficientAllowanceSkipsApproval(t *testing.T) {
	h := newHarness(t, 10, 50, 100)
	_, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	require.NoError(t, err)
	require.Zero(t, h.chain.CountPrefix("submit:approve"))
	require.Equal(t, []EventKind{EventBidSubmitted, EventBidConfirmed}, h.kinds())
}

func TestInsufficientBalanceFailsBeforeWrites(t *testing.T) {
	h := newHarness(t, 10, 50, 15)
	status, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	require.ErrorIs(t, err, auction.ErrInsufficientBalance)
	require.Equal(t, txflow.StateError, status.State)
	require.Zero(t, h.chain.CountPrefix("submit:"))
}

func TestFailureThenRetryRestartsFromAmountCheck(t *testing.T) {
	h := newHarness(t, 10, 0, 100)
	h.chain.ConfirmErr[auction.StepApprove] = errors.New("transaction reverted")

	status, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	var werr *auction.WriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, auction.StepApprove, werr.Step)
	require.Equal(t, txflow.StateError, status.State)
	require.Contains(t, status.Error, "transaction reverted")
	require.Zero(t, h.chain.CountPrefix("submit:bid"))
	require.Equal(t, 1, roundReads(h.chain))

	delete(h.chain.ConfirmErr, auction.StepApprove)
	status, err = h.coord.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, txflow.StateSuccess, status.State)
	require.Equal(t, 2, status.Attempts)

	_, err = h.coord.Retry(context.Background())
	require.ErrorIs(t, err, txflow.ErrNotFailed)
}

func TestRetryRejectedWhenOutbidMeanwhile(t *testing.T) {
	h := newHarness(t, 10, 100, 100)
	h.chain.ConfirmErr[auction.StepBid] = errors.New("dropped")
	_, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	require.Error(t, err)

	delete(h.chain.ConfirmErr, auction.StepBid)
	h.chain.SetRound(auction.Round{ID: big.NewInt(1), HighestBidder: rival, HighestBid: big.NewInt(30), StartTime: 1, EndTime: time.Now().Unix() + 600})
	require.NoError(t, h.cache.Refresh(context.Background()))

	_, err = h.coord.Retry(context.Background())
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	require.Equal(t, txflow.StateError, h.coord.Status().State)
}

func TestStaleHighestBidRevertRefreshesCache(t *testing.T) {
	h := newHarness(t, 10, 100, 100)
	h.chain.BeforeConfirm = func(step auction.Step) {
		if step == auction.StepBid {
			h.chain.SetRound(auction.Round{ID: big.NewInt(1), HighestBidder: rival, HighestBid: big.NewInt(50), StartTime: 1, EndTime: time.Now().Unix() + 600})
		}
	}
	_, err := h.coord.Submit(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)})
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	require.Equal(t, int64(50), h.cache.Snapshot().Round.HighestBid.Int64())
}

func TestStartIsAsyncAndSingleFlight(t *testing.T) {
	h := newHarness(t, 10, 100, 100)
	release := make(chan struct{})
	h.chain.BeforeConfirm = func(auction.Step) { <-release }

	require.NoError(t, h.coord.Start(context.Background(), Request{Amount: big.NewInt(20), Song: h.song(t)}))
	require.True(t, h.coord.Status().Pending())
	require.False(t, h.coord.CanSubmit(big.NewInt(25)))
	err := h.coord.Start(context.Background(), Request{Amount: big.NewInt(25), Song: h.song(t)})
	require.ErrorIs(t, err, txflow.ErrInFlight)

	close(release)
	require.Eventually(t, func() bool {
		return h.coord.Status().State == txflow.StateSuccess
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.chain.CountPrefix("submit:bid"))

	// A fresh attempt after success starts a new state machine.
	_, err = h.coord.Submit(context.Background(), Request{Amount: big.NewInt(30), Song: h.song(t)})
	require.NoError(t, err)
	require.Equal(t, 1, h.coord.Status().Attempts)
}

func TestCanSubmitDisabledAtOrBelowHighest(t *testing.T) {
	h := newHarness(t, 10, 0, 0)
	for a := int64(0); a <= 30; a++ {
		require.Equal(t, a > 10, h.coord.CanSubmit(big.NewInt(a)), "amount %d", a)
	}
	require.False(t, h.coord.CanSubmit(nil))
}
