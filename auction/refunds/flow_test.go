package refunds

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"songcoin/auction"
	"songcoin/auction/auctiontest"
	"songcoin/auction/txflow"
)

var me = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type countingRefresher struct{ n int }

func (r *countingRefresher) Refresh(context.Context) error {
	r.n++
	return nil
}

func newFlow(t *testing.T, current int64, opts ...Option) (*auctiontest.Chain, *Flow) {
	t.Helper()
	chain := auctiontest.NewChain(me, nil)
	chain.SetRound(auction.Round{ID: big.NewInt(current), HighestBid: new(big.Int), EndTime: time.Now().Add(time.Hour).Unix()})
	flow, err := New(chain, chain, opts...)
	require.NoError(t, err)
	return chain, flow
}

func TestClaimWithdrawsAndRereads(t *testing.T) {
	refresher := &countingRefresher{}
	chain, flow := newFlow(t, 5, WithRefresher(refresher))
	chain.SetPending(me, 3, 50)
	chain.SetBalance(me, 7)

	entry, err := flow.Pending(context.Background(), me, big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(50), entry.Amount.Int64())

	status, err := flow.Claim(context.Background(), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, txflow.StateSuccess, status.State)
	require.Equal(t, "3", status.RoundID)
	require.Equal(t, "0", status.Remaining)
	require.Equal(t, 1, chain.CountPrefix("submit:withdraw"))
	require.Equal(t, 1, refresher.n)

	cached, ok := flow.Cached(me, big.NewInt(3))
	require.True(t, ok)
	require.Zero(t, cached.Amount.Sign())

	balance, err := chain.Balance(context.Background(), me)
	require.NoError(t, err)
	require.Equal(t, int64(57), balance.Int64())

	_, err = flow.Claim(context.Background(), big.NewInt(3))
	require.ErrorIs(t, err, auction.ErrNothingToClaim)
	require.Equal(t, 1, chain.CountPrefix("submit:withdraw"))
}

func TestClaimNothingPending(t *testing.T) {
	chain, flow := newFlow(t, 5)
	_, err := flow.Claim(context.Background(), big.NewInt(2))
	require.ErrorIs(t, err, auction.ErrNothingToClaim)
	require.Zero(t, chain.CountPrefix("submit:"))
	require.Equal(t, txflow.StateIdle, flow.Status(big.NewInt(2)).State)
}

func TestRoundBounds(t *testing.T) {
	chain, flow := newFlow(t, 5)
	_, err := flow.Pending(context.Background(), me, big.NewInt(6))
	require.ErrorIs(t, err, auction.ErrUnknownRound)

	_, err = flow.Claim(context.Background(), big.NewInt(-1))
	var verr *auction.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "round", verr.Field)
	require.Zero(t, chain.CountPrefix("read:pending_returns"))

	_, err = flow.Pending(context.Background(), me, big.NewInt(5))
	require.NoError(t, err)
}

func TestClaimFailureThenRetry(t *testing.T) {
	chain, flow := newFlow(t, 5)
	chain.SetPending(me, 4, 20)
	chain.ConfirmErr[auction.StepWithdraw] = errors.New("transaction reverted")

	status, err := flow.Claim(context.Background(), big.NewInt(4))
	var werr *auction.WriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, auction.StepWithdraw, werr.Step)
	require.Equal(t, txflow.StateError, status.State)

	delete(chain.ConfirmErr, auction.StepWithdraw)
	status, err = flow.Claim(context.Background(), big.NewInt(4))
	require.NoError(t, err)
	require.Equal(t, 2, status.Attempts)
}

func TestClaimsForDifferentRoundsAreIndependent(t *testing.T) {
	chain, flow := newFlow(t, 5)
	chain.SetPending(me, 3, 50)
	chain.SetPending(me, 4, 20)

	release := make(chan struct{})
	chain.BeforeConfirm = func(auction.Step) { <-release }

	require.NoError(t, flow.StartClaim(context.Background(), big.NewInt(3)))
	require.True(t, flow.Status(big.NewInt(3)).Pending())
	require.ErrorIs(t, flow.StartClaim(context.Background(), big.NewInt(3)), txflow.ErrInFlight)
	require.NoError(t, flow.StartClaim(context.Background(), big.NewInt(4)))

	close(release)
	require.Eventually(t, func() bool {
		return flow.Status(big.NewInt(3)).State == txflow.StateSuccess &&
			flow.Status(big.NewInt(4)).State == txflow.StateSuccess
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, chain.CountPrefix("submit:withdraw"))
}

func TestClaimableScansWindow(t *testing.T) {
	chain, flow := newFlow(t, 12, WithWindow(5))
	chain.SetPending(me, 3, 99)
	chain.SetPending(me, 8, 10)
	chain.SetPending(me, 11, 5)
	chain.SetPending(me, 12, 1)

	entries, err := flow.Claimable(context.Background(), me)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(8), entries[0].RoundID.Int64())
	require.Equal(t, int64(11), entries[1].RoundID.Int64())
	require.Equal(t, int64(12), entries[2].RoundID.Int64())
	require.Equal(t, 6, chain.CountPrefix("read:pending_returns"))
}

func TestReadOnlyFlow(t *testing.T) {
	chain := auctiontest.NewChain(me, nil)
	flow, err := New(chain, nil)
	require.NoError(t, err)
	_, err = flow.Claim(context.Background(), big.NewInt(0))
	require.ErrorIs(t, err, auction.ErrNoAccount)

	_, err = New(chain, nil, WithCacheSize(0))
	require.Error(t, err)
}
