package auction

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ContractReader is the read surface of the auction and token contracts.
// Implementations must be free of side effects.
type ContractReader interface {
	CurrentRound(ctx context.Context) (Round, error)
	CurrentRoundID(ctx context.Context) (*big.Int, error)
	CurrentHighestBid(ctx context.Context) (*big.Int, error)
	LastWinningRound(ctx context.Context) (Round, error)
	HasLastWinningRound(ctx context.Context) (bool, error)
	LatestSongs(ctx context.Context, roundID *big.Int) ([]Song, error)
	RoundDuration(ctx context.Context) (uint64, error)
	PendingReturns(ctx context.Context, account common.Address, roundID *big.Int) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Balance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// ContractWriter submits transactions and waits for them to confirm. Every
// submit returns the transaction hash; success is only known after Confirm.
type ContractWriter interface {
	Account() common.Address
	Approve(ctx context.Context, amount *big.Int) (common.Hash, error)
	Bid(ctx context.Context, amount *big.Int, song Song) (common.Hash, error)
	StartNewRound(ctx context.Context) (common.Hash, error)
	Withdraw(ctx context.Context, roundID *big.Int) (common.Hash, error)
	Confirm(ctx context.Context, tx common.Hash) error
}

// Refresher forces a cache re-read after a confirmed write.
type Refresher interface {
	Refresh(ctx context.Context) error
}
