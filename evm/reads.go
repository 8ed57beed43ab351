package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
)

func (c *Contract) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

func (c *Contract) callUint(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, to, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	out, ok := values[0].(*big.Int)
	if !ok || out == nil {
		return nil, fmt.Errorf("%s: unexpected result %T", method, values[0])
	}
	return out, nil
}

func (c *Contract) callRound(ctx context.Context, method string) (auction.Round, error) {
	values, err := c.call(ctx, c.cfg.Auction, auctionABI, method)
	if err != nil {
		return auction.Round{}, err
	}
	tuple := *abi.ConvertType(values[0], new(roundTuple)).(*roundTuple)
	return tuple.round(), nil
}

// CurrentRound reads get_current_round.
func (c *Contract) CurrentRound(ctx context.Context) (auction.Round, error) {
	return c.callRound(ctx, "get_current_round")
}

// LastWinningRound reads last_winning_round.
func (c *Contract) LastWinningRound(ctx context.Context) (auction.Round, error) {
	return c.callRound(ctx, "last_winning_round")
}

// CurrentRoundID reads get_current_round_id.
func (c *Contract) CurrentRoundID(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Auction, auctionABI, "get_current_round_id")
}

// CurrentHighestBid reads get_current_round_highest_bid.
func (c *Contract) CurrentHighestBid(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Auction, auctionABI, "get_current_round_highest_bid")
}

// HasLastWinningRound reads is_there_a_last_winning_round.
func (c *Contract) HasLastWinningRound(ctx context.Context) (bool, error) {
	values, err := c.call(ctx, c.cfg.Auction, auctionABI, "is_there_a_last_winning_round")
	if err != nil {
		return false, err
	}
	out, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("is_there_a_last_winning_round: unexpected result %T", values[0])
	}
	return out, nil
}

// LatestSongs reads the fixed window of the most recent songs bid in roundID.
// Unused slots are returned as zero songs.
func (c *Contract) LatestSongs(ctx context.Context, roundID *big.Int) ([]auction.Song, error) {
	values, err := c.call(ctx, c.cfg.Auction, auctionABI, "get_latests_bidded_songs", roundID)
	if err != nil {
		return nil, err
	}
	window := *abi.ConvertType(values[0], new([auction.MaxLatestSongs]songTuple)).(*[auction.MaxLatestSongs]songTuple)
	songs := make([]auction.Song, 0, len(window))
	for _, s := range window {
		songs = append(songs, s.song())
	}
	return songs, nil
}

// RoundDuration reads get_round_duration in seconds.
func (c *Contract) RoundDuration(ctx context.Context) (uint64, error) {
	out, err := c.callUint(ctx, c.cfg.Auction, auctionABI, "get_round_duration")
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, fmt.Errorf("get_round_duration: %s overflows uint64", out)
	}
	return out.Uint64(), nil
}

// PendingReturns reads the amount refundable to account for roundID.
func (c *Contract) PendingReturns(ctx context.Context, account common.Address, roundID *big.Int) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Auction, auctionABI, "pending_returns", account, roundID)
}

// Allowance reads the token allowance owner granted to the auction contract.
func (c *Contract) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Token, tokenABI, "allowance", owner, c.cfg.Auction)
}

// Balance reads the token balance of owner.
func (c *Contract) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.Token, tokenABI, "balanceOf", owner)
}

// Decimals reads the token's decimals.
func (c *Contract) Decimals(ctx context.Context) (uint8, error) {
	values, err := c.call(ctx, c.cfg.Token, tokenABI, "decimals")
	if err != nil {
		return 0, err
	}
	out, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result %T", values[0])
	}
	return out, nil
}
