package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"songcoin/auction"
)

// ErrNoSigner is returned by writes on a read-only binding.
var ErrNoSigner = errors.New("evm: no signer configured")

// Account returns the signing account, or the zero address when read-only.
func (c *Contract) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Approve grants the auction contract an allowance of amount.
func (c *Contract) Approve(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, c.cfg.Token, tokenABI, "approve", c.cfg.Auction, amount)
}

// Bid submits a bid of amount for song.
func (c *Contract) Bid(ctx context.Context, amount *big.Int, song auction.Song) (common.Hash, error) {
	return c.transact(ctx, c.cfg.Auction, auctionABI, "bid", amount, tupleOf(song))
}

// StartNewRound ends the current round and opens the next one.
func (c *Contract) StartNewRound(ctx context.Context) (common.Hash, error) {
	return c.transact(ctx, c.cfg.Auction, auctionABI, "end_round_and_start_new_round")
}

// Withdraw claims the pending return of roundID.
func (c *Contract) Withdraw(ctx context.Context, roundID *big.Int) (common.Hash, error) {
	return c.transact(ctx, c.cfg.Auction, auctionABI, "withdraw", roundID)
}

// transact estimates, signs and sends a call. Sends are serialised so the
// pending nonce is never reused by two concurrent workflows.
func (c *Contract) transact(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	from := c.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate %s: %w", method, err)
	}
	gas = gas * c.cfg.GasMultiplier / 100
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	tx, err := c.buildTx(ctx, nonce, gas, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := c.signer.SignTx(tx, c.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	hash := signed.Hash()
	c.mu.Lock()
	c.sent[hash] = msg
	c.mu.Unlock()
	c.logger.Info("transaction submitted", "method", method, "tx", hash.Hex(), "nonce", nonce, "gas", gas)
	return hash, nil
}

// buildTx prices a dynamic fee transaction when the head carries a base fee
// and falls back to a legacy transaction otherwise.
func (c *Contract) buildTx(ctx context.Context, nonce, gas uint64, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head != nil && head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   c.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		}), nil
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Data:     data,
	}), nil
}
