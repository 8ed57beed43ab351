package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReverted is returned when a mined transaction failed.
var ErrReverted = errors.New("evm: transaction reverted")

// Confirm waits until tx is mined successfully and buried under the
// configured number of confirmations. A reverted transaction is replayed
// against its parent block to recover the revert reason. The call message
// kept for that replay is dropped however Confirm returns, so abandoned waits
// do not accumulate.
func (c *Contract) Confirm(ctx context.Context, tx common.Hash) error {
	if tx == (common.Hash{}) {
		return fmt.Errorf("tx hash required")
	}
	defer c.forget(tx)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		done, err := c.checkConfirmations(ctx, tx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status reports whether tx is settled without waiting. It returns false
// while the transaction is unknown or not yet sufficiently confirmed.
func (c *Contract) Status(ctx context.Context, tx common.Hash) (bool, error) {
	done, err := c.checkConfirmations(ctx, tx)
	if done {
		c.forget(tx)
	}
	return done, err
}

func (c *Contract) checkConfirmations(ctx context.Context, tx common.Hash) (bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, tx)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return true, c.revertReason(ctx, tx, receipt)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) >= 0, nil
}

func (c *Contract) revertReason(ctx context.Context, tx common.Hash, receipt *gethtypes.Receipt) error {
	c.mu.Lock()
	msg, ok := c.sent[tx]
	c.mu.Unlock()
	if !ok || receipt.BlockNumber == nil || receipt.BlockNumber.Sign() == 0 {
		return fmt.Errorf("%w: %s", ErrReverted, tx.Hex())
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	if _, err := c.backend.CallContract(ctx, msg, parent); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrReverted, tx.Hex(), err)
	}
	return fmt.Errorf("%w: %s", ErrReverted, tx.Hex())
}

func (c *Contract) forget(tx common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sent, tx)
}
