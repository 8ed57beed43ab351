package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"songcoin/auction"
)

var (
	auctionAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bidderAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type callFunc func(args []interface{}, block *big.Int) ([]interface{}, error)

type fakeBackend struct {
	mu       sync.Mutex
	calls    map[string]callFunc
	baseFee  *big.Int
	head     int64
	headStep int64
	gas      uint64
	nonce    uint64
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	misses   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:    make(map[string]callFunc),
		baseFee:  big.NewInt(1_000_000_000),
		head:     100,
		gas:      50_000,
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	parsed := tokenABI
	if *msg.To == auctionAddr {
		parsed = auctionABI
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.calls[method.Name]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected call " + method.Name)
	}
	out, err := fn(args, block)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(3_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := &gethtypes.Header{Number: big.NewInt(f.head), BaseFee: f.baseFee}
	f.head += f.headStep
	return header, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses > 0 {
		f.misses--
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) handle(method string, fn callFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method] = fn
}

func newContract(t *testing.T, backend *fakeBackend, confirmations uint64) (*Contract, common.Address) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewKeySigner(key)
	require.NoError(t, err)
	contract, err := NewContract(context.Background(), backend, Config{
		Auction:       auctionAddr,
		Token:         tokenAddr,
		Confirmations: confirmations,
		PollInterval:  time.Millisecond,
	}, WithSigner(signer))
	require.NoError(t, err)
	return contract, signer.Address()
}

func TestCurrentRoundDecodesTuple(t *testing.T) {
	backend := newFakeBackend()
	hash := auction.EmbedHash("<iframe src=\"https://open.spotify.com/embed/track/abc\"></iframe>")
	backend.handle("get_current_round", func([]interface{}, *big.Int) ([]interface{}, error) {
		return []interface{}{roundTuple{
			Id:            big.NewInt(7),
			HighestBidder: bidderAddr,
			HighestBid:    big.NewInt(1500),
			StartTime:     big.NewInt(1_700_000_000),
			EndTime:       big.NewInt(1_700_000_300),
			Song: songTuple{
				Title:      "Sonne",
				Artist:     "Rammstein",
				IframeHash: hash,
				IframeUrl:  "https://open.spotify.com/embed/track/abc",
			},
		}}, nil
	})
	contract, _ := newContract(t, backend, 1)

	round, err := contract.CurrentRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), round.ID.Int64())
	require.Equal(t, bidderAddr, round.HighestBidder)
	require.Equal(t, int64(1500), round.HighestBid.Int64())
	require.Equal(t, int64(1_700_000_300), round.EndTime)
	require.Equal(t, "Sonne", round.Song.Title)
	require.Equal(t, hash, round.Song.EmbedHash)
}

func TestLatestSongsWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.handle("get_latests_bidded_songs", func(args []interface{}, _ *big.Int) ([]interface{}, error) {
		require.Equal(t, int64(4), args[0].(*big.Int).Int64())
		var window [auction.MaxLatestSongs]songTuple
		window[0] = songTuple{Title: "a", Artist: "b", IframeUrl: "https://open.spotify.com/embed/track/x"}
		return []interface{}{window}, nil
	})
	contract, _ := newContract(t, backend, 1)

	songs, err := contract.LatestSongs(context.Background(), big.NewInt(4))
	require.NoError(t, err)
	require.Len(t, songs, auction.MaxLatestSongs)
	require.Equal(t, "a", songs[0].Title)
	require.True(t, songs[1].IsZero())
}

func TestReadArguments(t *testing.T) {
	backend := newFakeBackend()
	backend.handle("pending_returns", func(args []interface{}, _ *big.Int) ([]interface{}, error) {
		require.Equal(t, bidderAddr, args[0].(common.Address))
		require.Equal(t, int64(3), args[1].(*big.Int).Int64())
		return []interface{}{big.NewInt(50)}, nil
	})
	backend.handle("allowance", func(args []interface{}, _ *big.Int) ([]interface{}, error) {
		require.Equal(t, bidderAddr, args[0].(common.Address))
		require.Equal(t, auctionAddr, args[1].(common.Address))
		return []interface{}{big.NewInt(5)}, nil
	})
	backend.handle("is_there_a_last_winning_round", func([]interface{}, *big.Int) ([]interface{}, error) {
		return []interface{}{true}, nil
	})
	backend.handle("get_round_duration", func([]interface{}, *big.Int) ([]interface{}, error) {
		return []interface{}{big.NewInt(300)}, nil
	})
	backend.handle("decimals", func([]interface{}, *big.Int) ([]interface{}, error) {
		return []interface{}{uint8(18)}, nil
	})
	contract, _ := newContract(t, backend, 1)
	ctx := context.Background()

	pending, err := contract.PendingReturns(ctx, bidderAddr, big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, int64(50), pending.Int64())

	allowance, err := contract.Allowance(ctx, bidderAddr)
	require.NoError(t, err)
	require.Equal(t, int64(5), allowance.Int64())

	has, err := contract.HasLastWinningRound(ctx)
	require.NoError(t, err)
	require.True(t, has)

	duration, err := contract.RoundDuration(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(300), duration)

	decimals, err := contract.Decimals(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(18), decimals)
}

func TestApproveSendsSignedDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 4
	contract, from := newContract(t, backend, 1)

	hash, err := contract.Approve(context.Background(), big.NewInt(20))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, tokenAddr, *tx.To())
	require.Equal(t, uint64(4), tx.Nonce())
	require.Equal(t, uint64(60_000), tx.Gas())
	require.Equal(t, big.NewInt(4_000_000_000), tx.GasFeeCap())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	require.Equal(t, from, sender)

	method, err := tokenABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "approve", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, auctionAddr, args[0].(common.Address))
	require.Equal(t, int64(20), args[1].(*big.Int).Int64())
}

func TestBidPacksSongAndFallsBackToLegacy(t *testing.T) {
	backend := newFakeBackend()
	backend.baseFee = nil
	contract, _ := newContract(t, backend, 1)
	song := auction.Song{Title: "t", Artist: "a", EmbedHash: common.HexToHash("0x01"), EmbedURL: "https://open.spotify.com/embed/track/x"}

	_, err := contract.Bid(context.Background(), big.NewInt(21), song)
	require.NoError(t, err)
	tx := backend.sent[0]
	require.Equal(t, uint8(gethtypes.LegacyTxType), tx.Type())
	require.Equal(t, auctionAddr, *tx.To())

	method, err := auctionABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "bid", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, int64(21), args[0].(*big.Int).Int64())
}

func TestConfirmWaitsForConfirmations(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 10
	backend.headStep = 1
	backend.misses = 2
	contract, _ := newContract(t, backend, 3)

	hash, err := contract.StartNewRound(context.Background())
	require.NoError(t, err)
	backend.mu.Lock()
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}
	backend.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, contract.Confirm(ctx, hash))
	require.GreaterOrEqual(t, backend.head, int64(14))
}

func TestConfirmTimesOut(t *testing.T) {
	backend := newFakeBackend()
	contract, _ := newContract(t, backend, 1)
	hash, err := contract.Withdraw(context.Background(), big.NewInt(3))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, contract.Confirm(ctx, hash), context.DeadlineExceeded)
	require.Zero(t, trackedTxs(contract))
}

func trackedTxs(c *Contract) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestAbandonedConfirmReleasesTrackedTx(t *testing.T) {
	backend := newFakeBackend()
	contract, _ := newContract(t, backend, 1)
	hash, err := contract.StartNewRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, trackedTxs(contract))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, contract.Confirm(ctx, hash), context.Canceled)
	require.Zero(t, trackedTxs(contract))
}

func TestStatusReleasesSettledTx(t *testing.T) {
	backend := newFakeBackend()
	contract, _ := newContract(t, backend, 1)
	hash, err := contract.Withdraw(context.Background(), big.NewInt(1))
	require.NoError(t, err)

	done, err := contract.Status(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, trackedTxs(contract))

	backend.mu.Lock()
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	backend.mu.Unlock()
	done, err = contract.Status(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, done)
	require.Zero(t, trackedTxs(contract))
}

func TestConfirmRecoversRevertReason(t *testing.T) {
	backend := newFakeBackend()
	contract, _ := newContract(t, backend, 1)
	hash, err := contract.Bid(context.Background(), big.NewInt(5), auction.Song{Title: "t", Artist: "a"})
	require.NoError(t, err)
	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}
	backend.handle("bid", func(_ []interface{}, block *big.Int) ([]interface{}, error) {
		require.Equal(t, int64(100), block.Int64())
		return nil, errors.New("execution reverted: auction: bid is too low")
	})

	err = contract.Confirm(context.Background(), hash)
	require.ErrorIs(t, err, ErrReverted)
	require.ErrorIs(t, auction.ClassifyRevert(err), auction.ErrBidTooLow)
}

func TestReadOnlyContract(t *testing.T) {
	contract, err := NewContract(context.Background(), newFakeBackend(), Config{Auction: auctionAddr, Token: tokenAddr})
	require.NoError(t, err)
	require.Nil(t, contract.Writer())
	require.Equal(t, common.Address{}, contract.Account())
	_, err = contract.Approve(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrNoSigner)

	_, err = NewContract(context.Background(), newFakeBackend(), Config{Token: tokenAddr})
	require.Error(t, err)
}
