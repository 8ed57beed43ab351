// Package evm implements the auction contract reader and writer over an
// Ethereum JSON-RPC endpoint.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"songcoin/auction"
)

// Backend is the subset of the Ethereum RPC used by the contract binding.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects to endpoint with an instrumented HTTP transport.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	client, err := rpc.DialOptions(ctx, trimmed, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial evm: %w", err)
	}
	return ethclient.NewClient(client), nil
}

// Config binds the contract addresses and transaction policy.
type Config struct {
	Auction       common.Address
	Token         common.Address
	ChainID       *big.Int
	Confirmations uint64
	PollInterval  time.Duration
	// GasMultiplier scales estimated gas, in percent.
	GasMultiplier uint64
}

// Contract reads and writes the auction and token contracts. Writes are only
// available when a signer is configured.
type Contract struct {
	backend Backend
	cfg     Config
	signer  Signer
	logger  *slog.Logger

	sendMu sync.Mutex

	mu   sync.Mutex
	sent map[common.Hash]ethereum.CallMsg
}

// Option customises a Contract.
type Option func(*Contract)

// WithSigner enables writes from the signer's account.
func WithSigner(signer Signer) Option {
	return func(c *Contract) { c.signer = signer }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Contract) { c.logger = logger }
}

// NewContract binds the contracts at the configured addresses. When the
// chain id is unset it is read from the backend.
func NewContract(ctx context.Context, backend Backend, cfg Config, opts ...Option) (*Contract, error) {
	if backend == nil {
		return nil, errors.New("evm: backend required")
	}
	if cfg.Auction == (common.Address{}) {
		return nil, errors.New("evm: auction address required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, errors.New("evm: token address required")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasMultiplier < 100 {
		cfg.GasMultiplier = 120
	}
	c := &Contract{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		sent:    make(map[common.Hash]ethereum.CallMsg),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.ChainID == nil && c.signer != nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm: chain id: %w", err)
		}
		c.cfg.ChainID = id
	}
	return c, nil
}

// Writer returns the contract as an auction.ContractWriter, or nil when no
// signer is configured.
func (c *Contract) Writer() auction.ContractWriter {
	if c.signer == nil {
		return nil
	}
	return c
}

var (
	_ auction.ContractReader = (*Contract)(nil)
	_ auction.ContractWriter = (*Contract)(nil)
)
