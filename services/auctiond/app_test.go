package auctiond

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"songcoin/auction"
	"songcoin/auction/auctiontest"
	"songcoin/internal/passphrase"
	"songcoin/config"
	"songcoin/storage/journal"
)

var me = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Contracts.Auction = "0x00000000000000000000000000000000000000c1"
	cfg.Contracts.Token = "0x00000000000000000000000000000000000000c2"
	config.ApplyDefaults(cfg)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonPost(path string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type stubChecker struct{ done bool }

func (s stubChecker) Status(context.Context, common.Hash) (bool, error) { return s.done, nil }

func TestAppServesRoundAfterRefresh(t *testing.T) {
	chain := auctiontest.NewChain(me, nil)
	chain.SetRound(auction.Round{ID: big.NewInt(4), HighestBid: new(big.Int), StartTime: 1, EndTime: time.Now().Unix() + 60})
	store, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a, err := newApp(testConfig(), deps{reader: chain, writer: chain, checker: stubChecker{}, store: store, decimals: 0}, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, a.reconciler)
	require.NoError(t, a.cache.Refresh(context.Background()))

	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/round", nil))
	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		Round struct {
			ID *big.Int `json:"id"`
		} `json:"round"`
		IsInitial bool `json:"is_initial"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Equal(t, int64(4), body.Round.ID.Int64())
	require.True(t, body.IsInitial)

	res = httptest.NewRecorder()
	a.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/account", nil))
	require.Contains(t, res.Body.String(), me.Hex())
}

func TestAppReadOnlyHasNoWriteWorkflows(t *testing.T) {
	chain := auctiontest.NewChain(me, nil)
	a, err := newApp(testConfig(), deps{reader: chain}, quietLogger())
	require.NoError(t, err)
	require.Nil(t, a.reconciler)

	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, jsonPost("/v1/rounds/next"))
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestAppRequiresTokenWhenSecretConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.API.JWTSecret = "s3cret"
	chain := auctiontest.NewChain(me, nil)
	a, err := newApp(cfg, deps{reader: chain, writer: chain}, quietLogger())
	require.NoError(t, err)

	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, jsonPost("/v1/rounds/next"))
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestContractConfigMapsWallet(t *testing.T) {
	cfg := testConfig()
	cfg.RPC.ChainID = 11155111
	cfg.Wallet.Confirmations = 3
	out := ContractConfig(cfg)
	require.Equal(t, cfg.AuctionAddress(), out.Auction)
	require.Equal(t, cfg.TokenAddress(), out.Token)
	require.Equal(t, uint64(3), out.Confirmations)
	require.Equal(t, int64(11155111), out.ChainID.Int64())

	cfg.RPC.ChainID = 0
	require.Nil(t, ContractConfig(cfg).ChainID)
}

func TestLoadSignerReadOnlyAndBadPassphrase(t *testing.T) {
	cfg := testConfig()
	signer, err := loadSigner(cfg, passphrase.Static("unused"), quietLogger())
	require.NoError(t, err)
	require.Nil(t, signer)

	cfg.Wallet.KeystorePath = "/nonexistent/wallet.keystore"
	_, err = loadSigner(cfg, passphrase.Static("pw"), quietLogger())
	require.Error(t, err)
}

type fixedDecimals struct {
	value uint8
	err   error
}

func (f fixedDecimals) Decimals(context.Context) (uint8, error) { return f.value, f.err }

func TestResolveDecimals(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, uint8(6), resolveDecimals(ctx, fixedDecimals{value: 6}, 18, quietLogger()))
	require.Equal(t, uint8(18), resolveDecimals(ctx, fixedDecimals{err: errors.New("boom")}, 18, quietLogger()))
}

func TestAppDefaultConfigRejectsCrossOriginWrites(t *testing.T) {
	chain := auctiontest.NewChain(me, nil)
	chain.SetPending(me, 0, 25)
	a, err := newApp(testConfig(), deps{reader: chain, writer: chain}, quietLogger())
	require.NoError(t, err)

	req := jsonPost("/v1/refunds/0/claim")
	req.Header.Set("Origin", "https://evil.example")
	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
	require.Zero(t, chain.CountPrefix("submit:"))
}
