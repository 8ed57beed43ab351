// Package auctiond runs the songcoin auction daemon: it holds the wallet,
// keeps the auction state warm and serves the workflows over HTTP.
package auctiond

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"songcoin/internal/passphrase"
	"songcoin/config"
	"songcoin/crypto"
	"songcoin/evm"
	"songcoin/observability"
	"songcoin/observability/logging"
	telemetry "songcoin/observability/otel"
	"songcoin/storage/journal"
)

// Main runs the daemon using the provided command line flags.
func Main() error {
	var cfgPath, level string
	flag.StringVar(&cfgPath, "config", "songcoin.toml", "path to the auctiond config (TOML or YAML)")
	flag.StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SONGCOIN_ENV"))
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger, logCloser := logging.Setup("auctiond", env, logOpts...)
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("auctiond", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := loadSigner(cfg, passphrase.NewSource(cfg.Wallet.PassphraseEnv), logger)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(stopCtx, cfg.RPC.DialTimeout.Duration)
	client, err := evm.Dial(dialCtx, cfg.RPC.URL)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	contract, err := evm.NewContract(stopCtx, client, ContractConfig(cfg), contractOptions(signer, logger)...)
	if err != nil {
		return err
	}
	decimals := resolveDecimals(stopCtx, contract, cfg.Contracts.Decimals, logger)

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = store.Close() }()
	store.SetLogger(logger.With("component", "journal"))

	a, err := newApp(cfg, deps{
		reader:   contract,
		writer:   contract.Writer(),
		checker:  contract,
		store:    store,
		decimals: decimals,
		metrics:  observability.Auction(),
	}, logger)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	return a.run(stopCtx)
}

// ContractConfig maps the config file onto the contract binding.
func ContractConfig(cfg *config.Config) evm.Config {
	out := evm.Config{
		Auction:       cfg.AuctionAddress(),
		Token:         cfg.TokenAddress(),
		Confirmations: cfg.Wallet.Confirmations,
		PollInterval:  cfg.Wallet.PollInterval.Duration,
		GasMultiplier: cfg.Wallet.GasMultiplier,
	}
	if cfg.RPC.ChainID != 0 {
		out.ChainID = new(big.Int).SetUint64(cfg.RPC.ChainID)
	}
	return out
}

func contractOptions(signer evm.Signer, logger *slog.Logger) []evm.Option {
	opts := []evm.Option{evm.WithLogger(logger.With("component", "evm"))}
	if signer != nil {
		opts = append(opts, evm.WithSigner(signer))
	}
	return opts
}

// loadSigner unlocks the configured keystore. It returns nil without a
// keystore, which runs the daemon read-only.
func loadSigner(cfg *config.Config, source *passphrase.Source, logger *slog.Logger) (evm.Signer, error) {
	if cfg.ReadOnly() {
		logger.Warn("no keystore configured; running read-only")
		return nil, nil
	}
	pass, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("keystore passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.Wallet.KeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	signer, err := evm.NewKeySigner(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	logger.Info("wallet unlocked",
		"account", signer.Address().Hex(),
		logging.MaskField("keystore", cfg.Wallet.KeystorePath))
	return signer, nil
}

type decimalsReader interface {
	Decimals(ctx context.Context) (uint8, error)
}

// resolveDecimals prefers the token's own decimals over the configured
// value.
func resolveDecimals(ctx context.Context, token decimalsReader, configured uint8, logger *slog.Logger) uint8 {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	decimals, err := token.Decimals(readCtx)
	if err != nil {
		logger.Warn("token decimals unavailable; using configured value", "decimals", configured, "error", err)
		return configured
	}
	if decimals != configured {
		logger.Info("token decimals differ from config", "configured", configured, "token", decimals)
	}
	return decimals
}
