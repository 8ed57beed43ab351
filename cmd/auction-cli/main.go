package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"songcoin/auction"
	"songcoin/internal/passphrase"
	"songcoin/config"
	"songcoin/crypto"
	"songcoin/evm"
	"songcoin/services/auctiond"
	"songcoin/storage/journal"
)

// session is everything a command needs to talk to the contracts.
type session struct {
	cfg      *config.Config
	reader   auction.ContractReader
	writer   auction.ContractWriter
	store    *journal.Store
	decimals uint8
	close    func()
}

// openSession is swapped out by tests.
var openSession = dialSession

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("auction-cli", flag.ContinueOnError)
	global.SetOutput(stderr)
	cfgPath := global.String("config", "songcoin.toml", "path to the songcoin config (TOML or YAML)")
	readOnly := global.Bool("read-only", false, "do not unlock the keystore")
	if err := global.Parse(args); err != nil {
		return 2
	}
	args = global.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 2
	}

	command, rest := args[0], args[1:]
	switch command {
	case "keystore-new":
		return runKeystoreNew(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 2
	}
	ctx := context.Background()
	sess, err := openSession(ctx, *cfgPath, *readOnly || !handler.writes)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()
	if handler.writes && sess.writer == nil {
		fmt.Fprintf(stderr, "Error: %v\n", auction.ErrNoAccount)
		return 1
	}
	if err := handler.run(ctx, sess, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage() string {
	return strings.TrimSpace(`
Usage: auction-cli [-config path] [-read-only] <command> [flags]

Commands:
  status                      show the current round, countdown and latest bids
  bid -amount -title -artist -embed
                              approve if needed and bid on the current round
  rollover                    end the finished round and start the next one
  claimable [-account addr]   list rounds with a pending return
  claim -round N              withdraw the pending return of round N
  attempts [-limit N]         show journaled transactions
  keystore-new -out path      generate a key and write it to a keystore file`)
}

func dialSession(ctx context.Context, path string, readOnly bool) (*session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var opts []evm.Option
	if !readOnly && !cfg.ReadOnly() {
		pass, err := passphrase.NewSource(cfg.Wallet.PassphraseEnv).Get()
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadFromKeystore(cfg.Wallet.KeystorePath, pass)
		if err != nil {
			return nil, fmt.Errorf("unlock keystore: %w", err)
		}
		signer, err := evm.NewKeySigner(key.PrivateKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, evm.WithSigner(signer))
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPC.DialTimeout.Duration)
	client, err := evm.Dial(dialCtx, cfg.RPC.URL)
	cancel()
	if err != nil {
		return nil, err
	}
	contract, err := evm.NewContract(ctx, client, auctiond.ContractConfig(cfg), append(opts, evm.WithLogger(logger))...)
	if err != nil {
		client.Close()
		return nil, err
	}
	decimals := cfg.Contracts.Decimals
	if read, err := contract.Decimals(ctx); err == nil {
		decimals = read
	}

	sess := &session{cfg: cfg, reader: contract, writer: contract.Writer(), decimals: decimals}
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sess.store = store
	sess.close = func() {
		_ = store.Close()
		client.Close()
	}
	return sess, nil
}
