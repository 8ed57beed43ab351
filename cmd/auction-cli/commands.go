package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
	"songcoin/auction/bidding"
	"songcoin/auction/cache"
	"songcoin/auction/lifecycle"
	"songcoin/auction/refunds"
	"songcoin/internal/passphrase"
	"songcoin/crypto"
)

type command struct {
	writes bool
	run    func(ctx context.Context, sess *session, args []string, out io.Writer) error
}

var commands = map[string]command{
	"status":    {run: runStatus},
	"bid":       {writes: true, run: runBid},
	"rollover":  {writes: true, run: runRollover},
	"claimable": {run: runClaimable},
	"claim":     {writes: true, run: runClaim},
	"attempts":  {run: runAttempts},
}

var cliNow = time.Now

// passphraseReader replaces the terminal prompt in tests.
var passphraseReader passphrase.ReadFunc

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func loadState(ctx context.Context, sess *session) (*cache.Cache, error) {
	opts := []cache.Option{cache.WithFetchTimeout(sess.cfg.Cache.FetchTimeout.Duration), cache.WithClock(cliNow)}
	if sess.writer != nil {
		opts = append(opts, cache.WithAccount(sess.writer.Account()))
	}
	state := cache.New(sess.reader, opts...)
	if err := state.Refresh(ctx); err != nil {
		return nil, err
	}
	return state, nil
}

func runStatus(ctx context.Context, sess *session, args []string, out io.Writer) error {
	if err := newFlagSet("status", out).Parse(args); err != nil {
		return err
	}
	state, err := loadState(ctx, sess)
	if err != nil {
		return err
	}
	snap := state.Snapshot()
	round := *snap.Round
	view := lifecycle.Derive(round, cliNow())

	fmt.Fprintf(out, "Round %s (%s)\n", round.ID, displayCountdown(view))
	fmt.Fprintf(out, "  ends at      %s\n", view.EndsAt.UTC().Format(time.RFC3339))
	if snap.IsInitial() {
		fmt.Fprintln(out, "  highest bid  none yet")
	} else {
		fmt.Fprintf(out, "  highest bid  %s by %s\n", displayAmount(round.Highest(), sess.decimals), round.HighestBidder.Hex())
		fmt.Fprintf(out, "  song         %s\n", displaySong(round.Song))
	}
	fmt.Fprintf(out, "  minimum bid  %s\n", displayAmount(round.MinimumBid(), sess.decimals))
	if len(snap.LatestSongs) > 0 {
		fmt.Fprintln(out, "Latest bids:")
		for _, song := range snap.LatestSongs {
			marker := ""
			if round.IsHighestBid(song) {
				marker = "  [highest]"
			}
			fmt.Fprintf(out, "  %s%s\n", displaySong(song), marker)
		}
	}
	if snap.HasLastWinningRound && snap.LastWinningRound != nil {
		last := snap.LastWinningRound
		fmt.Fprintf(out, "Last winner: round %s, %s for %s\n", last.ID, displaySong(last.Song), displayAmount(last.Highest(), sess.decimals))
	}
	if snap.Account != nil {
		fmt.Fprintf(out, "Account %s: balance %s, allowance %s\n",
			snap.Account.Hex(),
			displayAmount(snap.Balance, sess.decimals),
			displayAmount(snap.Allowance, sess.decimals))
	}
	return nil
}

func runBid(ctx context.Context, sess *session, args []string, out io.Writer) error {
	fs := newFlagSet("bid", out)
	var amountStr, title, artist, embed string
	fs.StringVar(&amountStr, "amount", "", "bid amount in whole tokens, e.g. 12.5")
	fs.StringVar(&title, "title", "", "song title")
	fs.StringVar(&artist, "artist", "", "song artist")
	fs.StringVar(&embed, "embed", "", "embed URL or iframe code of the track")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := auction.ParseAmount(amountStr, sess.decimals)
	if err != nil {
		return err
	}
	policy, err := auction.NewEmbedPolicy(sess.cfg.Embed.Patterns)
	if err != nil {
		return err
	}
	song, err := auction.NewSong(title, artist, embed, policy)
	if err != nil {
		return err
	}
	state, err := loadState(ctx, sess)
	if err != nil {
		return err
	}
	opts := []bidding.Option{
		bidding.WithObserver(func(evt bidding.Event) {
			line := string(evt.Kind)
			if evt.TxHash != "" {
				line += " " + evt.TxHash
			}
			if evt.Error != "" {
				line += ": " + evt.Error
			}
			fmt.Fprintln(out, line)
		}),
		bidding.WithClock(cliNow),
		bidding.WithAttemptTimeout(sess.cfg.Wallet.WaitTimeout.Duration),
	}
	if sess.store != nil {
		opts = append(opts, bidding.WithRecorder(sess.store))
	}
	coord := bidding.New(sess.reader, sess.writer, state, policy, opts...)
	status, err := coord.Submit(ctx, bidding.Request{Amount: amount, Song: song})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Bid of %s confirmed in %s\n", displayAmount(amount, sess.decimals), status.TxHash)
	return nil
}

func runRollover(ctx context.Context, sess *session, args []string, out io.Writer) error {
	if err := newFlagSet("rollover", out).Parse(args); err != nil {
		return err
	}
	state, err := loadState(ctx, sess)
	if err != nil {
		return err
	}
	opts := []lifecycle.RolloverOption{
		lifecycle.WithRolloverClock(cliNow),
		lifecycle.WithRolloverTimeout(sess.cfg.Wallet.WaitTimeout.Duration),
	}
	if sess.store != nil {
		opts = append(opts, lifecycle.WithRolloverRecorder(sess.store))
	}
	status, err := lifecycle.NewRollover(sess.writer, state, opts...).Submit(ctx)
	if err != nil {
		return err
	}
	next := state.Snapshot().Round
	fmt.Fprintf(out, "Round %s ended in %s; round %s started\n", status.RoundID, status.TxHash, next.ID)
	return nil
}

func refundFlow(sess *session) (*refunds.Flow, error) {
	opts := []refunds.Option{
		refunds.WithWindow(sess.cfg.Refunds.ScanWindow),
		refunds.WithCacheSize(sess.cfg.Refunds.CacheSize),
		refunds.WithClock(cliNow),
		refunds.WithTimeout(sess.cfg.Wallet.WaitTimeout.Duration),
	}
	if sess.store != nil {
		opts = append(opts, refunds.WithRecorder(sess.store))
	}
	return refunds.New(sess.reader, sess.writer, opts...)
}

func runClaimable(ctx context.Context, sess *session, args []string, out io.Writer) error {
	fs := newFlagSet("claimable", out)
	accountStr := fs.String("account", "", "account to scan (defaults to the wallet)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var account common.Address
	switch {
	case *accountStr != "":
		if !common.IsHexAddress(*accountStr) {
			return &auction.ValidationError{Field: "account", Message: "invalid address"}
		}
		account = common.HexToAddress(*accountStr)
	case sess.writer != nil:
		account = sess.writer.Account()
	default:
		return &auction.ValidationError{Field: "account", Message: "-account is required without a wallet"}
	}
	flow, err := refundFlow(sess)
	if err != nil {
		return err
	}
	entries, err := flow.Claimable(ctx, account)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "Nothing to claim for %s\n", account.Hex())
		return nil
	}
	for _, entry := range entries {
		fmt.Fprintf(out, "round %s: %s\n", entry.RoundID, displayAmount(entry.Amount, sess.decimals))
	}
	return nil
}

func runClaim(ctx context.Context, sess *session, args []string, out io.Writer) error {
	fs := newFlagSet("claim", out)
	roundStr := fs.String("round", "", "round id to withdraw from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	roundID, ok := new(big.Int).SetString(strings.TrimSpace(*roundStr), 10)
	if !ok {
		return &auction.ValidationError{Field: "round", Message: "-round must be a decimal integer"}
	}
	flow, err := refundFlow(sess)
	if err != nil {
		return err
	}
	status, err := flow.Claim(ctx, roundID)
	if err != nil {
		return err
	}
	remaining := status.Remaining
	if remaining == "" {
		remaining = "0"
	}
	fmt.Fprintf(out, "Claimed round %s in %s; remaining %s\n", roundID, status.TxHash, remaining)
	return nil
}

func runAttempts(ctx context.Context, sess *session, args []string, out io.Writer) error {
	fs := newFlagSet("attempts", out)
	limit := fs.Int("limit", 20, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sess.store == nil {
		return errors.New("journal not available")
	}
	entries, err := sess.store.Recent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%s  %-8s %-30s %-9s %s", entry.SubmittedAt.UTC().Format(time.RFC3339), entry.Flow, entry.Step, entry.Status, entry.TxHash.Hex())
		if entry.Error != "" {
			line += "  " + entry.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runKeystoreNew(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keystore-new", stderr)
	outPath := fs.String("out", "", "keystore file to write")
	passEnv := fs.String("passphrase-env", "SONGCOIN_KEYSTORE_PASSPHRASE", "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*outPath) == "" {
		fmt.Fprintln(stderr, "Error: -out is required")
		return 2
	}
	opts := []passphrase.Option{passphrase.Confirmed()}
	if passphraseReader != nil {
		opts = append(opts, passphrase.WithReader(passphraseReader))
	}
	pass, err := passphrase.NewSource(*passEnv, opts...).Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*outPath, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s for account %s\n", *outPath, key.Address().Hex())
	return 0
}
