package routes

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
	"songcoin/auction/bidding"
	"songcoin/auction/cache"
	"songcoin/auction/lifecycle"
	"songcoin/storage/journal"
)

type amountView struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

func (a *api) amount(value *big.Int) *amountView {
	if value == nil {
		return nil
	}
	return &amountView{Raw: value.String(), Display: auction.FormatAmount(value, a.cfg.Decimals)}
}

type roundResponse struct {
	Round               *auction.Round `json:"round"`
	View                lifecycle.View `json:"view"`
	HighestBid          *amountView    `json:"highest_bid"`
	MinimumBid          *amountView    `json:"minimum_bid"`
	IsInitial           bool           `json:"is_initial"`
	RoundDuration       uint64         `json:"round_duration_seconds"`
	LastWinningRound    *auction.Round `json:"last_winning_round,omitempty"`
	HasLastWinningRound bool           `json:"has_last_winning_round"`
	FetchedAt           time.Time      `json:"fetched_at"`
	Stale               bool           `json:"stale"`
	Error               string         `json:"error,omitempty"`
}

// snapshot returns loaded state, refreshing once when nothing is cached.
func (a *api) snapshot(r *http.Request) (cache.Snapshot, error) {
	snap := a.cfg.Cache.Snapshot()
	if snap.Ready() {
		return snap, nil
	}
	if err := a.cfg.Cache.Refresh(r.Context()); err != nil {
		return snap, err
	}
	snap = a.cfg.Cache.Snapshot()
	if !snap.Ready() {
		return snap, cache.ErrNotLoaded
	}
	return snap, nil
}

func (a *api) round(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	round := snap.Round.Clone()
	resp := roundResponse{
		Round:               &round,
		View:                lifecycle.Derive(round, time.Now()),
		HighestBid:          a.amount(round.Highest()),
		MinimumBid:          a.amount(round.MinimumBid()),
		IsInitial:           snap.IsInitial(),
		RoundDuration:       snap.RoundDuration,
		LastWinningRound:    snap.LastWinningRound,
		HasLastWinningRound: snap.HasLastWinningRound,
		FetchedAt:           snap.FetchedAt,
	}
	if view, err := a.cfg.Countdown.View(); err == nil {
		resp.View = view
	}
	if snap.Err != nil {
		resp.Stale = true
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type latestBid struct {
	Song         auction.Song `json:"song"`
	IsHighestBid bool         `json:"is_highest_bid"`
}

func (a *api) latestBids(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	out := make([]latestBid, 0, len(snap.LatestSongs))
	for _, song := range snap.LatestSongs {
		out = append(out, latestBid{Song: song, IsHighestBid: snap.Round.IsHighestBid(song)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": snap.Round.ID,
		"bids":     out,
	})
}

func (a *api) account(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Account == nil {
		writeJSON(w, http.StatusOK, map[string]any{"read_only": true})
		return
	}
	snap, err := a.snapshot(r)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"read_only": false,
		"address":   a.cfg.Account.Hex(),
		"allowance": a.amount(snap.Allowance),
		"balance":   a.amount(snap.Balance),
	})
}

type bidRequest struct {
	Amount string `json:"amount"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	// Embed is either an embed URL or the iframe snippet copied from the
	// streaming service.
	Embed string `json:"embed"`
}

func (a *api) placeBid(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Bidding == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	var body bidRequest
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := auction.ParseAmount(body.Amount, a.cfg.Decimals)
	if err != nil {
		writeError(w, err)
		return
	}
	song, err := auction.NewSong(body.Title, body.Artist, body.Embed, a.cfg.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.cfg.Bidding.Start(r.Context(), bidding.Request{Amount: amount, Song: song}); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("bid attempt started", "amount", amount.String(), "title", song.Title)
	writeJSON(w, http.StatusAccepted, a.cfg.Bidding.Status())
}

func (a *api) retryBid(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Bidding == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	if err := a.cfg.Bidding.StartRetry(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.cfg.Bidding.Status())
}

func (a *api) bidStatus(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Bidding == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Bidding.Status())
}

// bidCheck answers whether the submit action is enabled for an amount.
func (a *api) bidCheck(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := map[string]any{
		"minimum_bid": a.amount(snap.Round.MinimumBid()),
		"enabled":     false,
	}
	raw := r.URL.Query().Get("amount")
	if strings.TrimSpace(raw) == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	amount, err := auction.ParseAmount(raw, a.cfg.Decimals)
	if err != nil {
		writeError(w, err)
		return
	}
	resp["amount"] = a.amount(amount)
	if a.cfg.Bidding != nil {
		resp["enabled"] = a.cfg.Bidding.CanSubmit(amount)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) rolloverStatus(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Rollover == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Rollover.Status())
}

func (a *api) startRound(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Rollover == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	roundID, err := a.cfg.Rollover.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("round rollover started", "round", roundID.String())
	writeJSON(w, http.StatusAccepted, a.cfg.Rollover.Status())
}

const (
	defaultAttempts = 20
	maxAttempts     = 200
)

func (a *api) attempts(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Journal == nil {
		writeJSON(w, http.StatusOK, []journal.Entry{})
		return
	}
	limit := defaultAttempts
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAttempts)
	}
	entries, err := a.cfg.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// accountParam resolves the account of a refund read: the query string
// wins, then the signing account.
func (a *api) accountParam(r *http.Request) (common.Address, error) {
	if raw := strings.TrimSpace(r.URL.Query().Get("account")); raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, &auction.ValidationError{Field: "account", Message: "invalid address"}
		}
		return common.HexToAddress(raw), nil
	}
	if a.cfg.Account == nil {
		return common.Address{}, &auction.ValidationError{Field: "account", Message: "account is required in read-only mode"}
	}
	return *a.cfg.Account, nil
}
