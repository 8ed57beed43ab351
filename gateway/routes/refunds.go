package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"songcoin/auction"
	"songcoin/auction/refunds"
)

type refundEntry struct {
	RoundID string               `json:"round_id"`
	Amount  *amountView          `json:"amount"`
	Claim   *refunds.ClaimStatus `json:"claim,omitempty"`
}

func (a *api) claimable(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Refunds == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	account, err := a.accountParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := a.cfg.Refunds.Claimable(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]refundEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, refundEntry{RoundID: entry.RoundID.String(), Amount: a.amount(entry.Amount)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account.Hex(),
		"refunds": out,
	})
}

func (a *api) refund(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Refunds == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	roundID, err := parseRound(chi.URLParam(r, "round"))
	if err != nil {
		writeError(w, err)
		return
	}
	account, err := a.accountParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := a.cfg.Refunds.Pending(r.Context(), account, roundID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := refundEntry{RoundID: entry.RoundID.String(), Amount: a.amount(entry.Amount)}
	if a.cfg.Account != nil && *a.cfg.Account == account {
		status := a.cfg.Refunds.Status(roundID)
		resp.Claim = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) claim(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Refunds == nil {
		writeError(w, auction.ErrNoAccount)
		return
	}
	roundID, err := parseRound(chi.URLParam(r, "round"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.cfg.Refunds.StartClaim(r.Context(), roundID); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info("refund claim started", "round", roundID.String())
	writeJSON(w, http.StatusAccepted, a.cfg.Refunds.Status(roundID))
}
