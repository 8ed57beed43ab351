// Package lifecycle derives the countdown of the current round and runs the
// "start new round" action once it has ended.
package lifecycle

import (
	"math/big"
	"time"

	"songcoin/auction"
)

// View is the time-derived state of a round.
type View struct {
	RoundID       *big.Int      `json:"round_id"`
	IsInitial     bool          `json:"is_initial"`
	HasEnded      bool          `json:"has_ended"`
	EndsAt        time.Time     `json:"ends_at"`
	TimeRemaining time.Duration `json:"-"`
	Remaining     int64         `json:"remaining_seconds"`
	Days          int64         `json:"days"`
	Hours         int64         `json:"hours"`
	Minutes       int64         `json:"minutes"`
	Seconds       int64         `json:"seconds"`
}

// Derive computes the view of round at now. A round has ended once now
// reaches its end time; the remaining time never goes negative.
func Derive(round auction.Round, now time.Time) View {
	ends := round.EndsAt()
	remaining := ends.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	total := int64(remaining / time.Second)
	v := View{
		IsInitial:     !round.HasBid(),
		HasEnded:      !now.Before(ends),
		EndsAt:        ends,
		TimeRemaining: remaining,
		Remaining:     total,
		Days:          total / 86400,
		Hours:         total % 86400 / 3600,
		Minutes:       total % 3600 / 60,
		Seconds:       total % 60,
	}
	if round.ID != nil {
		v.RoundID = new(big.Int).Set(round.ID)
	}
	return v
}
