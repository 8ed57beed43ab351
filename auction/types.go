package auction

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NoBidder is the highest_bidder value of a round that has not received a bid.
var NoBidder = common.Address{}

// MaxLatestSongs is the size of the contract's latest bidded songs window.
const MaxLatestSongs = 3

// Song is the media record attached to a bid.
type Song struct {
	Title     string      `json:"title"`
	Artist    string      `json:"artist"`
	EmbedHash common.Hash `json:"iframe_hash"`
	EmbedURL  string      `json:"iframe_url"`
}

// IsZero reports whether the song slot is unused.
func (s Song) IsZero() bool {
	return s.Title == "" && s.Artist == "" && s.EmbedURL == "" && s.EmbedHash == (common.Hash{})
}

// Round mirrors the auction contract's round struct.
type Round struct {
	ID            *big.Int       `json:"id"`
	HighestBidder common.Address `json:"highest_bidder"`
	HighestBid    *big.Int       `json:"highest_bid"`
	Ended         bool           `json:"ended"`
	StartTime     int64          `json:"start_time"`
	EndTime       int64          `json:"end_time"`
	Song          Song           `json:"song"`
}

// HasBid reports whether someone has bid in the round.
func (r Round) HasBid() bool {
	return r.HighestBidder != NoBidder
}

// Highest returns the highest bid, treating a missing value as zero.
func (r Round) Highest() *big.Int {
	if r.HighestBid == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.HighestBid)
}

// MinimumBid is the smallest amount the contract accepts for the round.
func (r Round) MinimumBid() *big.Int {
	return new(big.Int).Add(r.Highest(), big.NewInt(1))
}

// EndsAt returns the round deadline.
func (r Round) EndsAt() time.Time {
	return time.Unix(r.EndTime, 0)
}

// IsHighestBid reports whether song is the round's current winning song.
func (r Round) IsHighestBid(song Song) bool {
	if !r.HasBid() {
		return false
	}
	return song.Title == r.Song.Title && song.Artist == r.Song.Artist && song.EmbedURL == r.Song.EmbedURL
}

// Clone returns a deep copy of the round.
func (r Round) Clone() Round {
	out := r
	if r.ID != nil {
		out.ID = new(big.Int).Set(r.ID)
	}
	if r.HighestBid != nil {
		out.HighestBid = new(big.Int).Set(r.HighestBid)
	}
	return out
}

// SameRound reports whether a and b carry the same round id.
func SameRound(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
