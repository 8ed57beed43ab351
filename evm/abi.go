package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"songcoin/auction"
)

const songComponents = `[
	{"name":"title","type":"string"},
	{"name":"artist","type":"string"},
	{"name":"iframe_hash","type":"bytes32"},
	{"name":"iframe_url","type":"string"}
]`

const roundComponents = `[
	{"name":"id","type":"uint256"},
	{"name":"highest_bidder","type":"address"},
	{"name":"highest_bid","type":"uint256"},
	{"name":"ended","type":"bool"},
	{"name":"start_time","type":"uint256"},
	{"name":"end_time","type":"uint256"},
	{"name":"song","type":"tuple","components":` + songComponents + `}
]`

// AuctionABIJSON is the consumed surface of the auction contract.
const AuctionABIJSON = `[
	{"type":"function","name":"get_current_round","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"tuple","components":` + roundComponents + `}]},
	{"type":"function","name":"get_current_round_id","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"get_current_round_highest_bid","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"last_winning_round","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"tuple","components":` + roundComponents + `}]},
	{"type":"function","name":"is_there_a_last_winning_round","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"get_latests_bidded_songs","stateMutability":"view",
	 "inputs":[{"name":"_round_id","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple[3]","components":` + songComponents + `}]},
	{"type":"function","name":"get_round_duration","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pending_returns","stateMutability":"view",
	 "inputs":[{"name":"arg0","type":"address"},{"name":"arg1","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"bid","stateMutability":"nonpayable",
	 "inputs":[{"name":"_amount","type":"uint256"},{"name":"_song","type":"tuple","components":` + songComponents + `}],
	 "outputs":[]},
	{"type":"function","name":"end_round_and_start_new_round","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"_round","type":"uint256"}],"outputs":[]}
]`

// TokenABIJSON is the consumed surface of the ERC-20 token.
const TokenABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	auctionABI = mustParse(AuctionABIJSON)
	tokenABI   = mustParse(TokenABIJSON)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: invalid abi: " + err.Error())
	}
	return parsed
}

// songTuple mirrors the Song struct as decoded by the abi package.
type songTuple struct {
	Title      string
	Artist     string
	IframeHash [32]byte
	IframeUrl  string
}

type roundTuple struct {
	Id            *big.Int
	HighestBidder common.Address
	HighestBid    *big.Int
	Ended         bool
	StartTime     *big.Int
	EndTime       *big.Int
	Song          songTuple
}

func (s songTuple) song() auction.Song {
	return auction.Song{
		Title:     s.Title,
		Artist:    s.Artist,
		EmbedHash: common.Hash(s.IframeHash),
		EmbedURL:  s.IframeUrl,
	}
}

func tupleOf(song auction.Song) songTuple {
	return songTuple{
		Title:      song.Title,
		Artist:     song.Artist,
		IframeHash: song.EmbedHash,
		IframeUrl:  song.EmbedURL,
	}
}

func (r roundTuple) round() auction.Round {
	return auction.Round{
		ID:            bigOrZero(r.Id),
		HighestBidder: r.HighestBidder,
		HighestBid:    bigOrZero(r.HighestBid),
		Ended:         r.Ended,
		StartTime:     bigOrZero(r.StartTime).Int64(),
		EndTime:       bigOrZero(r.EndTime).Int64(),
		Song:          r.Song.song(),
	}
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
