package main

import (
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"songcoin/auction"
	"songcoin/auction/lifecycle"
)

var printer = message.NewPrinter(language.English)

// displayAmount renders base units as grouped whole tokens, e.g. 1,234.5.
func displayAmount(amount *big.Int, decimals uint8) string {
	text := auction.FormatAmount(amount, decimals)
	whole, frac, _ := strings.Cut(text, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return text
	}
	out := printer.Sprintf("%d", n)
	if frac != "" {
		out += "." + frac
	}
	return out
}

func displayCountdown(view lifecycle.View) string {
	if view.HasEnded {
		return "ended"
	}
	if view.Days > 0 {
		return printer.Sprintf("%dd %02d:%02d:%02d left", view.Days, view.Hours, view.Minutes, view.Seconds)
	}
	return printer.Sprintf("%02d:%02d:%02d left", view.Hours, view.Minutes, view.Seconds)
}

func displaySong(song auction.Song) string {
	if song.IsZero() {
		return "-"
	}
	return song.Title + " by " + song.Artist
}
