package main

import (
	"log"

	"songcoin/services/auctiond"
)

func main() {
	if err := auctiond.Main(); err != nil {
		log.Fatalf("auctiond: %v", err)
	}
}
