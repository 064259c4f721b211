// Package main is the entry point for the pricewatch daemon.
package main

import (
	"os"

	"github.com/avasylenko/pricewatch/cmd/pricewatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
