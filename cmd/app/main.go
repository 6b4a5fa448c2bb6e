// Command app is the ledgerops orchestrator process: it serves the
// MINT/TRANSFER/BURN HTTP surface of spec §6, drives accepted operations
// to completion, and runs the background validation poller.
package main

import (
	"fmt"
	"os"

	"github.com/tokenforge/ledgerops/internal/bootstrap"
)

func main() {
	service, err := bootstrap.InitServers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize ledgerops: %v\n", err)
		os.Exit(1)
	}

	service.Run()
}
