package main

import (
	"os"

	"github.com/vnmchuo/token-ledger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
