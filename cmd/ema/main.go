package main

import (
	"os"

	"github.com/evermemory/ema/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
