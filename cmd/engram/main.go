package main

import (
	"os"

	"github.com/engramlabs/engram/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
