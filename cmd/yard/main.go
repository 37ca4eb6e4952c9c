package main

import (
	"os"

	"github.com/agentyard/yard/cmd/yard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
