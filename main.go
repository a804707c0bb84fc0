package main

import (
	"os"

	"github.com/mkallio/fanout/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
