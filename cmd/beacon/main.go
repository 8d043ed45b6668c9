package main

import (
	"fmt"
	"os"

	"beacon/cmd/internal/app"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "beacon: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig is swapped in tests.
var loadConfig = app.LoadConfig
