package main

// ============================================================================
// memegen entry point: builds the CLI and runs the requested command.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/memegen-pipeline/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
