// Package main is the entry point for the stagepool CLI.
// The CLI is the operator terminal tool for interacting with the stagepool API.
package main

import (
	"os"

	"stagepool/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
