// Package main is the entry point for the askanna CLI.
// The CLI is the developer terminal tool for interacting with the AskAnna API.
package main

import (
	"askanna/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
