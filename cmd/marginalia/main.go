// Package main provides the entry point for the marginalia CLI.
package main

import (
	"os"

	"github.com/wgilpin/marginalia/cmd/marginalia/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
