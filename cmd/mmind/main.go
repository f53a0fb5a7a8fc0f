// Package main provides the entry point for the mmind CLI.
package main

import (
	"os"

	"github.com/modularmind/modularmind/cmd/mmind/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
