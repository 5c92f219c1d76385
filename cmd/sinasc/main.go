// Package main provides the sinasc CLI entry point.
package main

import (
	"os"

	"github.com/saudedata-br/sinasc-pipeline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
