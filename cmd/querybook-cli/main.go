// Package main is the entry point for the querybook-cli binary.
package main

import (
	"os"

	"querybook/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
