// Package main is the entry point for hotmonkey.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/hotmonkey/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
