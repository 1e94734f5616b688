// Package main is the entry point for the berth CLI.
//
// All functionality lives in internal/cli, which defines the cobra
// commands. Build-time variables (version, commit, date) are injected via
// ldflags during the release build and default to "dev", "none" and
// "unknown" in development builds.
package main

import (
	"github.com/mmr-tortoise/berth/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
