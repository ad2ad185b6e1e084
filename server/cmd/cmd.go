// Package cmd implements the fleet-engine command line.
package cmd

import (
	"go.ntppool.org/common/logger"

	"go.fleetpanel.dev/engine/version"
)

func init() {
	logger.ConfigPrefix = "FLEET"
}

// CLI is the root command.
type CLI struct {
	Server  ServerCmd   `cmd:"" help:"run the engine with its HTTP API"`
	Probe   ProbeCmd    `cmd:"" help:"probe every connected node once and print the results"`
	Select  SelectCmd   `cmd:"" help:"simulate node selection for a user"`
	Prune   PruneCmd    `cmd:"" help:"run the retention job once"`
	Migrate MigrateCmd  `cmd:"" help:"create the database schema"`
	Version version.Cmd `cmd:"" help:"print version and build information"`
}
