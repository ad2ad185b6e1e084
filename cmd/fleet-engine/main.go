package main

import (
	basecmd "go.fleetpanel.dev/engine/cmd"
	"go.fleetpanel.dev/engine/server/cmd"
)

func main() {
	basecmd.Run(&cmd.CLI{}, "fleet-engine", "Node health tracking and selection for a proxy fleet")
}
