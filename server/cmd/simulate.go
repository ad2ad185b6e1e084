package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.ntppool.org/common/logger"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/fleet"
)

type SelectCmd struct {
	engine.Config `embed:""`
	Source        `embed:""`

	Group  int64  `arg:"" help:"group to select from"`
	User   int64  `arg:"" help:"user id"`
	Rounds int    `default:"1" help:"number of selections to make"`
	Probe  bool   `help:"probe the fleet once before selecting"`
	Hint   string `help:"override the group's strategy hint"`

	Verbose bool `flag:"verbose" short:"v" help:"enable verbose debug logging"`
}

func (cmd *SelectCmd) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	if cmd.Verbose {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		ctx = logger.NewContext(ctx, log)
	}

	deps, err := cmd.deps(ctx)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cmd.Config, deps)
	if err != nil {
		return err
	}
	defer e.Close()

	if cmd.Probe {
		if err := e.Tick(ctx); err != nil {
			return err
		}
	}

	pick := func() (fleet.Node, error) {
		return e.SelectForGroup(ctx, cmd.Group, cmd.User)
	}
	if cmd.Hint != "" {
		g, err := deps.Groups.Group(ctx, cmd.Group)
		if err != nil {
			return err
		}
		var candidates []fleet.Node
		for _, id := range g.NodeIDs {
			n, err := deps.Directory.Node(ctx, id)
			if err != nil {
				return err
			}
			if n.Status == fleet.StatusConnected {
				candidates = append(candidates, n)
			}
		}
		pick = func() (fleet.Node, error) {
			return e.SelectNode(ctx, candidates, fleet.ParseHint(cmd.Hint), cmd.User)
		}
	}

	log.InfoContext(ctx, "simulating selection",
		"group", cmd.Group, "user", cmd.User, "devices", e.EstimateDevices(ctx, cmd.User))

	counts := map[int64]int{}
	for range max(cmd.Rounds, 1) {
		n, err := pick()
		if err != nil {
			return err
		}
		counts[n.ID]++
		if cmd.Rounds <= 1 {
			fmt.Printf("%d\t%s\t%s\n", n.ID, n.Name, n.Address)
			return nil
		}
	}
	for id, c := range counts {
		fmt.Printf("%d\t%d\n", id, c)
	}
	return nil
}
