package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/fleet"
)

type ProbeCmd struct {
	engine.Config `embed:""`
	Source        `embed:""`

	Node []int64 `arg:"" optional:"" help:"node ids to check (default: every connected node)"`
}

func (cmd *ProbeCmd) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	ctx, span := tracing.Start(ctx, "probe-cmd")
	defer span.End()

	deps, err := cmd.deps(ctx)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cmd.Config, deps)
	if err != nil {
		return err
	}
	defer e.Close()

	if len(cmd.Node) == 0 {
		if err := e.Tick(ctx); err != nil {
			return err
		}
	}
	for _, id := range cmd.Node {
		ok, err := e.NodeStatusChanged(ctx, id, fleet.StatusConnected)
		if err != nil {
			return err
		}
		if !ok {
			log.WarnContext(ctx, "node was not checked", "nodeID", id)
		}
	}

	snap := e.Snapshot()
	ids := make([]int64, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tAVG MS\tSUCCESS %\tSAMPLES")
	for _, id := range ids {
		m := snap[id]
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", id, fmtPtr(m.AvgResponseTime), fmtPtr(m.SuccessRate), m.Samples)
	}
	return w.Flush()
}

func fmtPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
