package cmd

import (
	"context"

	"go.ntppool.org/common/logger"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/fleetdb"
)

type PruneCmd struct {
	engine.Config `embed:""`
	Source        `embed:""`
}

func (cmd *PruneCmd) Run(ctx context.Context) error {
	deps, err := cmd.deps(ctx)
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cmd.Config, deps)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.Prune(ctx)
}

type MigrateCmd struct {
	Source `embed:""`
}

func (cmd *MigrateCmd) Run(ctx context.Context) error {
	pool, err := cmd.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := fleetdb.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "schema up to date")
	return nil
}
