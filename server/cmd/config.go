package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"

	"go.ntppool.org/common/logger"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/fleet"
	"go.fleetpanel.dev/engine/fleetdb"
)

// Source selects where nodes, groups, samples and events live: a YAML
// fleet file with in-memory storage, or the shared database.
type Source struct {
	FleetFile      string        `name:"fleet-file" type:"existingfile" env:"FLEET_FILE" help:"YAML fleet file, used instead of the database"`
	DatabaseURL    string        `name:"database-url" env:"DATABASE_URL" help:"PostgreSQL connection string"`
	DatabaseConfig string        `name:"database-config" env:"DATABASE_CONFIG" default:"database.yaml" help:"database config file, used when no URL is set"`
	DatabaseWait   time.Duration `name:"database-wait" default:"30s" help:"how long to wait for the database at startup"`
}

type poolCloser struct{ *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.Pool.Close()
	return nil
}

// closeAll closes every closer, in order, and collects their errors.
func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// newEngine builds the engine, which then owns the closers in deps.
// They are closed here if it cannot be built.
func newEngine(ctx context.Context, cfg engine.Config, deps engine.Deps) (*engine.Engine, error) {
	e, err := engine.New(ctx, cfg, deps)
	if err != nil {
		return nil, multierr.Append(err, closeAll(deps.Closers))
	}
	return e, nil
}

func (s *Source) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if s.DatabaseURL != "" {
		return fleetdb.OpenURL(ctx, s.DatabaseURL, s.DatabaseWait)
	}
	if s.DatabaseConfig == "" {
		return nil, errors.New("no fleet file or database configured")
	}
	return fleetdb.OpenDB(ctx, s.DatabaseConfig)
}

// deps opens the configured source. The returned closers release it.
func (s *Source) deps(ctx context.Context) (engine.Deps, error) {
	log := logger.FromContext(ctx)

	if s.FleetFile != "" {
		reg, err := fleet.LoadFile(s.FleetFile)
		if err != nil {
			return engine.Deps{}, err
		}
		log.InfoContext(ctx, "using fleet file", "path", s.FleetFile)
		return engine.Deps{Directory: reg, Groups: reg}, nil
	}

	pool, err := s.openPool(ctx)
	if err != nil {
		return engine.Deps{}, fmt.Errorf("opening database: %w", err)
	}
	store := fleetdb.NewStore(pool)
	log.InfoContext(ctx, "using database")

	return engine.Deps{
		Directory: store,
		Groups:    store,
		Persister: store,
		Events:    store,
		Closers:   []io.Closer{poolCloser{pool}},
	}, nil
}
