package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/MakeNowJust/heredoc"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.ntppool.org/common/health"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"

	"go.fleetpanel.dev/engine"
	"go.fleetpanel.dev/engine/election"
	"go.fleetpanel.dev/engine/server"
)

type ServerCmd struct {
	engine.Config `embed:""`
	Source        `embed:""`

	Listen      string `default:":8000" env:"FLEET_LISTEN" help:"API listen address"`
	MetricsPort int    `default:"9000" name:"metrics-port" help:"metrics server port"`
	HealthPort  int    `default:"8080" name:"health-port" help:"health check port"`

	Etcd []string `name:"etcd" env:"FLEET_ETCD_ENDPOINTS" sep:"," help:"etcd endpoints; when set only the elected instance probes"`

	ElectionPrefix string `name:"election-prefix" default:"/fleet-engine/prober" help:"etcd key prefix for the prober election"`
	ElectionTTL    int    `name:"election-ttl" default:"15" help:"election session TTL in seconds"`
	InstanceID     string `name:"instance-id" env:"FLEET_INSTANCE_ID" help:"name of this instance in the election (default: hostname)"`
}

func (cmd *ServerCmd) Help() string {
	return heredoc.Doc(`
		Runs the health prober, the retention job and the HTTP API.

		Nodes and groups come from --fleet-file or from the database.
		With several instances sharing a database, pass --etcd so only
		one of them probes the fleet; all of them serve selections.
	`)
}

func (cmd *ServerCmd) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "fleet-engine starting", "version", version.Version())

	metricssrv := metricsserver.New()
	version.RegisterMetric("fleet_engine", metricssrv.Registry())
	go func() {
		if err := metricssrv.ListenAndServe(ctx, cmd.MetricsPort); err != nil {
			log.ErrorContext(ctx, "metrics server error", "err", err)
		}
	}()

	go health.HealthCheckListener(ctx, cmd.HealthPort, log)

	deps, err := cmd.deps(ctx)
	if err != nil {
		return err
	}
	deps.Registry = metricssrv.Registry()

	e, err := cmd.newEngine(ctx, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.WarnContext(ctx, "shutdown", "err", err)
		}
	}()

	srv := server.New(log, e, deps.Directory)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx, cmd.Listen) })

	err = g.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.ErrorContext(ctx, "server error", "err", err)
		return err
	}
	return nil
}

// newEngine adds leader election to deps when etcd is configured and
// builds the engine, which then owns the closers. They are closed here
// if either step fails.
func (cmd *ServerCmd) newEngine(ctx context.Context, deps engine.Deps) (*engine.Engine, error) {
	if len(cmd.Etcd) > 0 {
		elector, client, err := cmd.elector(ctx)
		if err != nil {
			return nil, multierr.Append(err, closeAll(deps.Closers))
		}
		deps.Closers = append(deps.Closers, client)
		deps.Elector = elector
	}
	return newEngine(ctx, cmd.Config, deps)
}

func (cmd *ServerCmd) elector(ctx context.Context) (*election.Elector, io.Closer, error) {
	id := cmd.InstanceID
	if id == "" {
		var err error
		if id, err = os.Hostname(); err != nil {
			return nil, nil, fmt.Errorf("instance id: %w", err)
		}
	}
	client, err := election.Dial(cmd.Etcd)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	elector, err := election.New(client, cmd.ElectionPrefix, id, cmd.ElectionTTL, logger.FromContext(ctx))
	if err != nil {
		return nil, nil, multierr.Append(err, client.Close())
	}
	return elector, client, nil
}
