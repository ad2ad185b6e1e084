package engine

import (
	"errors"
	"fmt"
	"time"

	"go.fleetpanel.dev/engine/prober"
	"go.fleetpanel.dev/engine/scorer"
	"go.fleetpanel.dev/engine/tracker"
)

// Config holds the tunables of the engine. The struct tags let it be
// embedded directly in a kong command.
type Config struct {
	ProbeInterval    time.Duration `default:"300s" help:"Time between health probe rounds" env:"FLEET_PROBE_INTERVAL"`
	ProbeTimeout     time.Duration `default:"10s" help:"Timeout of a single health probe" env:"FLEET_PROBE_TIMEOUT"`
	ProbeBackoff     time.Duration `default:"60s" help:"Wait after a failed probe round" env:"FLEET_PROBE_BACKOFF"`
	ProbeConcurrency int           `default:"0" help:"Optional cap on probes in flight; 0 probes every node at once so a hung node delays only itself" env:"FLEET_PROBE_CONCURRENCY"`
	LeaderRetry      time.Duration `default:"5s" help:"How often a non-elected instance checks for leadership" env:"FLEET_LEADER_RETRY"`

	SampleRetention time.Duration `default:"168h" help:"How long performance samples are kept" env:"FLEET_SAMPLE_RETENTION"`
	EventRetention  time.Duration `default:"720h" help:"How long connection events are kept" env:"FLEET_EVENT_RETENTION"`
	IndexMaxAge     time.Duration `default:"24h" help:"Age after which access index entries are dropped" env:"FLEET_INDEX_MAX_AGE"`
	PruneInterval   time.Duration `default:"24h" help:"Time between retention runs" env:"FLEET_PRUNE_INTERVAL"`

	DeviceWindow time.Duration `default:"24h" help:"Look-back window for device estimation" env:"FLEET_DEVICE_WINDOW"`
	IndexSize    int           `default:"10000" help:"Capacity of the recent access index" env:"FLEET_INDEX_SIZE"`
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:   prober.DefaultInterval,
		ProbeTimeout:    prober.DefaultTimeout,
		ProbeBackoff:    prober.DefaultErrorBackoff,
		LeaderRetry:     prober.DefaultLeaderRetry,
		SampleRetention: scorer.DefaultWindow,
		EventRetention:  scorer.DefaultEventRetention,
		IndexMaxAge:     tracker.DefaultStaleAge,
		PruneInterval:   scorer.DefaultPruneInterval,
		DeviceWindow:    tracker.DefaultDeviceWindow,
		IndexSize:       tracker.DefaultIndexSize,
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("probe interval", c.ProbeInterval)
	positive("probe timeout", c.ProbeTimeout)
	positive("probe backoff", c.ProbeBackoff)
	positive("leader retry", c.LeaderRetry)
	positive("sample retention", c.SampleRetention)
	positive("event retention", c.EventRetention)
	positive("index max age", c.IndexMaxAge)
	positive("prune interval", c.PruneInterval)
	positive("device window", c.DeviceWindow)

	if c.ProbeTimeout > c.ProbeInterval {
		errs = append(errs, fmt.Errorf("probe timeout %s exceeds probe interval %s", c.ProbeTimeout, c.ProbeInterval))
	}
	if c.ProbeConcurrency < 0 {
		errs = append(errs, fmt.Errorf("probe concurrency must not be negative, got %d", c.ProbeConcurrency))
	}
	if c.IndexSize <= 0 {
		errs = append(errs, fmt.Errorf("index size must be positive, got %d", c.IndexSize))
	}
	return errors.Join(errs...)
}
