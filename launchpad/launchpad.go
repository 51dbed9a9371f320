// Package launchpad assembles and runs services from a YAML configuration:
// a registry of service kinds, a shared loop that drives every configured
// instance once per cycle, and the surrounding daemon wiring (cron jobs,
// observability gateway, journal, telemetry, privilege downgrade).
package launchpad

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/infraguys/gcl-looper/loop"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// Logger is the base logger; instances get child loggers. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Observer receives pass notifications from the shared loop. Optional.
	Observer loop.Observer
}

type instance struct {
	name string
	it   loop.Iterator
}

// Launchpad drives every configured service instance in a single shared
// loop: one pass of the launchpad performs one iteration of each instance,
// in configuration order. It implements loop.Service and loop.Inspector.
type Launchpad struct {
	runner    *loop.Runner
	instances []instance
	log       *slog.Logger
}

// Build instantiates every configured service through the registry and
// wires them into one runner with the configured timing. The config must
// already be validated.
func Build(cfg *Config, opts BuildOptions) (*Launchpad, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	lp := &Launchpad{
		log: opts.Logger.With("component", "launchpad"),
	}

	for _, svc := range cfg.Services {
		factory, ok := Lookup(svc.Kind)
		if !ok {
			return nil, fmt.Errorf("launchpad: unknown service kind %q", svc.Kind)
		}

		count := svc.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			name := svc.Kind
			if count > 1 {
				name = fmt.Sprintf("%s-%d", svc.Kind, i)
			}

			it, err := factory(BuildContext{
				Logger: opts.Logger.With("service", name),
				Name:   name,
			}, optionsNode(svc.Options))
			if err != nil {
				return nil, fmt.Errorf("launchpad: building %s: %w", name, err)
			}
			lp.instances = append(lp.instances, instance{name: name, it: it})
			lp.log.Info("service instance loaded", "service", name)
		}
	}

	runner, err := loop.New("launchpad", loop.IteratorFunc(lp.iteration), loop.Options{
		MinPeriod: cfg.Launchpad.MinPeriod(),
		Pause:     cfg.Launchpad.Pause(),
		Logger:    opts.Logger,
		Observer:  opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	lp.runner = runner
	return lp, nil
}

// BuildIterator instantiates a single iterator for kind through the
// registry. Used for cron job construction.
func BuildIterator(kind, name string, options yaml.Node, logger *slog.Logger) (loop.Iterator, error) {
	factory, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("launchpad: unknown service kind %q", kind)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(BuildContext{
		Logger: logger.With("service", name),
		Name:   name,
	}, optionsNode(options))
}

// optionsNode returns a pointer to the options node, or nil when the config
// omitted the section entirely.
func optionsNode(n yaml.Node) *yaml.Node {
	if n.Kind == 0 {
		return nil
	}
	return &n
}

// iteration performs one cycle: each instance iterates once, in order. An
// instance error stops the launchpad and propagates out of Start. When a
// stop arrives mid-cycle the remaining instances are skipped.
func (l *Launchpad) iteration(ctx context.Context, p loop.Pass) error {
	for _, inst := range l.instances {
		if ctx.Err() != nil {
			return nil
		}
		if err := inst.it.Iteration(ctx, p); err != nil {
			return fmt.Errorf("service %s: %w", inst.name, err)
		}
	}
	return nil
}

// Start runs the shared loop until stopped. Blocks.
func (l *Launchpad) Start() error { return l.runner.Start() }

// Stop requests graceful termination. Non-blocking, idempotent.
func (l *Launchpad) Stop() { l.runner.Stop() }

// State reports the shared loop's lifecycle state.
func (l *Launchpad) State() loop.State { return l.runner.State() }

// Name implements loop.Inspector.
func (l *Launchpad) Name() string { return l.runner.Name() }

// Passes returns the number of completed loop cycles.
func (l *Launchpad) Passes() uint64 { return l.runner.Passes() }

// AddSetup registers a hook to run before the first pass.
func (l *Launchpad) AddSetup(fn func() error) { l.runner.AddSetup(fn) }

// Instances returns the instance names in configuration order.
func (l *Launchpad) Instances() []string {
	names := make([]string, len(l.instances))
	for i, inst := range l.instances {
		names[i] = inst.name
	}
	return names
}
