// Package loop implements the iteration scheduling core: a service that
// repeatedly invokes a unit of work ("a pass"), enforcing a minimum
// start-to-start period and a minimum end-to-start pause between passes.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors for loop operations.
var (
	ErrAlreadyRunning = errors.New("loop: already running")
	ErrInvalidConfig  = errors.New("loop: invalid configuration")
)

// State is the lifecycle state of a Runner.
type State int32

const (
	// StateIdle is the initial and terminal state: no loop is executing.
	StateIdle State = iota

	// StateRunning means Start is driving passes.
	StateRunning

	// StateStopping means Stop was requested; the loop exits at the next
	// checkpoint after the in-flight pass completes.
	StateStopping
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Pass is the read-only snapshot handed to the iterator on each invocation.
type Pass struct {
	// Number counts completed passes before this one. The first pass of a
	// run observes the runner's current total, so a fresh runner starts at 0.
	Number uint64

	// Started is the wall-clock start of this pass.
	Started time.Time

	// Uptime is the time elapsed since Start began driving the loop.
	Uptime time.Duration
}

// Iterator performs one unit of work per cycle. The context becomes done
// once Stop is requested; honoring it is optional — the loop never
// interrupts an in-flight pass and waits for Iteration to return.
// Returning a non-nil error terminates the loop and is propagated out of
// Start. Iteration may call Stop on its own runner to end the loop cleanly.
type Iterator interface {
	Iteration(ctx context.Context, p Pass) error
}

// IteratorFunc adapts a plain function to the Iterator interface.
type IteratorFunc func(ctx context.Context, p Pass) error

// Iteration calls f.
func (f IteratorFunc) Iteration(ctx context.Context, p Pass) error {
	return f(ctx, p)
}

// Service is the lifecycle contract shared by runners, hubs and the
// launchpad: blocking Start, non-blocking idempotent Stop.
type Service interface {
	// Start drives the service until stopped. It returns nil on a clean
	// stop and the causing error when the service fails.
	Start() error

	// Stop requests graceful termination. It never blocks and is safe to
	// call from any goroutine, repeatedly, or before Start.
	Stop()

	// State reports the current lifecycle state.
	State() State
}

// Inspector is the read-only view of a service consumed by observability
// surfaces (health endpoints, metric collectors). Runner implements it.
type Inspector interface {
	Name() string
	State() State
	Passes() uint64
}

// Options configures a Runner.
type Options struct {
	// MinPeriod is the minimum wall-clock time between the starts of two
	// consecutive passes. Zero means no enforced cadence. The first pass
	// always starts immediately.
	MinPeriod time.Duration

	// Pause is the minimum idle gap between the end of one pass and the
	// start of the next, independent of MinPeriod. Zero means none.
	Pause time.Duration

	// Logger receives lifecycle and pass logs. Defaults to slog.Default.
	Logger *slog.Logger

	// LogPasses emits a debug line per pass. Off by default: tight loops
	// would flood the log.
	LogPasses bool

	// Now is the clock used for pass timestamps. Defaults to time.Now.
	Now func() time.Time

	// Observer receives pass notifications. Optional.
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Runner drives an Iterator on a timing schedule. One logical thread of
// control: the pass body and the inter-pass wait execute sequentially, and
// passes never overlap. A stopped runner returns to StateIdle and may be
// started again.
type Runner struct {
	name string
	it   Iterator
	opts Options
	log  *slog.Logger

	state  atomic.Int32
	passes atomic.Uint64

	mu     sync.Mutex // guards transitions, cancel and setups
	cancel context.CancelFunc
	setups []func() error
}

// New creates a Runner that invokes it once per cycle. Negative durations
// are rejected with ErrInvalidConfig; zero disables the corresponding delay.
func New(name string, it Iterator, opts Options) (*Runner, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrInvalidConfig)
	}
	if it == nil {
		return nil, fmt.Errorf("%w: nil iterator", ErrInvalidConfig)
	}
	if opts.MinPeriod < 0 {
		return nil, fmt.Errorf("%w: negative min period %v", ErrInvalidConfig, opts.MinPeriod)
	}
	if opts.Pause < 0 {
		return nil, fmt.Errorf("%w: negative pause %v", ErrInvalidConfig, opts.Pause)
	}

	opts = opts.withDefaults()
	return &Runner{
		name: name,
		it:   it,
		opts: opts,
		log:  opts.Logger.With("service", name),
	}, nil
}

// Name returns the service name the runner was created with.
func (r *Runner) Name() string { return r.name }

// State reports the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Passes returns the number of completed passes. Safe to call from any
// goroutine, including from inside the iterator.
func (r *Runner) Passes() uint64 { return r.passes.Load() }

// AddSetup registers a hook to run once, in registration order, inside
// Start before the first pass. A setup error aborts the start.
func (r *Runner) AddSetup(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups = append(r.setups, fn)
}

// Start runs the loop until Stop is called or the iterator fails. It blocks
// for the whole lifetime of the run and returns ErrAlreadyRunning when the
// runner is not idle. On iterator failure the runner transitions back to
// idle and the error is returned; the failed pass still counts as completed.
func (r *Runner) Start() error {
	r.mu.Lock()
	if State(r.state.Load()) != StateIdle {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state.Store(int32(StateRunning))
	setups := slices.Clone(r.setups)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state.Store(int32(StateIdle))
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.mu.Unlock()
	}()

	for i, setup := range setups {
		if err := setup(); err != nil {
			return fmt.Errorf("loop: %s setup %d: %w", r.name, i, err)
		}
	}

	r.log.Info("service started",
		"min_period", r.opts.MinPeriod,
		"pause", r.opts.Pause,
	)

	started := r.opts.Now()
	for State(r.state.Load()) == StateRunning {
		p := Pass{
			Number:  r.passes.Load(),
			Started: r.opts.Now(),
		}
		p.Uptime = p.Started.Sub(started)

		if r.opts.LogPasses {
			r.log.Debug("pass started", "pass", p.Number)
		}
		r.opts.Observer.PassStarted(r.name, p)

		err := r.it.Iteration(ctx, p)

		elapsed := r.opts.Now().Sub(p.Started)
		r.passes.Add(1)
		r.opts.Observer.PassFinished(r.name, p, elapsed, err)

		if err != nil {
			r.log.Error("pass failed", "pass", p.Number, "error", err)
			return fmt.Errorf("loop: %s pass %d: %w", r.name, p.Number, err)
		}
		if r.opts.LogPasses {
			r.log.Debug("pass finished", "pass", p.Number, "elapsed", elapsed)
		}

		// Checkpoint: a Stop during the pass (including one issued by the
		// iterator itself) exits before any wait.
		if State(r.state.Load()) != StateRunning {
			break
		}

		// MinPeriod bounds the start-to-start cadence, Pause guarantees an
		// idle gap after the pass ends. Taking the larger term respects
		// both without double-penalizing a slow pass; a pass that overran
		// MinPeriod only waits out Pause.
		delay := r.opts.MinPeriod - elapsed
		if r.opts.Pause > delay {
			delay = r.opts.Pause
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	r.log.Info("service stopped", "passes", r.passes.Load())
	return nil
}

// Stop requests graceful termination after the in-flight pass finishes and
// interrupts any pending inter-pass wait. It is idempotent, never blocks,
// and is a no-op on an idle runner. The state transition is published with
// a mutex-ordered atomic store, so the loop's next checkpoint read is
// guaranteed to observe it.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if State(r.state.Load()) != StateRunning {
		return
	}
	r.state.Store(int32(StateStopping))
	if r.cancel != nil {
		r.cancel()
	}
	r.log.Info("stop requested")
}
