// Package hub runs a set of services in their own goroutines and supervises
// them: when any child exits on its own, the hub shuts the whole group down.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infraguys/gcl-looper/loop"
)

// ErrStarted is returned by Add once the hub is running.
var ErrStarted = errors.New("hub: already started")

// Options configures a Hub.
type Options struct {
	// CheckPeriod is how often the hub checks child liveness. Defaults to 1s.
	CheckPeriod time.Duration

	// Logger receives hub lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Observer is passed through to the hub's own supervision loop. Optional.
	Observer loop.Observer
}

type child struct {
	name string
	svc  loop.Service
	done chan struct{}
	err  error // set before done is closed
}

// Hub is itself a loop.Service: its iteration is the liveness check. A
// child that returns from Start without the hub asking it to — cleanly or
// with an error — brings the whole hub down. Children are started in the
// order they were added and stopped in reverse.
type Hub struct {
	log    *slog.Logger
	runner *loop.Runner

	mu       sync.Mutex
	children []*child
	sealed   bool

	stopping atomic.Bool
}

// New creates an empty hub. Add children before calling Start.
func New(name string, opts Options) (*Hub, error) {
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Hub{
		log: opts.Logger.With("component", "hub", "hub", name),
	}

	runner, err := loop.New(name, loop.IteratorFunc(h.checkChildren), loop.Options{
		MinPeriod: opts.CheckPeriod,
		Logger:    opts.Logger,
		Observer:  opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	runner.AddSetup(h.launchChildren)
	h.runner = runner
	return h, nil
}

// Add registers a child service. Returns ErrStarted once the hub has been
// started: the child set is fixed for the lifetime of a run.
func (h *Hub) Add(name string, svc loop.Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return ErrStarted
	}
	h.children = append(h.children, &child{
		name: name,
		svc:  svc,
		done: make(chan struct{}),
	})
	return nil
}

// State reports the hub's supervision loop state.
func (h *Hub) State() loop.State { return h.runner.State() }

// Start launches every child in its own goroutine and blocks supervising
// them until Stop is called or a child dies. On return all children have
// been stopped and their goroutines joined; the result is the joined set
// of child errors, if any.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.sealed {
		h.mu.Unlock()
		return loop.ErrAlreadyRunning
	}
	h.sealed = true
	children := h.children
	h.mu.Unlock()
	h.stopping.Store(false)

	runErr := h.runner.Start()

	// Stop children in reverse order, then wait for every goroutine.
	for i := len(children) - 1; i >= 0; i-- {
		h.log.Info("stopping child service", "child", children[i].name)
		children[i].svc.Stop()
	}

	errs := make([]error, 0, len(children)+1)
	if runErr != nil {
		errs = append(errs, runErr)
	}
	for _, c := range children {
		<-c.done
		if c.err != nil {
			errs = append(errs, fmt.Errorf("hub: child %s: %w", c.name, c.err))
		}
	}

	h.mu.Lock()
	h.sealed = false
	h.mu.Unlock()
	h.stopping.Store(false)

	h.log.Info("hub stopped", "children", len(children))
	return errors.Join(errs...)
}

// Stop requests graceful shutdown of the hub and all children. Non-blocking
// and idempotent; the caller of Start observes termination when it returns.
func (h *Hub) Stop() {
	h.stopping.Store(true)
	h.runner.Stop()
}

// launchChildren starts every child goroutine. Runs once per Start, before
// the first supervision pass.
func (h *Hub) launchChildren() error {
	h.mu.Lock()
	children := h.children
	h.mu.Unlock()

	for _, c := range children {
		// Fresh channel per run so the hub can be started again.
		c.done = make(chan struct{})
		c.err = nil
		h.log.Info("starting child service", "child", c.name)
		go func(c *child) {
			c.err = c.svc.Start()
			close(c.done)
		}(c)
	}
	return nil
}

// checkChildren is the hub's own iteration: a child whose goroutine has
// exited while the hub was not shutting down triggers a full stop.
func (h *Hub) checkChildren(_ context.Context, _ loop.Pass) error {
	h.mu.Lock()
	children := h.children
	h.mu.Unlock()

	for _, c := range children {
		select {
		case <-c.done:
			if h.stopping.Load() {
				continue
			}
			if c.err != nil {
				h.log.Error("child service died, stopping hub", "child", c.name, "error", c.err)
			} else {
				h.log.Error("child service exited, stopping hub", "child", c.name)
			}
			h.Stop()
			return nil
		default:
		}
	}
	return nil
}
