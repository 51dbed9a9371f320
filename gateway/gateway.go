// Package gateway serves the HTTP observability surface of a running
// looper process: liveness of the supervised services and their metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infraguys/gcl-looper/loop"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Gateway.
type Options struct {
	// Listen is the host:port to bind.
	Listen string

	// Watch is the set of services reported by /healthz.
	Watch []loop.Inspector

	// Gatherer serves /metrics. Omitted, the endpoint is not mounted.
	Gatherer prometheus.Gatherer

	// Logger receives request lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// Gateway exposes /healthz and /metrics over HTTP. It implements
// loop.Service so a hub can supervise it next to the worker services: Start
// blocks serving until Stop triggers a graceful shutdown.
type Gateway struct {
	opts  Options
	log   *slog.Logger
	state atomic.Int32

	srv      *http.Server
	shutdown chan struct{}
	addr     atomic.Value // string, set once listening
}

// New creates a gateway. The listen address must be non-empty.
func New(opts Options) (*Gateway, error) {
	if opts.Listen == "" {
		return nil, errors.New("gateway: missing listen address")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gateway{
		opts:     opts,
		log:      opts.Logger.With("component", "gateway"),
		shutdown: make(chan struct{}, 1),
	}, nil
}

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", g.handleHealth())
	if g.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// serviceHealth is one entry of the /healthz response.
type serviceHealth struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Passes uint64 `json:"passes"`
}

// handleHealth reports per-service state. 503 when any watched service is
// not running — a supervisor restarting on failed health checks then
// restarts the whole process.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		services := make([]serviceHealth, 0, len(g.opts.Watch))
		healthy := true
		for _, svc := range g.opts.Watch {
			state := svc.State()
			if state != loop.StateRunning {
				healthy = false
			}
			services = append(services, serviceHealth{
				Name:   svc.Name(),
				State:  state.String(),
				Passes: svc.Passes(),
			})
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy":  healthy,
			"services": services,
		})
	}
}

// State implements loop.Service.
func (g *Gateway) State() loop.State { return loop.State(g.state.Load()) }

// Addr returns the bound listen address, empty until Start has bound it.
// Useful when the configured port is 0.
func (g *Gateway) Addr() string {
	if addr, ok := g.addr.Load().(string); ok {
		return addr
	}
	return ""
}

// Start binds the listener and serves until Stop. It returns nil after a
// graceful shutdown and the listen/serve error otherwise.
func (g *Gateway) Start() error {
	if !g.state.CompareAndSwap(int32(loop.StateIdle), int32(loop.StateRunning)) {
		return loop.ErrAlreadyRunning
	}
	defer func() {
		// Back to idle first: Stop sends no tokens once the CAS on a
		// non-running state fails, so any token still buffered (a Stop
		// that raced a failed bind) is stale and must not shut down the
		// next run unasked.
		g.state.Store(int32(loop.StateIdle))
		select {
		case <-g.shutdown:
		default:
		}
	}()

	// A fresh server per run: http.Server cannot serve again once shut down.
	g.srv = &http.Server{
		Addr:              g.opts.Listen,
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", g.opts.Listen)
	if err != nil {
		return err
	}
	g.addr.Store(ln.Addr().String())
	g.log.Info("gateway listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- g.srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		return err
	case <-g.shutdown:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.srv.Shutdown(ctx); err != nil {
		return err
	}
	<-serveErr // always http.ErrServerClosed after Shutdown
	g.log.Info("gateway stopped")
	return nil
}

// Stop requests a graceful shutdown. Non-blocking, idempotent.
func (g *Gateway) Stop() {
	if g.state.CompareAndSwap(int32(loop.StateRunning), int32(loop.StateStopping)) {
		g.shutdown <- struct{}{}
	}
}
