package launchpad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infraguys/gcl-looper/cron"
	"github.com/infraguys/gcl-looper/gateway"
	"github.com/infraguys/gcl-looper/hub"
	"github.com/infraguys/gcl-looper/internal/sysuser"
	"github.com/infraguys/gcl-looper/journal"
	"github.com/infraguys/gcl-looper/loop"
	"github.com/infraguys/gcl-looper/metrics"
	"github.com/infraguys/gcl-looper/telemetry"
)

const (
	telemetryShutdownTimeout = 10 * time.Second
	schedulerStopTimeout     = 10 * time.Second
)

// journalPruneSchedule removes aged journal rows once an hour.
const journalPruneSchedule = "0 * * * *"

// RunParams configures Run.
type RunParams struct {
	// ConfigPath is the path to the YAML configuration file.
	ConfigPath string

	// Logger is the process logger. When nil, a text handler to stderr at
	// LogLevel is created.
	Logger *slog.Logger

	// LogLevel sets the minimum level of the default logger. Ignored when
	// Logger is set.
	LogLevel slog.Level

	// NoSignals disables SIGINT/SIGTERM subscription, for callers that
	// manage shutdown themselves (system-service wrappers, tests).
	NoSignals bool

	// Shutdown, when non-nil, triggers a graceful stop as soon as it is
	// closed or receives a value. Usable together with or instead of
	// signal subscription.
	Shutdown <-chan struct{}
}

// Run loads the configuration, assembles every configured component and
// blocks until a shutdown signal arrives or a service fails: the complete
// daemon entry point behind the CLI.
//
// Assembly order: privilege downgrade, telemetry, journal, metrics, the
// launchpad loop, cron jobs, gateway. The launchpad and the gateway run as
// children of a supervising hub, so either one dying brings the process
// down cleanly.
func Run(params RunParams) error {
	cfg, err := Load(params.ConfigPath)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: params.LogLevel,
		}))
	}

	if cfg.Launchpad.RunAs != "" {
		if err := sysuser.Downgrade(cfg.Launchpad.RunAs, logger); err != nil && !errors.Is(err, sysuser.ErrUnsupported) {
			return err
		}
	}

	observers := loop.MultiObserver{}

	registry := prometheus.NewRegistry()
	observers = append(observers, metrics.NewObserver(registry))

	if cfg.Telemetry != nil {
		shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: "gcl-looper",
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
		observers = append(observers, telemetry.NewObserver())
	}

	var jnl *journal.Journal
	if cfg.Journal != nil {
		jnl, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer jnl.Close()
		observers = append(observers, jnl)
	}

	lp, err := Build(cfg, BuildOptions{Logger: logger, Observer: observers})
	if err != nil {
		return err
	}

	scheduler := cron.NewScheduler(cron.SchedulerOptions{Logger: logger, Observer: observers})
	for _, job := range cfg.Cron {
		it, err := BuildIterator(job.Kind, job.Name, job.Options, logger)
		if err != nil {
			return err
		}
		if err := scheduler.RegisterJob(cron.Job{Name: job.Name, Schedule: job.Schedule, Iterator: it}); err != nil {
			return err
		}
	}
	if jnl != nil {
		retention := cfg.Journal.RetentionOrDefault()
		err := scheduler.RegisterJob(cron.Job{
			Name:     "journal-prune",
			Schedule: journalPruneSchedule,
			Iterator: loop.IteratorFunc(func(_ context.Context, _ loop.Pass) error {
				n, err := jnl.Prune(retention)
				if err != nil {
					return err
				}
				logger.Debug("journal pruned", "rows", n)
				return nil
			}),
		})
		if err != nil {
			return err
		}
	}

	h, err := hub.New("gcl-looper", hub.Options{Logger: logger})
	if err != nil {
		return err
	}
	if len(cfg.Services) > 0 {
		if err := h.Add("launchpad", lp); err != nil {
			return err
		}
	}

	if cfg.Gateway != nil {
		if err := registry.Register(metrics.NewStateCollector(lp)); err != nil {
			return fmt.Errorf("launchpad: registering state collector: %w", err)
		}
		gw, err := gateway.New(gateway.Options{
			Listen:   cfg.Gateway.Listen,
			Watch:    watchedServices(cfg, lp),
			Gatherer: registry,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := h.Add("gateway", gw); err != nil {
			return err
		}
	}

	if err := scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
		defer cancel()
		_ = scheduler.Stop(ctx)
	}()

	if !params.NoSignals {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			sig, ok := <-sigCh
			if !ok {
				return
			}
			logger.Info("shutdown signal received", "signal", sig.String())
			h.Stop()
		}()
	}

	if params.Shutdown != nil {
		go func() {
			<-params.Shutdown
			logger.Info("shutdown requested")
			h.Stop()
		}()
	}

	var runID int64
	if jnl != nil {
		if runID, err = jnl.RunStarted("gcl-looper"); err != nil {
			logger.Error("journal run record failed", "error", err)
		}
	}

	runErr := h.Start()

	if jnl != nil && runID != 0 {
		reason := "clean"
		if runErr != nil {
			reason = runErr.Error()
		}
		if err := jnl.RunStopped(runID, reason); err != nil {
			logger.Error("journal run record failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

// watchedServices is the /healthz watch list: the launchpad when it has
// instances to drive.
func watchedServices(cfg *Config, lp *Launchpad) []loop.Inspector {
	if len(cfg.Services) == 0 {
		return nil
	}
	return []loop.Inspector{lp}
}
