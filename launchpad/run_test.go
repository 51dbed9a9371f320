package launchpad

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/infraguys/gcl-looper/loop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_ShutdownChannel(t *testing.T) {
	var passes atomic.Uint64
	registerFactory("run.counting", func(BuildContext, *yaml.Node) (loop.Iterator, error) {
		return loop.IteratorFunc(func(context.Context, loop.Pass) error {
			passes.Add(1)
			return nil
		}), nil
	})

	path := writeConfig(t, `
launchpad:
  iter_min_period: 1ms
  iter_pause: 1ms
services:
  - kind: run.counting
`)

	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Run(RunParams{
			ConfigPath: path,
			Logger:     discardLogger(),
			NoSignals:  true,
			Shutdown:   shutdown,
		})
	}()

	// Let the configured service make progress before asking for shutdown.
	deadline := time.After(5 * time.Second)
	for passes.Load() < 3 {
		select {
		case err := <-done:
			t.Fatalf("Run exited early: %v", err)
		case <-deadline:
			t.Fatal("service never iterated")
		case <-time.After(time.Millisecond):
		}
	}

	close(shutdown)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	t.Parallel()

	err := Run(RunParams{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		Logger:     discardLogger(),
		NoSignals:  true,
	})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
services:
  - kind: run.unregistered
`)
	err := Run(RunParams{
		ConfigPath: path,
		Logger:     discardLogger(),
		NoSignals:  true,
	})
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("Run = %v, want validation error naming the unknown kind", err)
	}
}
