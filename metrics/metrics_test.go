package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/infraguys/gcl-looper/loop"
)

func TestObserver_CountsByResult(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	obs := NewObserver(reg)

	obs.PassStarted("worker", loop.Pass{})
	obs.PassFinished("worker", loop.Pass{}, 10*time.Millisecond, nil)
	obs.PassStarted("worker", loop.Pass{Number: 1})
	obs.PassFinished("worker", loop.Pass{Number: 1}, 10*time.Millisecond, errors.New("boom"))
	obs.PassStarted("worker", loop.Pass{Number: 2})
	obs.PassFinished("worker", loop.Pass{Number: 2}, 10*time.Millisecond, nil)

	want := `
		# HELP looper_passes_total Completed passes by service and result.
		# TYPE looper_passes_total counter
		looper_passes_total{result="error",service="worker"} 1
		looper_passes_total{result="ok",service="worker"} 2
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "looper_passes_total"); err != nil {
		t.Error(err)
	}
}

func TestObserver_InFlight(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	obs := NewObserver(reg)

	obs.PassStarted("worker", loop.Pass{})

	want := `
		# HELP looper_passes_in_flight Passes currently executing by service.
		# TYPE looper_passes_in_flight gauge
		looper_passes_in_flight{service="worker"} 1
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "looper_passes_in_flight"); err != nil {
		t.Error(err)
	}

	obs.PassFinished("worker", loop.Pass{}, time.Millisecond, nil)

	want = `
		# HELP looper_passes_in_flight Passes currently executing by service.
		# TYPE looper_passes_in_flight gauge
		looper_passes_in_flight{service="worker"} 0
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "looper_passes_in_flight"); err != nil {
		t.Error(err)
	}
}

type staticInspector struct {
	name   string
	state  loop.State
	passes uint64
}

func (s staticInspector) Name() string      { return s.name }
func (s staticInspector) State() loop.State { return s.state }
func (s staticInspector) Passes() uint64    { return s.passes }

func TestStateCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewStateCollector(
		staticInspector{name: "worker", state: loop.StateRunning, passes: 7},
		staticInspector{name: "batch", state: loop.StateIdle, passes: 0},
	))

	want := `
		# HELP looper_service_passes Completed passes as reported by the service counter.
		# TYPE looper_service_passes counter
		looper_service_passes{service="batch"} 0
		looper_service_passes{service="worker"} 7
		# HELP looper_service_state Service lifecycle state (0 idle, 1 running, 2 stopping).
		# TYPE looper_service_state gauge
		looper_service_state{service="batch"} 0
		looper_service_state{service="worker"} 1
	`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}
