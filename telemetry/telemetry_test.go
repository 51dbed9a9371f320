package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/infraguys/gcl-looper/loop"
)

// newRecordedObserver installs a recording tracer provider globally and
// returns an observer wired to it. Tests using it must not run in parallel:
// the provider is process-global.
func newRecordedObserver() (*Observer, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	return NewObserver(), sr
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSetup(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup returned nil shutdown func")
	}

	// Nothing was exported, so flushing must be clean even with no
	// collector listening.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestObserver_SpanPerPass(t *testing.T) {
	obs, sr := newRecordedObserver()

	obs.PassStarted("worker", loop.Pass{Number: 3})
	if got := len(sr.Ended()); got != 0 {
		t.Fatalf("%d spans ended before PassFinished", got)
	}
	obs.PassFinished("worker", loop.Pass{Number: 3}, 25*time.Millisecond, nil)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "loop.pass" {
		t.Errorf("span name = %q, want loop.pass", span.Name())
	}
	if v, ok := attrValue(span, "loop.service"); !ok || v.AsString() != "worker" {
		t.Errorf("loop.service = %v, want worker", v.Emit())
	}
	if v, ok := attrValue(span, "loop.pass_number"); !ok || v.AsInt64() != 3 {
		t.Errorf("loop.pass_number = %v, want 3", v.Emit())
	}
	if v, ok := attrValue(span, "loop.duration_ms"); !ok || v.AsInt64() != 25 {
		t.Errorf("loop.duration_ms = %v, want 25", v.Emit())
	}
	if got := span.Status().Code; got != codes.Unset {
		t.Errorf("status = %v, want unset on success", got)
	}
}

func TestObserver_ErrorStatus(t *testing.T) {
	obs, sr := newRecordedObserver()

	obs.PassStarted("worker", loop.Pass{Number: 0})
	obs.PassFinished("worker", loop.Pass{Number: 0}, time.Millisecond, errors.New("boom"))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(spans))
	}
	span := spans[0]
	if got := span.Status(); got.Code != codes.Error || got.Description != "boom" {
		t.Errorf("status = %+v, want Error/boom", got)
	}

	recorded := false
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			recorded = true
		}
	}
	if !recorded {
		t.Error("error was not recorded as an exception event")
	}
}

func TestObserver_ConcurrentServices(t *testing.T) {
	obs, sr := newRecordedObserver()

	obs.PassStarted("a", loop.Pass{Number: 1})
	obs.PassStarted("b", loop.Pass{Number: 2})
	obs.PassFinished("b", loop.Pass{Number: 2}, time.Millisecond, nil)
	obs.PassFinished("a", loop.Pass{Number: 1}, time.Millisecond, nil)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d ended spans, want 2", len(spans))
	}
	// b finished first.
	if v, _ := attrValue(spans[0], "loop.service"); v.AsString() != "b" {
		t.Errorf("first ended span service = %q, want b", v.AsString())
	}
	if v, _ := attrValue(spans[1], "loop.service"); v.AsString() != "a" {
		t.Errorf("second ended span service = %q, want a", v.AsString())
	}
}

func TestObserver_UnmatchedFinish(t *testing.T) {
	obs, sr := newRecordedObserver()

	// A finish with no matching start is dropped, not a panic.
	obs.PassFinished("ghost", loop.Pass{}, time.Millisecond, nil)
	if got := len(sr.Ended()); got != 0 {
		t.Errorf("got %d ended spans, want 0", got)
	}
}
