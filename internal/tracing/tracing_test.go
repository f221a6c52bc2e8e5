package tracing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) PublishTrace(entityID string, level Level, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestLevelMonotonicity(t *testing.T) {
	sys := NewSystem("test")
	sink := &captureSink{}
	sys.SetSink(sink)
	sys.SetEntityLevel("e1", Warn)

	sys.EmitTrace("e1", "component", Info, "op", "start", "", nil, nil, nil)
	if sink.count() != 0 {
		t.Fatalf("INFO trace should be suppressed when effective level is WARN, got %d events", sink.count())
	}

	sys.EmitTrace("e1", "component", Error, "op", "start", "", nil, nil, nil)
	if sink.count() != 1 {
		t.Fatalf("ERROR trace should pass WARN filter, got %d events", sink.count())
	}
}

func TestDisabledSuppressesAll(t *testing.T) {
	sys := NewSystem("test")
	sink := &captureSink{}
	sys.SetSink(sink)
	sys.SetEnabled(false)

	sys.EmitTrace("e1", "component", Error, "op", "start", "", nil, nil, nil)
	if sink.count() != 0 {
		t.Fatalf("disabled system should emit nothing, got %d", sink.count())
	}
}

func TestTraceContextPromotesLevelOnError(t *testing.T) {
	sys := NewSystem("test")
	sink := &captureSink{}
	sys.SetSink(sink)

	tc := sys.StartContext(context.Background(), "e1", "component", Info, "op", nil)
	tc.End(errors.New("boom"))

	if sink.count() != 2 {
		t.Fatalf("expected start+completion events, got %d", sink.count())
	}
	completion := sink.events[1]
	if completion.Level != Error {
		t.Errorf("completion level = %v, want Error", completion.Level)
	}
	if completion.Error == nil || completion.Error.Message != "boom" {
		t.Errorf("completion error = %+v, want message 'boom'", completion.Error)
	}
	if completion.DurationMs == nil {
		t.Error("expected DurationMs to be set")
	}
}

func TestTraceContextNoErrorKeepsLevel(t *testing.T) {
	sys := NewSystem("test")
	sink := &captureSink{}
	sys.SetSink(sink)

	tc := sys.StartContext(context.Background(), "e1", "component", Debug, "op", nil)
	tc.End(nil)

	completion := sink.events[1]
	if completion.Level != Debug {
		t.Errorf("completion level = %v, want Debug", completion.Level)
	}
	if completion.Error != nil {
		t.Errorf("expected no error, got %+v", completion.Error)
	}
}
