package component

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

type fakeComponent struct {
	name    string
	process func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error)
}

func (f *fakeComponent) Name() string { return f.name }
func (f *fakeComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	return f.process(ctx, env, input)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunnerTailAcksOnSuccess(t *testing.T) {
	c := &fakeComponent{name: "echo", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return "out", false, nil
	}}
	r := NewRunner(c, RunnerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() { r.Stop(); r.Wait() }()

	env := envelope.New("t", nil)
	acked := false
	env.PushAck(func() { acked = true })

	r.InputChannel() <- envelope.NewMessageEvent(env)

	waitFor(t, func() bool { return acked })
}

func TestRunnerDiscardAcksWithoutForwarding(t *testing.T) {
	c := &fakeComponent{name: "filter", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return nil, true, nil
	}}
	r := NewRunner(c, RunnerConfig{}, nil)
	next := NewRunner(&fakeComponent{name: "next", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return "x", false, nil
	}}, RunnerConfig{}, nil)
	r.SetNext(next)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	next.Start(ctx)
	defer func() { r.Stop(); next.Stop(); r.Wait(); next.Wait() }()

	env := envelope.New("t", nil)
	acked := false
	env.PushAck(func() { acked = true })
	r.InputChannel() <- envelope.NewMessageEvent(env)

	waitFor(t, func() bool { return acked })

	select {
	case <-next.InputChannel():
		t.Fatal("discarded envelope should not reach next runner")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunnerNackOutcomeFidelity(t *testing.T) {
	boom := errors.New("boom")
	c := &fakeComponent{name: "fails", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return nil, false, boom
	}}
	errCh := make(chan ErrorEnvelope, 1)
	r := NewRunner(c, RunnerConfig{}, errCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() { r.Stop(); r.Wait() }()

	env := envelope.New("t", nil)
	var gotOutcome envelope.NackOutcome
	nacked := false
	env.PushNack(func(outcome envelope.NackOutcome, err error) {
		gotOutcome = outcome
		nacked = true
	})

	r.InputChannel() <- envelope.NewMessageEvent(env)

	waitFor(t, func() bool { return nacked })
	if gotOutcome != envelope.Rejected {
		t.Errorf("default nack outcome = %v, want Rejected", gotOutcome)
	}

	select {
	case diverted := <-errCh:
		if diverted.Component != "fails" {
			t.Errorf("diverted component = %q, want fails", diverted.Component)
		}
	case <-time.After(time.Second):
		t.Fatal("expected envelope diverted to error queue")
	}
}

type classifyingComponent struct {
	fakeComponent
}

func (c *classifyingComponent) NackOutcomeForException(err error) envelope.NackOutcome {
	return envelope.Failed
}

func TestRunnerRespectsNackOutcomeClassifier(t *testing.T) {
	c := &classifyingComponent{fakeComponent{name: "c", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return nil, false, errors.New("x")
	}}}
	r := NewRunner(c, RunnerConfig{}, make(chan ErrorEnvelope, 1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() { r.Stop(); r.Wait() }()

	env := envelope.New("t", nil)
	var gotOutcome envelope.NackOutcome
	done := make(chan struct{})
	env.PushNack(func(outcome envelope.NackOutcome, err error) {
		gotOutcome = outcome
		close(done)
	})
	r.InputChannel() <- envelope.NewMessageEvent(env)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nack callback did not fire")
	}
	if gotOutcome != envelope.Failed {
		t.Errorf("got %v, want Failed", gotOutcome)
	}
}

func TestRunnerOrderingWithinInstance(t *testing.T) {
	var seen []int
	done := make(chan struct{}, 10)
	c := &fakeComponent{name: "order", process: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		seen = append(seen, env.Payload.(int))
		done <- struct{}{}
		return "ok", false, nil
	}}
	r := NewRunner(c, RunnerConfig{QueueDepth: 10}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() { r.Stop(); r.Wait() }()

	for i := 0; i < 5; i++ {
		env := envelope.New("t", i)
		r.InputChannel() <- envelope.NewMessageEvent(env)
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("out of order output at %d: %v", i, seen)
		}
	}
}
