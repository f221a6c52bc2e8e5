package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

type stepComponent struct {
	name string
	fn   func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error)
	hits *[]string
}

func (s *stepComponent) Name() string { return s.name }
func (s *stepComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	*s.hits = append(*s.hits, s.name)
	return s.fn(ctx, env, input)
}

func (s *stepComponent) NackOutcomeForException(err error) envelope.NackOutcome {
	return envelope.Failed
}

func TestFlowMiddleFailureStopsChainAndDiverts(t *testing.T) {
	var hits []string

	c1 := &stepComponent{name: "c1", hits: &hits, fn: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return env.Payload, false, nil
	}}
	c2 := &stepComponent{name: "c2", hits: &hits, fn: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		payload := env.Payload.(map[string]interface{})
		if payload["fail"] == true {
			return nil, false, errors.New("c2 failed")
		}
		return payload, false, nil
	}}
	c3 := &stepComponent{name: "c3", hits: &hits, fn: func(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
		return env.Payload, false, nil
	}}

	f := New("pipeline", nil)
	f.Add(c1, component.RunnerConfig{})
	f.Add(c2, component.RunnerConfig{})
	f.Add(c3, component.RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer f.Cleanup()

	env := envelope.New("t", map[string]interface{}{"fail": true})
	var outcome envelope.NackOutcome
	nacked := make(chan struct{})
	env.PushNack(func(o envelope.NackOutcome, err error) {
		outcome = o
		close(nacked)
	})

	f.InputChannel() <- envelope.NewMessageEvent(env)

	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("expected nack from c2's failure")
	}
	if outcome != envelope.Failed {
		t.Errorf("outcome = %v, want Failed", outcome)
	}

	select {
	case diverted := <-f.ErrorQueue():
		if diverted.Component != "c2" {
			t.Errorf("diverted component = %q, want c2", diverted.Component)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected error envelope on error queue")
	}

	time.Sleep(50 * time.Millisecond)
	found3 := false
	for _, h := range hits {
		if h == "c3" {
			found3 = true
		}
	}
	if found3 {
		t.Error("c3 should not have been invoked after c2's failure")
	}
}
