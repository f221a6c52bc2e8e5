package app

import (
	"context"
	"testing"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/config"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

type echoComponent struct{ name string }

func (c *echoComponent) Name() string { return c.name }

func (c *echoComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	return input, false, nil
}

func echoFactory(cfg config.ComponentConfig, deps Dependencies) (component.Component, error) {
	return &echoComponent{name: cfg.Name}, nil
}

func TestBuildSimplifiedAppRoundTrips(t *testing.T) {
	cfg := config.AppConfig{
		Name: "simple",
		Broker: &config.BrokerConfig{
			Mode:          "dev",
			InputEnabled:  true,
			QueueName:     "q1",
			OutputEnabled: true,
			OutputTopic:   "out/topic",
			Subscriptions: []string{"in/>"},
		},
		Components: []config.ComponentConfig{
			{Name: "c1", Module: "echo"},
		},
	}

	factories := map[string]ComponentFactory{"echo": echoFactory}
	a, err := Build(context.Background(), cfg, factories, Dependencies{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer a.Stop()

	time.Sleep(20 * time.Millisecond) // let the input feed loop bind its queue

	outQueue := "sink"
	if err := a.broker.BindQueue(outQueue, []string{"out/topic"}, 0); err != nil {
		t.Fatalf("bind sink: %v", err)
	}

	if err := a.broker.Send(ctx, "in/hello", map[string]interface{}{"v": 1}, nil, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err := a.broker.Receive(ctx, outQueue, 2*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if out == nil {
		t.Fatal("expected envelope on output topic")
	}
}

func TestBuildSimplifiedAppWithRouterBindsUnionOfSubscriptions(t *testing.T) {
	cfg := config.AppConfig{
		Name: "routed",
		Broker: &config.BrokerConfig{
			Mode:          "dev",
			InputEnabled:  true,
			QueueName:     "q1",
			OutputEnabled: true,
			OutputTopic:   "out/topic",
		},
		Components: []config.ComponentConfig{
			{Name: "a", Module: "echo", Subscriptions: []config.SubscriptionConfig{{Topic: "evt/a"}}},
			{Name: "b", Module: "echo", Subscriptions: []config.SubscriptionConfig{{Topic: "evt/b"}}},
		},
	}

	factories := map[string]ComponentFactory{"echo": echoFactory}
	a, err := Build(context.Background(), cfg, factories, Dependencies{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(a.flows) != 1 {
		t.Fatalf("expected a single synthesized flow, got %d", len(a.flows))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer a.Stop()

	time.Sleep(20 * time.Millisecond) // let the input feed loop bind its queue, union of evt/a + evt/b

	outQueue := "sink"
	if err := a.broker.BindQueue(outQueue, []string{"out/topic"}, 0); err != nil {
		t.Fatalf("bind sink: %v", err)
	}

	// Neither component declares a broker-level subscription; delivery must
	// come from the BrokerInput binding to the union of evt/a and evt/b.
	if err := a.broker.Send(ctx, "evt/b", map[string]interface{}{"v": 1}, nil, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	out, err := a.broker.Receive(ctx, outQueue, 2*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if out == nil {
		t.Fatal("expected envelope on output topic; BrokerInput should have bound evt/a and evt/b")
	}
}

func TestBuildStandardAppWithNoFlowsSucceeds(t *testing.T) {
	_, err := Build(context.Background(), config.AppConfig{Name: "bad"}, nil, Dependencies{}, nil)
	if err != nil {
		t.Fatalf("empty standard app with no flows should simply produce zero flows, got error: %v", err)
	}
}
