// Package app builds a running App from configuration: either the standard
// form (an explicit set of named flows sharing one broker) or the
// simplified form, which synthesizes a single flow by bracketing the
// configured components with an implicit broker input/output and, when
// needed, a subscription router.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/cache"
	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/config"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
	"github.com/flowconnect-run/flowconnect/internal/flow"
	"github.com/flowconnect-run/flowconnect/internal/timer"
)

// DefaultFactories returns the built-in component factory registry. It
// starts empty — component implementations live outside this module and
// register themselves into the map returned here, keyed by
// component_module (or component_class when component_module is absent).
// The connector's entrypoint is expected to extend it before calling
// connector.Load.
func DefaultFactories() map[string]ComponentFactory {
	return make(map[string]ComponentFactory)
}

// ComponentFactory builds a component.Component from its configuration.
// The connector registers factories by component_module/component_class;
// user code extends the set by adding entries to the map, the same way a
// plugin or component registry is populated at startup.
type ComponentFactory func(cfg config.ComponentConfig, deps Dependencies) (component.Component, error)

// Dependencies are the shared, process-wide services every component may
// use, threaded through from the connector.
type Dependencies struct {
	Cache  *cache.Service
	Timers *timer.Manager
	Broker broker.Broker
}

// App is one running application: a named set of flows plus, in the
// simplified form, the broker binding that feeds and drains them.
type App struct {
	Name  string
	flows []*flow.Flow

	broker      broker.Broker
	outputTopic string
	outputOK    bool

	inputComp   *brokerInputComponent
	inputRunner *component.Runner
}

// Build constructs an App from cfg, resolving each component via
// factories (keyed by component_module, falling back to component_class).
func Build(ctx context.Context, cfg config.AppConfig, factories map[string]ComponentFactory, deps Dependencies, errorQueue chan component.ErrorEnvelope) (*App, error) {
	a := &App{Name: cfg.Name}

	if cfg.Broker != nil && len(cfg.Components) > 0 {
		return buildSimplified(ctx, a, cfg, factories, deps, errorQueue)
	}
	return buildStandard(ctx, a, cfg, factories, deps, errorQueue)
}

func buildStandard(ctx context.Context, a *App, cfg config.AppConfig, factories map[string]ComponentFactory, deps Dependencies, errorQueue chan component.ErrorEnvelope) (*App, error) {
	for _, fc := range cfg.Flows {
		f, err := buildFlow(fc, factories, deps, errorQueue)
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", a.Name, err)
		}
		a.flows = append(a.flows, f)
	}
	return a, nil
}

// buildSimplified synthesizes [BrokerInput?] -> [SubscriptionRouter?] ->
// user components -> [BrokerOutput?]. BrokerInput is added iff
// broker.input_enabled; SubscriptionRouter is added iff input is enabled
// and there are 2+ user components (first subscription match wins, tried
// in configuration order); BrokerOutput is added iff
// broker.output_enabled.
func buildSimplified(ctx context.Context, a *App, cfg config.AppConfig, factories map[string]ComponentFactory, deps Dependencies, errorQueue chan component.ErrorEnvelope) (*App, error) {
	bc := cfg.Broker
	b, err := resolveBroker(*bc, deps)
	if err != nil {
		return nil, fmt.Errorf("app %q: %w", a.Name, err)
	}
	a.broker = b
	a.outputOK = bc.OutputEnabled
	a.outputTopic = bc.OutputTopic

	f := flow.New(a.Name, errorQueue)

	if bc.InputEnabled {
		subs := unionSubscriptions(bc.Subscriptions, cfg.Components)
		a.inputComp = newBrokerInputComponent(a.Name, b, bc.QueueName, subs)
		a.inputRunner = f.Add(a.inputComp, component.RunnerConfig{})
	}

	needsRouter := bc.InputEnabled && len(cfg.Components) >= 2
	if needsRouter {
		f.Add(newSubscriptionRouter(cfg.Components), component.RunnerConfig{})
	}

	for _, cc := range cfg.Components {
		c, err := instantiate(cc, factories, deps)
		if err != nil {
			return nil, fmt.Errorf("app %q: %w", a.Name, err)
		}
		if needsRouter {
			c = newRoutingGuard(cc.Name, c)
		}
		f.Add(c, runnerConfigFor(cc))
	}

	if bc.OutputEnabled {
		f.Add(newBrokerOutputComponent(b, bc.OutputTopic), component.RunnerConfig{})
	}

	a.flows = append(a.flows, f)
	return a, nil
}

func buildFlow(fc config.FlowConfig, factories map[string]ComponentFactory, deps Dependencies, errorQueue chan component.ErrorEnvelope) (*flow.Flow, error) {
	f := flow.New(fc.Name, errorQueue)
	for _, cc := range fc.Components {
		c, err := instantiate(cc, factories, deps)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", fc.Name, err)
		}
		f.Add(c, runnerConfigFor(cc))
	}
	return f, nil
}

func instantiate(cc config.ComponentConfig, factories map[string]ComponentFactory, deps Dependencies) (component.Component, error) {
	key := cc.Module
	if key == "" {
		key = cc.Class
	}
	factory, ok := factories[key]
	if !ok {
		return nil, fmt.Errorf("component %q: no factory registered for %q", cc.Name, key)
	}
	return factory(cc, deps)
}

func runnerConfigFor(cc config.ComponentConfig) component.RunnerConfig {
	return component.RunnerConfig{
		QueueDepth:     cc.QueueMaxDepth,
		InputSelection: cc.InputSelection,
	}
}

// unionSubscriptions builds the BrokerInput binding's subscription set: the
// broker-level list plus every user component's own declared subscriptions,
// deduplicated.
func unionSubscriptions(brokerLevel []string, components []config.ComponentConfig) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(topic string) {
		if topic == "" || seen[topic] {
			return
		}
		seen[topic] = true
		out = append(out, topic)
	}
	for _, t := range brokerLevel {
		add(t)
	}
	for _, cc := range components {
		for _, sub := range cc.Subscriptions {
			add(sub.Topic)
		}
	}
	return out
}

func resolveBroker(bc config.BrokerConfig, deps Dependencies) (broker.Broker, error) {
	if deps.Broker != nil {
		return deps.Broker, nil
	}
	switch bc.Mode {
	case "", "dev":
		return broker.NewDev(), nil
	case "persistent":
		return broker.NewPersistent(bc.Address, bc.QueueName, broker.DefaultReconnectPolicy()), nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", bc.Mode)
	}
}

// Run starts every flow's runners, connects the app's broker (simplified
// form only), and starts the implicit broker input's feed loop.
func (a *App) Run(ctx context.Context) error {
	for _, f := range a.flows {
		if err := f.Run(ctx); err != nil {
			return fmt.Errorf("app %q: %w", a.Name, err)
		}
	}
	if a.broker != nil {
		if err := a.broker.Connect(ctx); err != nil {
			return fmt.Errorf("app %q: connecting broker: %w", a.Name, err)
		}
	}
	if a.inputComp != nil {
		go a.inputComp.feed(ctx, a.inputRunner.InputChannel())
	}
	return nil
}

// SendMessageToFlow publishes a message directly into a named flow's input
// channel (standard-form apps only).
func (a *App) SendMessageToFlow(flowName string, env *envelope.Envelope) error {
	for _, f := range a.flows {
		if f.Name == flowName {
			f.InputChannel() <- envelope.NewMessageEvent(env)
			return nil
		}
	}
	return fmt.Errorf("app %q: no such flow %q", a.Name, flowName)
}

// SendMessage is the simplified-form app-level send: it posts directly onto
// the implicit broker output, bypassing the flow entirely. If output is
// disabled this is a no-op, logged as a warning rather than an error.
func (a *App) SendMessage(ctx context.Context, payload interface{}, userProperties map[string]interface{}) error {
	if !a.outputOK {
		log.Printf("app %q: SendMessage called but broker output is disabled, dropping", a.Name)
		return nil
	}
	return a.broker.Send(ctx, a.outputTopic, payload, userProperties, nil)
}

// Flows returns every flow belonging to the app, so the connector can
// discover components implementing optional hooks across the whole app.
func (a *App) Flows() []*flow.Flow { return a.flows }

// Stop signals every flow to wind down.
func (a *App) Stop() {
	for _, f := range a.flows {
		f.Stop()
	}
	if a.broker != nil {
		a.broker.Disconnect()
	}
}

// Wait blocks until every flow's runners have exited.
func (a *App) Wait() {
	for _, f := range a.flows {
		f.Wait()
	}
}

// Cleanup drains and joins every flow.
func (a *App) Cleanup() {
	for _, f := range a.flows {
		f.Cleanup()
	}
}
