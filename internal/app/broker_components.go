package app

import (
	"context"
	"log"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/config"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

const brokerReceivePoll = 500 * time.Millisecond

// brokerInputComponent is the implicit head of a simplified app: it has no
// upstream component, so instead of reacting on its input channel it feeds
// that same channel itself from a background receive loop against the
// configured queue.
type brokerInputComponent struct {
	appName       string
	b             broker.Broker
	queue         string
	subscriptions []string
}

func newBrokerInputComponent(appName string, b broker.Broker, queue string, subscriptions []string) *brokerInputComponent {
	return &brokerInputComponent{appName: appName, b: b, queue: queue, subscriptions: subscriptions}
}

func (c *brokerInputComponent) Name() string { return c.appName + "-broker-input" }

// feed runs until ctx is cancelled, receiving off the broker queue and
// pushing each envelope directly onto the runner's own input channel.
func (c *brokerInputComponent) feed(ctx context.Context, in chan<- envelope.Event) {
	if err := c.b.BindQueue(c.queue, c.subscriptions, broker.Durable); err != nil {
		log.Printf("%s: bind queue %q: %v", c.Name(), c.queue, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := c.b.Receive(ctx, c.queue, brokerReceivePoll)
		if err != nil || env == nil {
			continue
		}
		select {
		case in <- envelope.NewMessageEvent(env):
		case <-ctx.Done():
			return
		}
	}
}

// Process passes the received envelope's payload through unchanged; the
// interesting work already happened in feed.
func (c *brokerInputComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	return env.Payload, false, nil
}

// brokerOutputComponent is the implicit tail of a simplified app: it
// publishes whatever reaches it and discards, so the flow's own Ack fires
// once the publish is acknowledged.
type brokerOutputComponent struct {
	b     broker.Broker
	topic string
}

func newBrokerOutputComponent(b broker.Broker, topic string) *brokerOutputComponent {
	return &brokerOutputComponent{b: b, topic: topic}
}

func (c *brokerOutputComponent) Name() string { return "broker-output" }

// Process publishes env.Previous. A user component may conform to the
// {payload, topic, user_properties} wrapper shape expected at the flow's
// tail; when it does, the wrapper is destructured so its topic and
// user_properties (if present) override the configured/inherited defaults
// instead of being published as part of the payload.
func (c *brokerOutputComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	topic := c.topic
	if topic == "" {
		topic = env.Topic
	}
	userProperties := env.UserProperties
	payload := env.Previous

	if wrapper, ok := env.Previous.(map[string]interface{}); ok {
		if p, has := wrapper["payload"]; has {
			payload = p
			if t, ok := wrapper["topic"].(string); ok && t != "" {
				topic = t
			}
			if up, ok := wrapper["user_properties"].(map[string]interface{}); ok {
				userProperties = up
			}
		}
	}

	if err := c.b.Send(ctx, topic, payload, userProperties, nil); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// routeTargetProperty tags an envelope with the user component selected by
// the subscription router, so downstream routingGuard wrappers know whether
// to invoke their wrapped component or pass the envelope through untouched.
const routeTargetProperty = "__route_target"

// subscriptionRouter implements first-match-wins dispatch across the
// simplified app's user components: the first component (in configuration
// order) whose subscriptions match the envelope's topic is selected.
// Components with no configured subscriptions never match.
type subscriptionRouter struct {
	components []config.ComponentConfig
}

func newSubscriptionRouter(components []config.ComponentConfig) *subscriptionRouter {
	return &subscriptionRouter{components: components}
}

func (r *subscriptionRouter) Name() string { return "subscription-router" }

func (r *subscriptionRouter) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	for _, cc := range r.components {
		for _, sub := range cc.Subscriptions {
			if broker.MatchTopic(sub.Topic, env.Topic) {
				env.UserProperties[routeTargetProperty] = cc.Name
				return env.Payload, false, nil
			}
		}
	}
	log.Printf("subscription-router: no component subscribed to topic %q, discarding", env.Topic)
	return nil, true, nil
}

// routingGuard wraps a user component so it only runs when the subscription
// router selected it; otherwise the envelope passes through untouched.
type routingGuard struct {
	name  string
	inner component.Component
}

func newRoutingGuard(name string, inner component.Component) *routingGuard {
	return &routingGuard{name: name, inner: inner}
}

func (g *routingGuard) Name() string { return g.inner.Name() }

func (g *routingGuard) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	if target, ok := env.UserProperties[routeTargetProperty]; ok && target != g.name {
		return env.Previous, false, nil
	}
	return g.inner.Process(ctx, env, input)
}
