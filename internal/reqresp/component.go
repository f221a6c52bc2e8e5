package reqresp

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// requestResponseComponent is the concrete internal-flow component: it
// publishes to the request record's topic, binds a temporary queue to a per-request
// reply topic (replyPrefix + "/" + correlation id), and pumps matching
// replies to whichever waiter registered that correlation id. Correlation
// state lives entirely in this component; the Controller only sees the
// demultiplexed response stream.
type requestResponseComponent struct {
	b            broker.Broker
	requestTopic string
	replyPrefix  string

	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

func (c *requestResponseComponent) Name() string { return "broker_request_response" }

func (c *requestResponseComponent) registerWaiter(correlationID string, ch chan *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters == nil {
		c.waiters = make(map[string]chan *envelope.Envelope)
	}
	c.waiters[correlationID] = ch
}

func (c *requestResponseComponent) unregisterWaiter(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, correlationID)
}

func (c *requestResponseComponent) waiterFor(correlationID string) (chan *envelope.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[correlationID]
	return ch, ok
}

// Process publishes the stamped request and starts a background pump that
// feeds replies to the registered waiter. It always discards its own
// envelope — replies are delivered out-of-band via the pump, not through the
// runner's normal forwarding path.
func (c *requestResponseComponent) Process(ctx context.Context, env *envelope.Envelope, input interface{}) (interface{}, bool, error) {
	req, ok := env.Previous.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("broker_request_response: envelope.Previous is not a request record")
	}

	correlationID, _ := req["correlation_id"].(string)
	topic, _ := req["topic"].(string)
	replyTopic := c.replyPrefix + "/" + correlationID
	queueName := "rr-" + correlationID

	if err := c.b.BindQueue(queueName, []string{replyTopic}, broker.Temporary); err != nil {
		return nil, false, fmt.Errorf("broker_request_response: bind reply queue: %w", err)
	}

	props := map[string]interface{}{}
	if up, ok := req["user_properties"].(map[string]interface{}); ok {
		for k, v := range up {
			props[k] = v
		}
	}
	props["reply_to_topic"] = replyTopic

	if err := c.b.Send(ctx, topic, req["payload"], props, nil); err != nil {
		return nil, false, fmt.Errorf("broker_request_response: publish request: %w", err)
	}

	go c.pump(ctx, queueName, correlationID)

	return nil, true, nil
}

func (c *requestResponseComponent) pump(ctx context.Context, queueName, correlationID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		respEnv, err := c.b.Receive(ctx, queueName, receivePollTimeout)
		if err != nil {
			return
		}
		if respEnv == nil {
			continue
		}

		ch, ok := c.waiterFor(correlationID)
		if !ok {
			// Timed-out request: drop the late reply, as documented —
			// cancellation is by timeout only and stale waiters are gone.
			return
		}
		select {
		case ch <- respEnv:
		case <-ctx.Done():
			return
		}
	}
}
