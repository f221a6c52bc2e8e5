// Package reqresp overlays synchronous (and streaming) RPC on top of an
// asynchronous publish/subscribe broker: a correlation layer used both by
// user components and by the command/control plane.
package reqresp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
	"github.com/flowconnect-run/flowconnect/internal/flow"
	"github.com/flowconnect-run/flowconnect/internal/pathexpr"
)

// ErrTimeout is returned when a request's budget elapses with no matching
// reply.
var ErrTimeout = errors.New("reqresp: request timed out")

const receivePollTimeout = 200 * time.Millisecond

// Response is one item of the iterator Request() produces: either a matched
// reply envelope with an IsLast flag, or a terminal error.
type Response struct {
	Env    *envelope.Envelope
	IsLast bool
	Err    error
}

// Controller builds a single internal flow containing one
// broker_request_response component and demultiplexes its replies onto a
// response channel per outstanding request.
type Controller struct {
	b             broker.Broker
	flow          *flow.Flow
	requestExpiry time.Duration
	rrComponent   *requestResponseComponent
}

// New constructs a controller that publishes requests through b. Each
// request is published to the topic of the envelope passed to Request;
// requestTopic is stored on the internal component but is not used to choose
// the publish topic. replyTopicPrefix is prefixed to a generated UUID to form
// each request's unique reply topic.
func New(b broker.Broker, requestTopic, replyTopicPrefix string, requestExpiry time.Duration) (*Controller, error) {
	f := flow.New("_internal_broker_request_response_flow", nil)
	rr := &requestResponseComponent{b: b, requestTopic: requestTopic, replyPrefix: replyTopicPrefix}
	f.Add(rr, component.RunnerConfig{QueueDepth: component.DefaultQueueDepth})

	c := &Controller{b: b, flow: f, requestExpiry: requestExpiry, rrComponent: rr}
	if err := f.Run(context.Background()); err != nil {
		return nil, fmt.Errorf("reqresp: starting internal flow: %w", err)
	}
	return c, nil
}

// Close stops the internal flow.
func (c *Controller) Close() {
	c.flow.Cleanup()
}

// Request stamps env.Previous with the outgoing request parameters, enqueues
// it onto the internal flow, and returns a channel of demultiplexed
// responses. Non-streaming callers read exactly one Response; streaming
// callers read until IsLast or an error.
//
// A request that times out does not invalidate later requests: an in-flight
// reply that eventually arrives after the deadline simply has no waiter and
// is dropped by the component's own pump loop.
func (c *Controller) Request(ctx context.Context, env *envelope.Envelope, stream bool, completionExpression string) <-chan Response {
	out := make(chan Response, 1)

	responseCh := make(chan *envelope.Envelope, 8)
	correlationID := uuid.New().String()
	c.rrComponent.registerWaiter(correlationID, responseCh)

	env.Previous = map[string]interface{}{
		"payload":                env.Payload,
		"user_properties":        env.UserProperties,
		"topic":                  env.Topic,
		"stream":                 stream,
		"completion_expression":  completionExpression,
		"correlation_id":         correlationID,
	}

	deadline := time.Now().Add(c.requestExpiry)

	go func() {
		defer close(out)
		defer c.rrComponent.unregisterWaiter(correlationID)

		c.flow.InputChannel() <- envelope.NewMessageEvent(env)

		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				out <- Response{Err: ErrTimeout}
				return
			}

			select {
			case respEnv := <-responseCh:
				isLast := !stream
				if stream {
					isLast = true
					if completionExpression != "" {
						isLast = pathexpr.Truthy(pathexpr.Eval(completionExpression, respEnv))
					}
				}
				out <- Response{Env: respEnv, IsLast: isLast}
				if isLast {
					return
				}
			case <-time.After(remaining):
				out <- Response{Err: ErrTimeout}
				return
			case <-ctx.Done():
				out <- Response{Err: ctx.Err()}
				return
			}
		}
	}()

	return out
}
