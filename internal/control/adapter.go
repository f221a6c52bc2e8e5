package control

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/tracing"
)

// AdapterConfig carries the command/control topic scheme's configurable
// segments.
type AdapterConfig struct {
	Namespace   string
	TopicPrefix string
	ReplyPrefix string
	QueueName   string
}

// BrokerAdapter receives command topics, parses (verb, endpoint), routes the
// request, and publishes the response and one-way status/metrics/registry/
// trace notifications. It also implements tracing.Sink so TraceContext
// events flow onto the trace topic.
type BrokerAdapter struct {
	cfg    AdapterConfig
	b      broker.Broker
	router *RequestRouter
	tracer *tracing.System
}

// NewBrokerAdapter wires b, router and an optional tracer (nil is fine — the
// adapter then just doesn't auto-wrap requests in a TraceContext).
func NewBrokerAdapter(cfg AdapterConfig, b broker.Broker, router *RequestRouter, tracer *tracing.System) *BrokerAdapter {
	a := &BrokerAdapter{cfg: cfg, b: b, router: router, tracer: tracer}
	if tracer != nil {
		tracer.SetSink(a)
	}
	return a
}

// requestTopicPattern is what the adapter binds its inbound queue to: every
// verb under namespace/prefix.
func (a *BrokerAdapter) requestTopicPattern() string {
	return a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/>"
}

// Start binds the command queue and runs the receive loop until ctx is
// cancelled.
func (a *BrokerAdapter) Start(ctx context.Context) error {
	if err := a.b.BindQueue(a.cfg.QueueName, []string{a.requestTopicPattern()}, broker.Temporary); err != nil {
		return fmt.Errorf("control: bind command queue: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			env, err := a.b.Receive(ctx, a.cfg.QueueName, time.Second)
			if err != nil || env == nil {
				continue
			}
			a.handle(ctx, env.Topic, env.Payload)
		}
	}()
	return nil
}

func (a *BrokerAdapter) handle(ctx context.Context, topic string, payload interface{}) {
	verb, endpoint, ok := a.parseRequestTopic(topic)
	if !ok {
		log.Printf("control: unparseable command topic %q", topic)
		return
	}

	body, _ := payload.(map[string]interface{})
	requestID := fmt.Sprintf("%v", body["request_id"])
	if requestID == "" || requestID == "<nil>" {
		requestID = uuid.New().String()
	}
	queryParams := toStringMap(body["query_params"])

	req := Request{
		RequestID:   requestID,
		Method:      verb,
		Endpoint:    endpoint,
		QueryParams: queryParams,
		Body:        body["body"],
		Timestamp:   time.Now().Format(time.RFC3339),
		Source:      fmt.Sprintf("%v", body["source"]),
	}

	var tc *tracing.TraceContext
	if a.tracer != nil {
		tc = a.tracer.StartContext(ctx, "command-control", "service", tracing.Info, verb+" "+endpoint, nil)
	}

	resp := a.router.Route(req)

	if tc != nil {
		var endErr error
		if resp.StatusCode >= 500 {
			endErr = fmt.Errorf("%v", resp.Body)
		}
		tc.End(endErr)
	}

	a.publishResponse(ctx, resp)
}

func (a *BrokerAdapter) publishResponse(ctx context.Context, resp Response) {
	topic := a.cfg.ReplyPrefix + "/" + a.cfg.TopicPrefix + "/response/" + resp.RequestID
	a.b.Send(ctx, topic, resp, nil, nil)
}

// parseRequestTopic extracts (verb, endpoint) from
// "<namespace>/<prefix>/<verb>/<endpoint-path>".
func (a *BrokerAdapter) parseRequestTopic(topic string) (verb, endpoint string, ok bool) {
	want := a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/"
	if !strings.HasPrefix(topic, want) {
		return "", "", false
	}
	rest := strings.TrimPrefix(topic, want)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], "/" + parts[1], true
}

// PublishStatus, PublishMetrics and PublishRegistry are one-way
// notifications; responders subscribe freely, there is no reply topic.
func (a *BrokerAdapter) PublishStatus(ctx context.Context, entity string, status interface{}) {
	topic := a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/status/" + entity
	a.b.Send(ctx, topic, status, nil, nil)
}

func (a *BrokerAdapter) PublishMetrics(ctx context.Context, entity string, metrics interface{}) {
	topic := a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/metrics/" + entity
	a.b.Send(ctx, topic, metrics, nil, nil)
}

func (a *BrokerAdapter) PublishRegistry(ctx context.Context, registry interface{}) {
	topic := a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/registry"
	a.b.Send(ctx, topic, registry, nil, nil)
}

// PublishTrace implements tracing.Sink: trace events are published to
// <namespace>/<prefix>/trace/<entity>/<level>.
func (a *BrokerAdapter) PublishTrace(entityID string, level tracing.Level, event tracing.Event) {
	topic := a.cfg.Namespace + "/" + a.cfg.TopicPrefix + "/trace/" + entityID + "/" + level.String()
	a.b.Send(context.Background(), topic, event, nil, nil)
}

func toStringMap(v interface{}) map[string]string {
	out := make(map[string]string)
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}
