// Package broker abstracts the message broker the runtime publishes to and
// receives from. Two implementations exist: an in-process development broker
// (Dev) for tests and local runs, and a persistent broker (Persistent) that
// speaks a small TCP/JSON-RPC protocol to an external broker process.
package broker

import (
	"context"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// ConnectionStatus is the three-state connection machine a persistent broker
// moves through: DISCONNECTED -> CONNECTED <-> RECONNECTING -> DISCONNECTED.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connected
	Reconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// PublishReceiptFunc is invoked once a publish is confirmed or definitively
// fails. err is nil on success.
type PublishReceiptFunc func(err error)

// QueueMode selects whether BindQueue creates a durable or temporary queue.
type QueueMode int

const (
	Temporary QueueMode = iota
	Durable
)

// Broker is the contract every broker implementation satisfies.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// BindQueue creates (or re-binds) a named queue subscribed to the given
	// topic patterns.
	BindQueue(name string, subscriptions []string, mode QueueMode) error

	// Receive blocks up to timeout for the next envelope on queue. A timeout
	// with no message returns (nil, nil) — the zero value is benign, not an
	// error.
	Receive(ctx context.Context, queue string, timeout time.Duration) (*envelope.Envelope, error)

	// Send publishes payload to topic. If onReceipt is non-nil it is called
	// exactly once with the outcome of the publish.
	Send(ctx context.Context, topic string, payload interface{}, userProperties map[string]interface{}, onReceipt PublishReceiptFunc) error

	Ack(env *envelope.Envelope) error
	Nack(env *envelope.Envelope, outcome envelope.NackOutcome) error

	ConnectionStatus() ConnectionStatus
}

// ReconnectPolicy configures how a persistent broker retries a dropped
// connection. Forever=true means retry indefinitely at Interval; otherwise
// retry up to RetryCount times waiting RetryWait between attempts.
type ReconnectPolicy struct {
	Forever    bool
	Interval   time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// DefaultReconnectPolicy is 20 retries at 3s, matching spec default.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{RetryCount: 20, RetryWait: 3 * time.Second}
}
