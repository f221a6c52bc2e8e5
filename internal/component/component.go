// Package component defines the component contract and the runner that
// drives one component instance: its input channel, worker loop, lifecycle,
// and error diversion.
package component

import (
	"context"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// Component is the capability set every flow step implements. Only Process
// is required; the rest are optional hooks detected via type assertion,
// following the "interface plus free-standing helpers" shape the design
// notes prefer over a class hierarchy.
type Component interface {
	Name() string

	// Process transforms env given the derived input. A nil output with
	// discard=true means the envelope terminates here without error (its
	// ack chain still fires). An error triggers the nack/error-queue path.
	Process(ctx context.Context, env *envelope.Envelope, input interface{}) (output interface{}, discard bool, err error)
}

// TimerHook is implemented by components that react to fired timers.
type TimerHook interface {
	OnTimer(id string, payload interface{})
}

// CacheExpiryHook is implemented by components that react to cache
// expirations.
type CacheExpiryHook interface {
	OnCacheExpiry(key string)
}

// AckCallbackProvider supplies a callback to run when env is finally acked.
type AckCallbackProvider interface {
	AckCallback(env *envelope.Envelope) envelope.AckCallback
}

// NackCallbackProvider supplies a callback to run when env is finally
// nacked.
type NackCallbackProvider interface {
	NackCallback(env *envelope.Envelope) envelope.NackCallback
}

// NackOutcomeClassifier maps a Process error to a NackOutcome. Components
// that don't implement this default to envelope.Rejected.
type NackOutcomeClassifier interface {
	NackOutcomeForException(err error) envelope.NackOutcome
}

// MetricsProvider exposes component-local metrics for command/control.
type MetricsProvider interface {
	GetMetrics() map[string]interface{}
}

// ConnectionStatusProvider exposes a component-owned broker connection's
// status for command/control.
type ConnectionStatusProvider interface {
	ConnectionStatus() broker.ConnectionStatus
}

// InputTransform is a declarative, pre-Process mutation of the envelope
// (copy/move/compute between expression-addressed slots). The transform
// language itself is out of scope; the runner only invokes the configured
// pipeline in order.
type InputTransform func(env *envelope.Envelope) error
