// Package envelope implements the in-process message wrapper that flows
// through component runners: payload, topic, user properties, mutable
// scratch fields, and the ack/nack callback stacks that implement
// at-least-once delivery back to the broker.
package envelope

import (
	"sync"

	"github.com/google/uuid"
)

// NackOutcome distinguishes a redeliverable failure from a poison-message
// rejection.
type NackOutcome int

const (
	// Failed means the broker should redeliver the message.
	Failed NackOutcome = iota
	// Rejected means the message is poison and must not be redelivered.
	Rejected
)

func (o NackOutcome) String() string {
	if o == Failed {
		return "FAILED"
	}
	return "REJECTED"
}

// AckCallback runs exactly once when the downstream boundary confirms
// durable handling of an envelope.
type AckCallback func()

// NackCallback runs exactly once, with the outcome, if processing fails.
type NackCallback func(outcome NackOutcome, err error)

// Envelope is the mutable, in-process wrapper around a broker message.
//
// Invariants: AckCallbacks and NackCallbacks each fire at most once per
// envelope; firing either one drains both stacks; Clone duplicates scratch
// fields without sharing backing maps, so a cloned envelope can never
// double-fire the original's callbacks.
type Envelope struct {
	ID             string
	Topic          string
	Payload        interface{}
	UserProperties map[string]interface{}
	UserData       map[string]interface{}
	Previous       interface{}

	mu            sync.Mutex
	fired         bool
	ackCallbacks  []AckCallback
	nackCallbacks []NackCallback
}

// New creates an envelope with fresh scratch maps and a generated ID.
func New(topic string, payload interface{}) *Envelope {
	return &Envelope{
		ID:             uuid.New().String(),
		Topic:          topic,
		Payload:        payload,
		UserProperties: make(map[string]interface{}),
		UserData:       make(map[string]interface{}),
	}
}

// PushAck registers a callback to run when the envelope is finally acked.
func (e *Envelope) PushAck(cb AckCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ackCallbacks = append(e.ackCallbacks, cb)
}

// PushNack registers a callback to run when the envelope is finally nacked.
func (e *Envelope) PushNack(cb NackCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nackCallbacks = append(e.nackCallbacks, cb)
}

// Ack fires all registered ack callbacks exactly once, then drains both
// stacks. Calling Ack or Nack a second time on the same envelope is a no-op.
func (e *Envelope) Ack() {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	cbs := e.ackCallbacks
	e.ackCallbacks = nil
	e.nackCallbacks = nil
	e.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Nack fires all registered nack callbacks exactly once with outcome and
// err, then drains both stacks.
func (e *Envelope) Nack(outcome NackOutcome, err error) {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	cbs := e.nackCallbacks
	e.ackCallbacks = nil
	e.nackCallbacks = nil
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(outcome, err)
	}
}

// Fired reports whether Ack or Nack has already run.
func (e *Envelope) Fired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Root implements pathexpr.Source: "previous", "payload", "user_properties"
// and "user_data" are the addressable roots, plus "input", a synthetic view
// of the original message ({payload, topic, user_properties, user_data}) so
// expressions like "input.payload:foo.bar" and
// "input.user_properties:streaming.last_message" resolve against the
// envelope as it arrived, independent of what "previous"/"payload" hold
// after upstream components have run.
func (e *Envelope) Root(name string) (interface{}, bool) {
	switch name {
	case "previous":
		return e.Previous, true
	case "payload":
		return e.Payload, true
	case "user_properties":
		return e.UserProperties, true
	case "user_data":
		return e.UserData, true
	case "input":
		return map[string]interface{}{
			"payload":         e.Payload,
			"topic":           e.Topic,
			"user_properties": e.UserProperties,
			"user_data":       e.UserData,
		}, true
	default:
		return nil, false
	}
}

// Clone copies the scratch fields (UserProperties, UserData) into new maps,
// one level deep (nested values, Payload and Previous are shared), and
// carries a fresh ID and empty callback stacks, so the clone cannot
// double-fire the original's ack/nack chain.
func (e *Envelope) Clone() *Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()

	clone := &Envelope{
		ID:             uuid.New().String(),
		Topic:          e.Topic,
		Payload:        e.Payload,
		Previous:       e.Previous,
		UserProperties: cloneMap(e.UserProperties),
		UserData:       cloneMap(e.UserData),
	}
	return clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
