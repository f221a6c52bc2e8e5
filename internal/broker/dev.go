package broker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// Dev is the in-process development broker: a set of in-memory queues keyed
// by name, each bound to topic patterns using '*' (one-level wildcard) and
// '>' (multi-level suffix wildcard). Publish puts a separate envelope
// (envelope.Clone: fresh ID, empty callback stacks, new top-level scratch
// maps) into every queue whose patterns match the topic, so no two consumers
// share an envelope. The payload value itself is not deep-copied: every
// matching queue's envelope refers to the same payload.
type Dev struct {
	mu     sync.RWMutex
	queues map[string]*devQueue
	status ConnectionStatus
}

type devQueue struct {
	name     string
	patterns []*regexp.Regexp
	ch       chan *envelope.Envelope
}

const devQueueCapacity = 1024

// NewDev creates an empty development broker. It is usable from the moment it
// is constructed (Send and Receive do not check the connection status);
// Connect/Disconnect only toggle ConnectionStatus, which starts as
// Disconnected.
func NewDev() *Dev {
	return &Dev{queues: make(map[string]*devQueue), status: Disconnected}
}

func (d *Dev) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.status = Connected
	d.mu.Unlock()
	return nil
}

func (d *Dev) Disconnect() error {
	d.mu.Lock()
	d.status = Disconnected
	d.mu.Unlock()
	return nil
}

func (d *Dev) ConnectionStatus() ConnectionStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// BindQueue creates or replaces the named queue's subscription set.
func (d *Dev) BindQueue(name string, subscriptions []string, mode QueueMode) error {
	patterns := make([]*regexp.Regexp, 0, len(subscriptions))
	for _, sub := range subscriptions {
		re, err := compilePattern(sub)
		if err != nil {
			return err
		}
		patterns = append(patterns, re)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q, exists := d.queues[name]
	if !exists {
		q = &devQueue{name: name, ch: make(chan *envelope.Envelope, devQueueCapacity)}
		d.queues[name] = q
	}
	q.patterns = patterns
	return nil
}

func (d *Dev) Receive(ctx context.Context, queue string, timeout time.Duration) (*envelope.Envelope, error) {
	d.mu.RLock()
	q, ok := d.queues[queue]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown queue %q", queue)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-q.ch:
		return env, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dev) Send(ctx context.Context, topic string, payload interface{}, userProperties map[string]interface{}, onReceipt PublishReceiptFunc) error {
	env := envelope.New(topic, payload)
	for k, v := range userProperties {
		env.UserProperties[k] = v
	}

	d.mu.RLock()
	matched := make([]*devQueue, 0)
	for _, q := range d.queues {
		for _, p := range q.patterns {
			if p.MatchString(topic) {
				matched = append(matched, q)
				break
			}
		}
	}
	d.mu.RUnlock()

	for _, q := range matched {
		copyEnv := env.Clone()
		select {
		case q.ch <- copyEnv:
		default:
			err := fmt.Errorf("broker: queue %q is full", q.name)
			if onReceipt != nil {
				onReceipt(err)
			}
			return err
		}
	}

	if onReceipt != nil {
		onReceipt(nil)
	}
	return nil
}

// Ack and Nack on the dev broker simply fire the envelope's own callback
// stacks; there is no round trip to an external broker to confirm.
func (d *Dev) Ack(env *envelope.Envelope) error {
	env.Ack()
	return nil
}

func (d *Dev) Nack(env *envelope.Envelope, outcome envelope.NackOutcome) error {
	env.Nack(outcome, nil)
	return nil
}

// MatchTopic reports whether topic matches a '*'/'>' subscription pattern,
// reusing the dev broker's own wildcard compiler so callers outside this
// package (the simplified-app subscription router) match topics exactly the
// way the broker itself does.
func MatchTopic(pattern, topic string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(topic)
}

// compilePattern turns a '*'/'>' topic pattern into an anchored regexp.
// '*' matches exactly one segment; '>' must be the last segment and matches
// any trailing characters (so "a/>" matches "a/b" but not "a" alone).
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segs := strings.Split(pattern, "/")
	parts := make([]string, 0, len(segs))
	for i, seg := range segs {
		switch seg {
		case "*":
			parts = append(parts, "[^/]+")
		case ">":
			if i != len(segs)-1 {
				return nil, fmt.Errorf("broker: '>' wildcard must be the last segment in %q", pattern)
			}
			parts = append(parts, ".*")
		default:
			parts = append(parts, regexp.QuoteMeta(seg))
		}
	}
	full := "^" + strings.Join(parts, "/") + "$"
	return regexp.Compile(full)
}
