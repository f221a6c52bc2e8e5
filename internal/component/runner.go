package component

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/envelope"
	"github.com/flowconnect-run/flowconnect/internal/pathexpr"
)

// DefaultQueueDepth is the bounded input channel capacity when a flow does
// not override component_queue_max_depth.
const DefaultQueueDepth = 5

// DefaultInputSelection is the expression evaluated against the envelope to
// derive a component's input when input_selection is not configured.
const DefaultInputSelection = "previous"

const (
	inputWaitTimeout   = 1 * time.Second
	enqueueRetryPeriod = 1 * time.Second
	initialBackoff     = 1 * time.Second
	maxBackoff         = 60 * time.Second
)

// ErrorEnvelope is what a runner diverts to the process-shared error queue
// when a component raises.
type ErrorEnvelope struct {
	Env       *envelope.Envelope
	Err       error
	Component string
}

// Runner owns one component instance, one bounded input channel and one
// worker goroutine.
type Runner struct {
	component Component

	input chan envelope.Event
	next  *Runner // nil for the tail runner

	inputTransforms []InputTransform
	inputSelection  string

	errorQueue chan<- ErrorEnvelope

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	backoff time.Duration
}

// RunnerConfig carries the per-component knobs a flow applies when
// constructing a runner.
type RunnerConfig struct {
	QueueDepth      int
	InputSelection  string
	InputTransforms []InputTransform
	// SharedInput, when non-nil, makes this runner a sibling sharing
	// another instance's input channel (instances collectively pull from
	// one queue; each publishes independently).
	SharedInput chan envelope.Event
}

// NewRunner constructs a runner for c. errorQueue receives diverted
// envelopes on uncaught Process errors.
func NewRunner(c Component, cfg RunnerConfig, errorQueue chan<- ErrorEnvelope) *Runner {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	selection := cfg.InputSelection
	if selection == "" {
		selection = DefaultInputSelection
	}

	input := cfg.SharedInput
	if input == nil {
		input = make(chan envelope.Event, depth)
	}

	return &Runner{
		component:       c,
		input:           input,
		inputTransforms: cfg.InputTransforms,
		inputSelection:  selection,
		errorQueue:      errorQueue,
		shutdown:        make(chan struct{}),
		backoff:         initialBackoff,
	}
}

// InputChannel returns the runner's input channel, shared by sibling
// instances constructed with RunnerConfig.SharedInput.
func (r *Runner) InputChannel() chan envelope.Event { return r.input }

// Component returns the component instance this runner drives, so the
// connector can discover optional hooks (timers, cache expiry) without
// duplicating the registered component set.
func (r *Runner) Component() Component { return r.component }

// SetNext wires this runner's output to next's input channel. Leave unset
// for a tail runner.
func (r *Runner) SetNext(next *Runner) { r.next = next }

// Start launches the worker goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the worker to exit after its current envelope. Calling it
// more than once is safe.
func (r *Runner) Stop() { r.stopOnce.Do(func() { close(r.shutdown) }) }

// Wait blocks until the worker goroutine has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		var ev envelope.Event
		var got bool
		select {
		case ev = <-r.input:
			got = true
		case <-time.After(inputWaitTimeout):
			got = false
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		}
		if !got {
			continue
		}

		switch ev.Kind {
		case envelope.EventMessage:
			r.handleMessage(ctx, ev.Env)
		case envelope.EventTimer:
			if hook, ok := r.component.(TimerHook); ok {
				hook.OnTimer(ev.TimerID, ev.TimerPayload)
			}
		case envelope.EventCacheExpiry:
			if hook, ok := r.component.(CacheExpiryHook); ok {
				hook.OnCacheExpiry(ev.CacheKey)
			}
		}
	}
}

func (r *Runner) handleMessage(ctx context.Context, env *envelope.Envelope) {
	for _, t := range r.inputTransforms {
		if err := t(env); err != nil {
			log.Printf("component %s: input transform error: %v", r.component.Name(), err)
		}
	}

	input := pathexpr.Eval(r.inputSelection, env)
	if pathexpr.IsAbsent(input) {
		input = nil
	}

	if provider, ok := r.component.(NackCallbackProvider); ok {
		env.PushNack(provider.NackCallback(env))
	}

	output, discard, err := r.invokeProcess(ctx, env, input)

	if err != nil {
		outcome := envelope.Rejected
		if classifier, ok := r.component.(NackOutcomeClassifier); ok {
			outcome = classifier.NackOutcomeForException(err)
		}
		env.Nack(outcome, err)
		r.divertToErrorQueue(env, err)
		r.applyBackoff()
		return
	}
	r.resetBackoff()

	if discard {
		env.Ack()
		return
	}

	env.Previous = output
	if provider, ok := r.component.(AckCallbackProvider); ok {
		env.PushAck(provider.AckCallback(env))
	}

	if r.next == nil {
		env.Ack()
		return
	}

	r.enqueueNext(envelope.NewMessageEvent(env))
}

// invokeProcess calls the component's Process and recovers a panic as an
// error so a misbehaving component cannot take the whole runner down.
func (r *Runner) invokeProcess(ctx context.Context, env *envelope.Envelope, input interface{}) (output interface{}, discard bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("component %s panicked: %v", r.component.Name(), rec)
		}
	}()
	return r.component.Process(ctx, env, input)
}

// enqueueNext blocks the message onto r.next's channel, checking for a
// shutdown signal every second. It returns once the write succeeds or the
// runner is stopped; on shutdown the envelope is dropped without ack or nack.
func (r *Runner) enqueueNext(ev envelope.Event) {
	for {
		select {
		case r.next.input <- ev:
			return
		case <-time.After(enqueueRetryPeriod):
			select {
			case <-r.shutdown:
				return
			default:
			}
		case <-r.shutdown:
			return
		}
	}
}

func (r *Runner) divertToErrorQueue(env *envelope.Envelope, err error) {
	if r.errorQueue == nil {
		log.Printf("component %s: %v (no error queue configured)", r.component.Name(), err)
		return
	}
	select {
	case r.errorQueue <- ErrorEnvelope{Env: env, Err: err, Component: r.component.Name()}:
	default:
		log.Printf("component %s: error queue full, dropping diverted envelope: %v", r.component.Name(), err)
	}
}

func (r *Runner) applyBackoff() {
	time.Sleep(r.backoff)
	r.backoff *= 2
	if r.backoff > maxBackoff {
		r.backoff = maxBackoff
	}
}

func (r *Runner) resetBackoff() {
	r.backoff = initialBackoff
}
