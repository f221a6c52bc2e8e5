// Package flow builds and drives a flow: a non-empty ordered chain of
// component runners wired head-to-tail.
package flow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/component"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// DefaultErrorQueueDepth bounds the process-shared error queue a flow
// diverts uncaught component exceptions into.
const DefaultErrorQueueDepth = 256

// Flow is an ordered sequence of component runners c1...cn, constructed in
// configuration order and linked head-to-tail.
type Flow struct {
	Name string

	runners    []*component.Runner
	errorQueue chan component.ErrorEnvelope

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty flow. errorQueue, when non-nil, is shared with the
// owning app/connector so diverted envelopes surface to a dedicated error
// flow or to the top-level log drain; when nil, Flow allocates its own.
func New(name string, errorQueue chan component.ErrorEnvelope) *Flow {
	if errorQueue == nil {
		errorQueue = make(chan component.ErrorEnvelope, DefaultErrorQueueDepth)
	}
	return &Flow{Name: name, errorQueue: errorQueue}
}

// Add appends a new runner for c at the tail of the flow, wiring the
// previous tail's output to it.
func (f *Flow) Add(c component.Component, cfg component.RunnerConfig) *component.Runner {
	r := component.NewRunner(c, cfg, f.errorQueue)
	if len(f.runners) > 0 {
		f.runners[len(f.runners)-1].SetNext(r)
	}
	f.runners = append(f.runners, r)
	return r
}

// AddSibling appends another instance of the same component, sharing the
// given runner's input channel (a shared work queue); the new instance
// forwards to whatever the shared runner's own successor is.
func (f *Flow) AddSibling(c component.Component, shareWith *component.Runner, cfg component.RunnerConfig) *component.Runner {
	cfg.SharedInput = shareWith.InputChannel()
	r := component.NewRunner(c, cfg, f.errorQueue)
	f.runners = append(f.runners, r)
	return r
}

// Runners returns every runner in the flow, in chain order, so callers can
// discover components implementing optional hooks (timers, cache expiry).
func (f *Flow) Runners() []*component.Runner { return f.runners }

// ErrorQueue returns the flow's shared error-diversion channel.
func (f *Flow) ErrorQueue() chan component.ErrorEnvelope { return f.errorQueue }

// InputChannel returns the head runner's input channel. Panics if the flow
// has no components — a flow must be non-empty per the data model.
func (f *Flow) InputChannel() chan envelope.Event {
	if len(f.runners) == 0 {
		panic(fmt.Sprintf("flow %q: InputChannel called on an empty flow", f.Name))
	}
	return f.runners[0].InputChannel()
}

// Run starts every runner's worker goroutine.
func (f *Flow) Run(ctx context.Context) error {
	if len(f.runners) == 0 {
		return fmt.Errorf("flow %q: cannot run an empty flow", f.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.ctx = runCtx
	f.cancel = cancel

	for _, r := range f.runners {
		r.Start(runCtx)
	}
	return nil
}

// Stop signals every runner to exit after its current envelope.
func (f *Flow) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	for _, r := range f.runners {
		r.Stop()
	}
}

// Wait blocks until every runner's worker has exited.
func (f *Flow) Wait() {
	for _, r := range f.runners {
		r.Wait()
	}
}

// Cleanup drains the head channel, stops runners in order, and joins their
// workers, discarding anything still in flight.
func (f *Flow) Cleanup() {
	if len(f.runners) == 0 {
		return
	}
	head := f.runners[0].InputChannel()
drain:
	for {
		select {
		case <-head:
		case <-time.After(10 * time.Millisecond):
			break drain
		}
	}

	for _, r := range f.runners {
		r.Stop()
		r.Wait()
	}
}

// DrainErrorsToLog is the connector's top-level fallback: when no dedicated
// error flow is configured, diverted envelopes are simply logged.
func DrainErrorsToLog(ctx context.Context, errorQueue <-chan component.ErrorEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-errorQueue:
			if !ok {
				return
			}
			log.Printf("flow: component %s: %v (envelope %s)", e.Component, e.Err, e.Env.ID)
		}
	}
}
