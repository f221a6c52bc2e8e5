package envelope

import (
	"errors"
	"testing"

	"github.com/flowconnect-run/flowconnect/internal/pathexpr"
)

func TestAckFiresExactlyOnce(t *testing.T) {
	env := New("t", nil)
	count := 0
	env.PushAck(func() { count++ })
	env.PushAck(func() { count++ })

	env.Ack()
	env.Ack()

	if count != 2 {
		t.Errorf("got %d ack calls, want 2", count)
	}
	if !env.Fired() {
		t.Error("expected Fired() true after Ack")
	}
}

func TestNackDrainsAckStackToo(t *testing.T) {
	env := New("t", nil)
	ackRan := false
	nackRan := false
	env.PushAck(func() { ackRan = true })
	env.PushNack(func(outcome NackOutcome, err error) { nackRan = true })

	env.Nack(Rejected, errors.New("boom"))

	if ackRan {
		t.Error("ack callback should not run on nack")
	}
	if !nackRan {
		t.Error("nack callback should have run")
	}

	// Second firing attempt (ack) must be a no-op.
	env.Ack()
	if ackRan {
		t.Error("ack must not fire after nack already fired")
	}
}

func TestNackOutcomeFidelity(t *testing.T) {
	env := New("t", nil)
	var got NackOutcome
	env.PushNack(func(outcome NackOutcome, err error) { got = outcome })
	env.Nack(Failed, errors.New("x"))
	if got != Failed {
		t.Errorf("got %v, want Failed", got)
	}
}

func TestCloneDoesNotShareCallbacks(t *testing.T) {
	env := New("t", map[string]interface{}{"a": 1})
	env.UserProperties["k"] = "v"
	fired := false
	env.PushAck(func() { fired = true })

	clone := env.Clone()
	clone.Ack() // must not fire original's callback

	if fired {
		t.Error("clone.Ack() fired the original's ack callback")
	}
	if clone.ID == env.ID {
		t.Error("clone should have a fresh ID")
	}
	clone.UserProperties["k"] = "changed"
	if env.UserProperties["k"] != "v" {
		t.Error("clone mutation leaked into original's UserProperties")
	}
}

func TestInputRootAddressesOriginalMessage(t *testing.T) {
	env := New("svc/request", map[string]interface{}{"foo": map[string]interface{}{"bar": 1}})
	env.UserProperties["streaming"] = map[string]interface{}{"last_message": true}
	env.Previous = "whatever an upstream component left behind"

	if got := pathexpr.Eval("input.payload:foo.bar", env); got != 1 {
		t.Errorf("input.payload:foo.bar = %v, want 1", got)
	}
	if got := pathexpr.Eval("input.user_properties:streaming.last_message", env); got != true {
		t.Errorf("input.user_properties:streaming.last_message = %v, want true", got)
	}
	if got := pathexpr.Eval("input.topic", env); got != "svc/request" {
		t.Errorf("input.topic = %v, want svc/request", got)
	}
}
