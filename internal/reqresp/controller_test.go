package reqresp

import (
	"context"
	"testing"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/broker"
	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

func TestControllerTimeoutWhenNoReply(t *testing.T) {
	b := broker.NewDev()
	b.Connect(context.Background())

	c, err := New(b, "svc/request", "svc/reply", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	env := envelope.New("svc/request", map[string]interface{}{"q": 1})
	start := time.Now()
	resp := <-c.Request(context.Background(), env, false, "")
	elapsed := time.Since(start)

	if resp.Err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", resp.Err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 700*time.Millisecond {
		t.Errorf("timeout fired after %v, want ~200-700ms", elapsed)
	}
}

func TestControllerStreamingCompletion(t *testing.T) {
	b := broker.NewDev()
	b.Connect(context.Background())

	c, err := New(b, "svc/request", "svc/reply", 2*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	b.BindQueue("request-listener", []string{"svc/request"}, broker.Temporary)

	go func() {
		req, _ := b.Receive(context.Background(), "request-listener", time.Second)
		if req == nil {
			return
		}
		replyTopic, _ := req.UserProperties["reply_to_topic"].(string)
		for i := 1; i <= 3; i++ {
			props := map[string]interface{}{
				"streaming": map[string]interface{}{"last_message": i == 3},
			}
			b.Send(context.Background(), replyTopic, map[string]interface{}{"seq": i}, props, nil)
		}
	}()

	env := envelope.New("svc/request", map[string]interface{}{"q": 1})
	respCh := c.Request(context.Background(), env, true, "input.user_properties:streaming.last_message")

	var lasts []bool
	for r := range respCh {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		lasts = append(lasts, r.IsLast)
		if r.IsLast {
			break
		}
	}

	if len(lasts) != 3 {
		t.Fatalf("got %d responses, want 3: %v", len(lasts), lasts)
	}
	if lasts[0] || lasts[1] || !lasts[2] {
		t.Errorf("got IsLast sequence %v, want [false false true]", lasts)
	}
}
