package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowconnect-run/flowconnect/internal/envelope"
)

// rpcRequest and rpcResponse are the TCP/JSON-RPC wire shapes: a method
// name plus params, and a result-or-error response keyed by ID.
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// pushEnvelope is an unsolicited server->client frame delivering a message
// bound to a queue this client holds.
type pushEnvelope struct {
	Queue   string             `json:"queue"`
	Topic   string             `json:"topic"`
	Payload json.RawMessage    `json:"payload"`
	Props   map[string]interface{} `json:"user_properties"`
	EnvID   string             `json:"envelope_id"`
}

// Persistent is a broker client speaking a small TCP/JSON-RPC protocol to an
// external broker process: a stream of JSON-encoded JSON-RPC frames over a
// TCP connection (no length prefix; frames are delimited by the JSON
// encoding itself), with unsolicited push frames delivering queued messages.
type Persistent struct {
	address string
	agentID string
	policy  ReconnectPolicy

	mu      sync.Mutex
	conn    net.Conn
	status  ConnectionStatus
	closing bool

	pendingMu sync.Mutex
	pending   map[string]chan rpcResponse

	queuesMu sync.Mutex
	queues   map[string]chan *envelope.Envelope

	reqCounter int64

	statusSubs []chan ConnectionStatus
}

// NewPersistent creates a client for the broker listening at address. policy
// governs reconnection behavior after an unexpected disconnect.
func NewPersistent(address, agentID string, policy ReconnectPolicy) *Persistent {
	return &Persistent{
		address: address,
		agentID: agentID,
		policy:  policy,
		status:  Disconnected,
		pending: make(map[string]chan rpcResponse),
		queues:  make(map[string]chan *envelope.Envelope),
	}
}

func (p *Persistent) ConnectionStatus() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SubscribeStatus returns a channel that receives every connection status
// transition, for components that surface connection-status metrics.
func (p *Persistent) SubscribeStatus() <-chan ConnectionStatus {
	ch := make(chan ConnectionStatus, 8)
	p.mu.Lock()
	p.statusSubs = append(p.statusSubs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Persistent) setStatus(s ConnectionStatus) {
	p.mu.Lock()
	p.status = s
	subs := append([]chan ConnectionStatus(nil), p.statusSubs...)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (p *Persistent) Connect(ctx context.Context) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", p.address)
	if err != nil {
		p.setStatus(Disconnected)
		return fmt.Errorf("broker: dial %s: %w", p.address, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.closing = false
	p.mu.Unlock()

	go p.readLoop(conn)

	_, err = p.call(ctx, "connect", map[string]interface{}{"agent_id": p.agentID})
	if err != nil {
		conn.Close()
		p.setStatus(Disconnected)
		return fmt.Errorf("broker: connect handshake: %w", err)
	}

	p.setStatus(Connected)
	return nil
}

func (p *Persistent) Disconnect() error {
	p.mu.Lock()
	p.closing = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.setStatus(Disconnected)
	return nil
}

// readLoop decodes frames until the connection fails, then drives
// reconnection per policy unless Disconnect was called deliberately.
func (p *Persistent) readLoop(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			p.handleDisconnect()
			return
		}
		p.dispatchFrame(raw)
	}
}

func (p *Persistent) dispatchFrame(raw json.RawMessage) {
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" && (resp.Result != nil || resp.Error != nil) {
		p.pendingMu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var push pushEnvelope
	if err := json.Unmarshal(raw, &push); err == nil && push.Queue != "" {
		var payload interface{}
		json.Unmarshal(push.Payload, &payload)
		env := envelope.New(push.Topic, payload)
		env.ID = push.EnvID
		for k, v := range push.Props {
			env.UserProperties[k] = v
		}

		p.queuesMu.Lock()
		q, ok := p.queues[push.Queue]
		p.queuesMu.Unlock()
		if ok {
			select {
			case q <- env:
			default:
				log.Printf("broker: queue %q full, dropping message", push.Queue)
			}
		}
	}
}

// handleDisconnect runs the reconnection state machine:
// CONNECTED -> RECONNECTING -> (CONNECTED | DISCONNECTED).
func (p *Persistent) handleDisconnect() {
	p.setStatus(Reconnecting)

	attempt := 0
	for {
		if p.policy.Forever {
			time.Sleep(p.policy.Interval)
		} else {
			if attempt >= p.policy.RetryCount {
				p.setStatus(Disconnected)
				return
			}
			time.Sleep(p.policy.RetryWait)
			attempt++
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.Connect(ctx)
		cancel()
		if err == nil {
			p.resubscribeAll()
			return
		}
	}
}

func (p *Persistent) resubscribeAll() {
	p.queuesMu.Lock()
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	p.queuesMu.Unlock()

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.call(ctx, "rebind_queue", map[string]interface{}{"name": name})
		cancel()
	}
}

func (p *Persistent) nextReqID() string {
	n := atomic.AddInt64(&p.reqCounter, 1)
	return fmt.Sprintf("%s-%d", p.agentID, n)
}

func (p *Persistent) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("broker: not connected")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := p.nextReqID()
	respCh := make(chan rpcResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: paramsJSON}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("broker: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
		return nil, fmt.Errorf("broker: %s timed out", method)
	}
}

func (p *Persistent) BindQueue(name string, subscriptions []string, mode QueueMode) error {
	p.queuesMu.Lock()
	if _, exists := p.queues[name]; !exists {
		p.queues[name] = make(chan *envelope.Envelope, devQueueCapacity)
	}
	p.queuesMu.Unlock()

	durable := mode == Durable
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.call(ctx, "bind_queue", map[string]interface{}{
		"name":          name,
		"subscriptions": subscriptions,
		"durable":       durable,
	})
	return err
}

// Receive blocks up to timeout for the next message on queue. During
// RECONNECTING, no messages arrive and Receive simply times out, matching
// the broker abstraction's contract that receive returns none during outage.
func (p *Persistent) Receive(ctx context.Context, queue string, timeout time.Duration) (*envelope.Envelope, error) {
	p.queuesMu.Lock()
	q, ok := p.queues[queue]
	p.queuesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown queue %q", queue)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-q:
		return env, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Persistent) Send(ctx context.Context, topic string, payload interface{}, userProperties map[string]interface{}, onReceipt PublishReceiptFunc) error {
	params := map[string]interface{}{
		"topic":           topic,
		"payload":         payload,
		"user_properties": userProperties,
	}

	if onReceipt == nil {
		_, err := p.call(ctx, "publish", params)
		return err
	}

	go func() {
		_, err := p.call(ctx, "publish", params)
		onReceipt(err)
	}()
	return nil
}

func (p *Persistent) Ack(env *envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.call(ctx, "ack", map[string]interface{}{"envelope_id": env.ID})
	env.Ack()
	return err
}

func (p *Persistent) Nack(env *envelope.Envelope, outcome envelope.NackOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := p.call(ctx, "nack", map[string]interface{}{
		"envelope_id": env.ID,
		"outcome":     outcome.String(),
	})
	env.Nack(outcome, err)
	return err
}
