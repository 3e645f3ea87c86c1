package signaling

import (
	"sync"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

// Bus is an in-memory relay for tests. It routes like the relay server:
// addressed envelopes go to one member, the rest to every other member.
type Bus struct {
	mu      sync.Mutex
	members map[string]*Endpoint
	sent    []protocol.Envelope
	filter  func(env protocol.Envelope) bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{members: make(map[string]*Endpoint)}
}

// SetFilter installs a predicate; envelopes for which it returns false are
// recorded but never delivered.
func (b *Bus) SetFilter(keep func(env protocol.Envelope) bool) {
	b.mu.Lock()
	b.filter = keep
	b.mu.Unlock()
}

// Join adds a member with the given peer id.
func (b *Bus) Join(peerID string) *Endpoint {
	e := &Endpoint{id: peerID, bus: b}
	e.cond = sync.NewCond(&e.qmu)
	e.connected = true
	go e.deliverLoop()

	b.mu.Lock()
	old := b.members[peerID]
	b.members[peerID] = e
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return e
}

// Sent returns every envelope of msgType routed so far, or all envelopes when
// msgType is empty.
func (b *Bus) Sent(msgType string) []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range b.sent {
		if msgType == "" || env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (b *Bus) route(env protocol.Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	if b.filter != nil && !b.filter(env) {
		b.mu.Unlock()
		return nil
	}
	var targets []*Endpoint
	if env.To != "" {
		if e, ok := b.members[env.To]; ok {
			targets = append(targets, e)
		}
	} else {
		for id, e := range b.members {
			if id != env.Sender {
				targets = append(targets, e)
			}
		}
	}
	b.mu.Unlock()

	for _, e := range targets {
		e.enqueue(env)
	}
	return nil
}

func (b *Bus) leave(e *Endpoint) {
	b.mu.Lock()
	if b.members[e.id] == e {
		delete(b.members, e.id)
	}
	b.mu.Unlock()
}

var _ Channel = (*Endpoint)(nil)

// Endpoint is one member of a Bus.
type Endpoint struct {
	Dispatcher

	id  string
	bus *Bus

	qmu       sync.Mutex
	cond      *sync.Cond
	queue     []protocol.Envelope
	connected bool
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Connected() bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.connected
}

func (e *Endpoint) Send(env protocol.Envelope) error {
	if !e.Connected() {
		return ErrClosed
	}
	env.Sender = e.id
	if env.V == 0 {
		env.V = protocol.ProtocolVersion
	}
	if env.MsgID == "" {
		env.MsgID = protocol.NewMsgID()
	}
	return e.bus.route(env)
}

// Close detaches the endpoint from the bus and stops delivery.
func (e *Endpoint) Close() error {
	e.qmu.Lock()
	if !e.connected {
		e.qmu.Unlock()
		return nil
	}
	e.connected = false
	e.queue = nil
	e.qmu.Unlock()
	e.cond.Broadcast()
	e.bus.leave(e)
	return nil
}

func (e *Endpoint) enqueue(env protocol.Envelope) {
	e.qmu.Lock()
	if e.connected {
		e.queue = append(e.queue, env)
	}
	e.qmu.Unlock()
	e.cond.Signal()
}

// deliverLoop preserves per-endpoint ordering; the queue is unbounded so a
// handler that sends never blocks on a peer's backlog.
func (e *Endpoint) deliverLoop() {
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 && e.connected {
			e.cond.Wait()
		}
		if !e.connected {
			e.qmu.Unlock()
			return
		}
		env := e.queue[0]
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.Dispatch(env)
	}
}
