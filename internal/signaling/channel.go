// Package signaling provides the message bus transfer peers use to find each
// other and to exchange negotiation and relayed transfer messages.
package signaling

import (
	"errors"
	"sort"
	"sync"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("signaling channel closed")

// Handler receives one envelope. Handlers run on the channel's delivery
// goroutine and must not block.
type Handler func(env protocol.Envelope)

// Channel is a bidirectional pub/sub bus keyed by message type.
// Envelopes with an empty To are broadcast to every other peer.
type Channel interface {
	// ID is the peer id the relay stamps as Sender on our envelopes.
	ID() string
	Subscribe(msgType string, h Handler) (unsubscribe func())
	Send(env protocol.Envelope) error
	Connected() bool
}

// Dispatcher fans envelopes out to subscribers by type. It is safe for
// concurrent use and is embedded by Channel implementations.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// Subscribe registers h for msgType and returns a function that removes it.
func (d *Dispatcher) Subscribe(msgType string, h Handler) func() {
	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[string]map[int]Handler)
	}
	if d.handlers[msgType] == nil {
		d.handlers[msgType] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.handlers[msgType][id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers[msgType], id)
			d.mu.Unlock()
		})
	}
}

// Dispatch calls every handler subscribed to env.Type, in subscription order.
func (d *Dispatcher) Dispatch(env protocol.Envelope) int {
	d.mu.RLock()
	subs := d.handlers[env.Type]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return len(handlers)
}
