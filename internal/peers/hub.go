package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

// sendQueue is the per-connection outbound buffer. A relay chunk is a few
// hundred KiB, so this bounds memory per slow peer.
const sendQueue = 256

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	Name   string
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer    Peer
	send    chan protocol.Envelope
	closeFn func()
}

// Hub routes envelopes between connected peers. Duplicate peer ids use
// last-write-wins: the most recent connection replaces the previous one.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*peerConnection // connID -> connection
	byPeerID map[string]string          // peerID -> connID
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*peerConnection),
		byPeerID: make(map[string]string),
	}
}

// Add registers p. send is called from a dedicated writer goroutine; closeFn
// is called when a newer connection replaces this one. The returned function
// removes the peer.
func (h *Hub) Add(p Peer, send func(env protocol.Envelope) error, closeFn func()) (remove func()) {
	ch := make(chan protocol.Envelope, sendQueue)
	pc := &peerConnection{peer: p, send: ch, closeFn: closeFn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				// Drain so senders never block on a dead writer.
				for range ch {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	var replaced *peerConnection
	if oldConnID, exists := h.byPeerID[p.PeerID]; exists && oldConnID != p.ConnID {
		replaced = h.conns[oldConnID]
		delete(h.conns, oldConnID)
		if replaced != nil {
			close(replaced.send)
		}
	}
	h.conns[p.ConnID] = pc
	h.byPeerID[p.PeerID] = p.ConnID
	h.mu.Unlock()

	if replaced != nil && replaced.closeFn != nil {
		replaced.closeFn()
	}

	return func() {
		h.mu.Lock()
		if _, stillExists := h.conns[p.ConnID]; !stillExists {
			h.mu.Unlock()
			return
		}
		delete(h.conns, p.ConnID)
		if h.byPeerID[p.PeerID] == p.ConnID {
			delete(h.byPeerID, p.PeerID)
		}
		close(ch)
		h.mu.Unlock()

		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// List returns every connected peer sorted by peer id.
func (h *Hub) List() []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Peer, 0, len(h.conns))
	for _, pc := range h.conns {
		out = append(out, pc.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues env for every peer.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.BroadcastExcept("", env)
}

// BroadcastExcept queues env for every peer but exceptPeerID. A peer whose
// queue is full misses the envelope.
func (h *Hub) BroadcastExcept(exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	exceptConnID := h.byPeerID[exceptPeerID]
	for connID, pc := range h.conns {
		if exceptPeerID != "" && connID == exceptConnID {
			continue
		}
		select {
		case pc.send <- env:
		default:
		}
	}
}

// SendTo queues env for peerID. It reports false when the peer is unknown.
// Targeted sends block while the peer's queue is full so ordered streams
// such as relayed chunks are never dropped.
func (h *Hub) SendTo(peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	connID, ok := h.byPeerID[peerID]
	var pc *peerConnection
	if ok {
		pc = h.conns[connID]
	}
	if pc == nil {
		h.mu.RUnlock()
		return false
	}
	select {
	case pc.send <- env:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()

	// Slow path: wait without holding the lock, then requeue under it so a
	// concurrent remove cannot close the channel mid-send.
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return true
		case <-tick.C:
		}
		h.mu.RLock()
		if h.conns[connID] != pc {
			h.mu.RUnlock()
			return false
		}
		select {
		case pc.send <- env:
			h.mu.RUnlock()
			return true
		default:
		}
		h.mu.RUnlock()
	}
}
