// Package discovery builds a roster of reachable peers by announcing
// presence over the signaling channel and collecting the responses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

// ErrPeerUnreachable is returned when no discovery response names the peer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Peer is one roster entry. Sender is the signaling address responses came from.
type Peer struct {
	ID          string
	DisplayName string
	Sender      string
	LastSeen    time.Time
}

// Options configures a Discovery.
type Options struct {
	// TTL drops peers whose last response is older than TTL. Zero keeps
	// entries until Reset.
	TTL    time.Duration
	Logger *slog.Logger
	// OnPeer is called after a peer is added or refreshed.
	OnPeer func(Peer)
	now    func() time.Time
}

// Discovery owns the roster for one local identity.
type Discovery struct {
	ch     signaling.Channel
	selfID string
	name   string
	ttl    time.Duration
	logger *slog.Logger
	onPeer func(Peer)
	now    func() time.Time

	mu      sync.Mutex
	roster  map[string]Peer
	waiters []chan struct{}
	unsubs  []func()
}

// New creates a Discovery for the local peer. Call Start to begin answering.
func New(ch signaling.Channel, selfName string, opts Options) *Discovery {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Discovery{
		ch:     ch,
		selfID: ch.ID(),
		name:   selfName,
		ttl:    opts.TTL,
		logger: logger,
		onPeer: opts.OnPeer,
		now:    now,
		roster: make(map[string]Peer),
	}
}

// Start subscribes to discovery traffic.
func (d *Discovery) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.unsubs) > 0 {
		return
	}
	d.unsubs = append(d.unsubs,
		d.ch.Subscribe(protocol.TypePeerDiscovery, d.handleAnnouncement),
		d.ch.Subscribe(protocol.TypePeerDiscoveryResponse, d.handleResponse),
	)
}

// Stop unsubscribes from discovery traffic.
func (d *Discovery) Stop() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Announce broadcasts our presence. Repeated calls re-broadcast.
func (d *Discovery) Announce() error {
	env, err := protocol.NewEnvelope(protocol.TypePeerDiscovery, protocol.Discovery{
		PeerID: d.selfID,
		Name:   d.name,
	})
	if err != nil {
		return err
	}
	if err := d.ch.Send(env); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	d.logger.Debug("discovery announced", "peer_id", d.selfID, "name", d.name)
	return nil
}

func (d *Discovery) handleAnnouncement(env protocol.Envelope) {
	var msg protocol.Discovery
	if err := env.DecodePayload(&msg); err != nil {
		d.logger.Warn("invalid discovery payload", "error", err, "sender", env.Sender)
		return
	}
	if env.Sender == d.selfID || msg.PeerID == d.selfID {
		return
	}

	resp, err := protocol.NewEnvelope(protocol.TypePeerDiscoveryResponse, protocol.DiscoveryResponse{
		PeerID: d.selfID,
		Name:   d.name,
	})
	if err != nil {
		d.logger.Error("failed to build discovery response", "error", err)
		return
	}
	if err := d.ch.Send(resp.Addressed(env.Sender)); err != nil {
		d.logger.Warn("failed to answer discovery", "error", err, "to", env.Sender)
	}
}

func (d *Discovery) handleResponse(env protocol.Envelope) {
	var msg protocol.DiscoveryResponse
	if err := env.DecodePayload(&msg); err != nil {
		d.logger.Warn("invalid discovery response", "error", err, "sender", env.Sender)
		return
	}
	if env.Sender == "" || env.Sender == d.selfID {
		return
	}

	p := Peer{
		ID:          env.Sender,
		DisplayName: msg.Name,
		Sender:      env.Sender,
		LastSeen:    d.now(),
	}

	d.mu.Lock()
	d.roster[p.Sender] = p
	waiters := d.waiters
	d.waiters = nil
	onPeer := d.onPeer
	d.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	d.logger.Debug("peer discovered", "peer_id", p.ID, "name", p.DisplayName)
	if onPeer != nil {
		onPeer(p)
	}
}

// Roster returns a snapshot of live peers sorted by display name.
func (d *Discovery) Roster() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()

	out := make([]Peer, 0, len(d.roster))
	for _, p := range d.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup finds a peer by id or display name.
func (d *Discovery) Lookup(key string) (Peer, error) {
	for _, p := range d.Roster() {
		if p.ID == key || p.DisplayName == key {
			return p, nil
		}
	}
	return Peer{}, fmt.Errorf("%w: %s", ErrPeerUnreachable, key)
}

// WaitFor blocks until a peer matching key is in the roster or ctx ends.
func (d *Discovery) WaitFor(ctx context.Context, key string) (Peer, error) {
	for {
		if p, err := d.Lookup(key); err == nil {
			return p, nil
		}
		w := make(chan struct{})
		d.mu.Lock()
		d.waiters = append(d.waiters, w)
		d.mu.Unlock()

		// A response may have landed between Lookup and registering.
		if p, err := d.Lookup(key); err == nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return Peer{}, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, key, ctx.Err())
		case <-w:
		}
	}
}

// Reset empties the roster.
func (d *Discovery) Reset() {
	d.mu.Lock()
	d.roster = make(map[string]Peer)
	d.mu.Unlock()
}

func (d *Discovery) pruneLocked() {
	if d.ttl <= 0 {
		return
	}
	cutoff := d.now().Add(-d.ttl)
	for id, p := range d.roster {
		if p.LastSeen.Before(cutoff) {
			delete(d.roster, id)
		}
	}
}
