package peers

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func waitCount(t *testing.T, r *recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for r.count() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.count(); got != want {
		t.Fatalf("received %d envelopes, want %d", got, want)
	}
}

func testEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypePeerDiscovery, protocol.Discovery{PeerID: "p", Name: "n"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestHub_AddList(t *testing.T) {
	hub := NewHub()
	noop := func(protocol.Envelope) error { return nil }

	removeB := hub.Add(Peer{PeerID: "bob", Name: "Bob", ConnID: "c2"}, noop, nil)
	hub.Add(Peer{PeerID: "alice", Name: "Alice", ConnID: "c1"}, noop, nil)

	peers := hub.List()
	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(peers))
	}
	if peers[0].PeerID != "alice" || peers[1].PeerID != "bob" {
		t.Errorf("List order = %v", peers)
	}
	if peers[1].Name != "Bob" {
		t.Errorf("Name = %s, want Bob", peers[1].Name)
	}

	removeB()
	removeB()
	if hub.Len() != 1 {
		t.Errorf("Expected 1 peer after remove, got %d", hub.Len())
	}
}

func TestHub_BroadcastExcept(t *testing.T) {
	hub := NewHub()
	var a, b, c recorder
	hub.Add(Peer{PeerID: "a", ConnID: "1"}, a.send, nil)
	hub.Add(Peer{PeerID: "b", ConnID: "2"}, b.send, nil)
	hub.Add(Peer{PeerID: "c", ConnID: "3"}, c.send, nil)

	hub.BroadcastExcept("a", testEnvelope(t))
	waitCount(t, &b, 1)
	waitCount(t, &c, 1)
	if a.count() != 0 {
		t.Errorf("sender received its own broadcast")
	}

	hub.Broadcast(testEnvelope(t))
	waitCount(t, &a, 1)
	waitCount(t, &b, 2)
}

func TestHub_SendTo(t *testing.T) {
	hub := NewHub()
	var a, b recorder
	hub.Add(Peer{PeerID: "a", ConnID: "1"}, a.send, nil)
	hub.Add(Peer{PeerID: "b", ConnID: "2"}, b.send, nil)

	if !hub.SendTo("b", testEnvelope(t)) {
		t.Fatal("SendTo(b) = false")
	}
	waitCount(t, &b, 1)
	if a.count() != 0 {
		t.Errorf("a received a targeted envelope")
	}
	if hub.SendTo("ghost", testEnvelope(t)) {
		t.Error("SendTo(ghost) = true")
	}
}

func TestHub_LastWriteWins(t *testing.T) {
	hub := NewHub()
	var oldRec, newRec recorder
	closed := make(chan struct{})

	removeOld := hub.Add(Peer{PeerID: "p", ConnID: "old"}, oldRec.send, func() { close(closed) })
	hub.Add(Peer{PeerID: "p", ConnID: "new"}, newRec.send, nil)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("replaced connection was not closed")
	}
	if hub.Len() != 1 {
		t.Fatalf("Expected 1 peer, got %d", hub.Len())
	}

	// The stale remove must not evict the replacement.
	removeOld()
	if !hub.SendTo("p", testEnvelope(t)) {
		t.Fatal("replacement lost after stale remove")
	}
	waitCount(t, &newRec, 1)
	if oldRec.count() != 0 {
		t.Errorf("old connection received %d envelopes", oldRec.count())
	}
}

func TestHub_FailingWriterDoesNotBlock(t *testing.T) {
	hub := NewHub()
	failing := func(protocol.Envelope) error { return errors.New("broken pipe") }
	remove := hub.Add(Peer{PeerID: "p", ConnID: "1"}, failing, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*sendQueue; i++ {
			hub.SendTo("p", testEnvelope(t))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendTo blocked on a failed writer")
	}
	remove()
}
