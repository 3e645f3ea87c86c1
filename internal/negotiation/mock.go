package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

var errNoRemoteDescription = errors.New("remote description not set")

// MockTransport is an in-memory Transport for testing. Two instances from
// NewMockPair connect to each other once offer and answer have been applied.
type MockTransport struct {
	name string
	peer *MockTransport

	mu            sync.Mutex
	localSet      bool
	remoteSet     bool
	connected     bool
	closed        bool
	draining      bool
	stall         bool
	failAfter     int
	sent          int
	candidates    []protocol.Candidate
	onCandidate   func(protocol.Candidate)
	onState       func(TransportState)
	onMessage     func([]byte)
	queue         [][]byte
	cond          *sync.Cond
	deliverLoopOn bool
}

var _ Transport = (*MockTransport)(nil)

// NewMockPair creates two transports wired to each other.
func NewMockPair() (*MockTransport, *MockTransport) {
	a := &MockTransport{name: "peer1", failAfter: -1}
	b := &MockTransport{name: "peer2", failAfter: -1}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer = b
	b.peer = a
	return a, b
}

// Stall prevents the pair from ever reporting connected.
func (t *MockTransport) Stall() {
	t.mu.Lock()
	t.stall = true
	t.mu.Unlock()
}

// FailSendsAfter makes Send return an error once n messages have been sent.
func (t *MockTransport) FailSendsAfter(n int) {
	t.mu.Lock()
	t.failAfter = n
	t.mu.Unlock()
}

// RemoteCandidates returns candidates applied so far.
func (t *MockTransport) RemoteCandidates() []protocol.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Candidate(nil), t.candidates...)
}

func (t *MockTransport) OnLocalCandidate(fn func(protocol.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *MockTransport) OnState(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *MockTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *MockTransport) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.SessionDescription{}, io.ErrClosedPipe
	}
	t.localSet = true
	t.mu.Unlock()

	t.emitCandidate()
	return protocol.SessionDescription{Type: "offer", SDP: "mock-offer-" + t.name}, nil
}

func (t *MockTransport) AcceptOfferAndCreateAnswer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if offer.Type != "offer" {
		return protocol.SessionDescription{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.SessionDescription{}, io.ErrClosedPipe
	}
	t.remoteSet = true
	t.localSet = true
	t.mu.Unlock()

	t.emitCandidate()
	return protocol.SessionDescription{Type: "answer", SDP: "mock-answer-" + t.name}, nil
}

func (t *MockTransport) AcceptAnswer(answer protocol.SessionDescription) error {
	if answer.Type != "answer" {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	if !t.localSet {
		t.mu.Unlock()
		return errors.New("no local offer")
	}
	t.remoteSet = true
	stall := t.stall
	t.mu.Unlock()

	if !stall && !t.peer.isStalled() {
		go func() {
			t.connect()
			t.peer.connect()
		}()
	}
	return nil
}

func (t *MockTransport) AddRemoteCandidate(c protocol.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	if !t.remoteSet {
		return errNoRemoteDescription
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *MockTransport) Send(b []byte) error {
	t.mu.Lock()
	if t.closed || !t.connected {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	if t.failAfter >= 0 && t.sent >= t.failAfter {
		t.mu.Unlock()
		return errors.New("mock send failure")
	}
	t.sent++
	t.mu.Unlock()

	t.peer.enqueue(append([]byte(nil), b...))
	return nil
}

// Close closes this side at once. The peer drains what it already received
// and then reports closed.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.queue = nil
	t.mu.Unlock()
	t.cond.Broadcast()

	t.reportState(TransportClosed)
	t.peer.remoteClosed()
	return nil
}

func (t *MockTransport) remoteClosed() {
	t.mu.Lock()
	if t.closed || t.draining {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.draining = true
	looping := t.deliverLoopOn
	if !looping {
		t.closed = true
	}
	t.mu.Unlock()
	t.cond.Broadcast()

	if !looping {
		t.reportState(TransportClosed)
	}
}

func (t *MockTransport) isStalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stall
}

func (t *MockTransport) connect() {
	t.mu.Lock()
	if t.closed || t.draining || t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = true
	if !t.deliverLoopOn {
		t.deliverLoopOn = true
		go t.deliverLoop()
	}
	t.mu.Unlock()
	t.reportState(TransportConnected)
}

func (t *MockTransport) reportState(s TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *MockTransport) emitCandidate() {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn == nil {
		return
	}
	mid := "0"
	idx := uint16(0)
	c := protocol.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host " + t.name,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	go fn(c)
}

func (t *MockTransport) enqueue(b []byte) {
	t.mu.Lock()
	if !t.closed && !t.draining {
		t.queue = append(t.queue, b)
	}
	t.mu.Unlock()
	t.cond.Signal()
}

func (t *MockTransport) deliverLoop() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed && !t.draining {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		if len(t.queue) == 0 {
			t.closed = true
			t.mu.Unlock()
			t.reportState(TransportClosed)
			return
		}
		b := t.queue[0]
		t.queue = t.queue[1:]
		fn := t.onMessage
		t.mu.Unlock()

		if fn != nil {
			fn(b)
		}
	}
}
