package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(_, to State, _ error) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

// pair negotiates two sessions over the mock transports, forwarding
// candidates the way the caller would over signaling.
func pair(t *testing.T) (*Session, *Session, *MockTransport, *MockTransport) {
	t.Helper()
	ta, tb := NewMockPair()
	var a, b *Session
	ready := make(chan struct{})
	a = NewSession("peer2", ta, Options{OnLocalCandidate: func(c protocol.Candidate) {
		<-ready
		b.AddRemoteCandidate(c)
	}})
	b = NewSession("peer1", tb, Options{OnLocalCandidate: func(c protocol.Candidate) {
		<-ready
		a.AddRemoteCandidate(c)
	}})
	close(ready)
	return a, b, ta, tb
}

func TestSession_OfferAnswerConnects(t *testing.T) {
	a, b, _, _ := pair(t)
	logA, logB := &stateLog{}, &stateLog{}
	a.OnStateChange(logA.record)
	b.OnStateChange(logB.record)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	offer, err := a.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer error = %v", err)
	}
	if a.State() != StateOffering {
		t.Fatalf("offerer state = %s, want offering", a.State())
	}
	answer, err := b.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer error = %v", err)
	}
	if err := a.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer error = %v", err)
	}

	if err := a.WaitConnected(ctx); err != nil {
		t.Fatalf("offerer WaitConnected error = %v", err)
	}
	if err := b.WaitConnected(ctx); err != nil {
		t.Fatalf("answerer WaitConnected error = %v", err)
	}

	wantA := []State{StateOffering, StateConnecting, StateConnected}
	if got := logA.get(); !equalStates(got, wantA) {
		t.Errorf("offerer transitions = %v, want %v", got, wantA)
	}
	wantB := []State{StateAnswering, StateConnecting, StateConnected}
	if got := logB.get(); !equalStates(got, wantB) {
		t.Errorf("answerer transitions = %v, want %v", got, wantB)
	}
}

func TestSession_SendReceive(t *testing.T) {
	a, b, _, _ := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan []byte, 3)
	b.OnMessage(func(m []byte) { got <- m })

	if err := a.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect error = %v, want ErrNotConnected", err)
	}

	connect(t, ctx, a, b)

	for _, m := range []string{"one", "two", "three"} {
		if err := a.Send([]byte(m)); err != nil {
			t.Fatalf("Send error = %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case m := <-got:
			if string(m) != want {
				t.Fatalf("received %q, want %q", m, want)
			}
		case <-ctx.Done():
			t.Fatal("message not delivered")
		}
	}
}

func TestSession_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ta, tb := NewMockPair()
	a := NewSession("peer2", ta, Options{})
	b := NewSession("peer1", tb, Options{})
	ctx := context.Background()

	c := protocol.Candidate{Candidate: "candidate:early"}
	if err := b.AddRemoteCandidate(c); err != nil {
		t.Fatalf("AddRemoteCandidate before offer error = %v", err)
	}
	if n := len(tb.RemoteCandidates()); n != 0 {
		t.Fatalf("candidate applied before remote description, have %d", n)
	}

	offer, _ := a.CreateOffer(ctx)
	if _, err := b.AcceptOffer(ctx, offer); err != nil {
		t.Fatalf("AcceptOffer error = %v", err)
	}
	got := tb.RemoteCandidates()
	if len(got) != 1 || got[0].Candidate != "candidate:early" {
		t.Fatalf("buffered candidates = %+v", got)
	}

	if err := b.AddRemoteCandidate(protocol.Candidate{Candidate: "candidate:late"}); err != nil {
		t.Fatalf("AddRemoteCandidate after offer error = %v", err)
	}
	if n := len(tb.RemoteCandidates()); n != 2 {
		t.Fatalf("remote candidates = %d, want 2", n)
	}
}

func TestSession_WaitConnectedTimeout(t *testing.T) {
	ta, tb := NewMockPair()
	ta.Stall()
	a := NewSession("peer2", ta, Options{})
	b := NewSession("peer1", tb, Options{})

	offer, _ := a.CreateOffer(context.Background())
	answer, _ := b.AcceptOffer(context.Background(), offer)
	if err := a.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := a.WaitConnected(ctx)
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("WaitConnected error = %v, want ErrNegotiationTimeout", err)
	}
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("timeout %v does not match ErrNegotiation", err)
	}
	if a.State() != StateFailed {
		t.Fatalf("state after timeout = %s, want failed", a.State())
	}
	if !errors.Is(a.Err(), ErrNegotiationTimeout) {
		t.Errorf("Err() = %v", a.Err())
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	ta, _ := NewMockPair()
	s := NewSession("peer2", ta, Options{})

	if err := s.AcceptAnswer(protocol.SessionDescription{Type: "answer"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AcceptAnswer from idle error = %v, want ErrInvalidState", err)
	}
	if _, err := s.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer error = %v", err)
	}
	if _, err := s.CreateOffer(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second CreateOffer error = %v, want ErrInvalidState", err)
	}
	if _, err := s.AcceptOffer(context.Background(), protocol.SessionDescription{Type: "offer"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("AcceptOffer while offering error = %v, want ErrInvalidState", err)
	}
}

func TestSession_BadAnswerFails(t *testing.T) {
	ta, _ := NewMockPair()
	s := NewSession("peer2", ta, Options{})
	s.CreateOffer(context.Background())

	err := s.AcceptAnswer(protocol.SessionDescription{Type: "offer"})
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("AcceptAnswer error = %v, want ErrNegotiation", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if err := s.WaitConnected(context.Background()); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("WaitConnected on failed session error = %v", err)
	}
}

func TestSession_RemoteCloseIsTerminal(t *testing.T) {
	a, b, _, _ := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	connect(t, ctx, a, b)

	closed := make(chan struct{})
	b.OnStateChange(func(_, to State, _ error) {
		if to == StateClosed {
			close(closed)
		}
	})
	if err := a.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if a.State() != StateClosed {
		t.Fatalf("local state = %s, want closed", a.State())
	}
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("remote side never observed close")
	}
	if err := b.AddRemoteCandidate(protocol.Candidate{Candidate: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("candidate after close error = %v, want ErrInvalidState", err)
	}
	if err := b.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after close error = %v, want ErrNotConnected", err)
	}
}

func TestSession_CloseDrainsPeer(t *testing.T) {
	a, b, _, _ := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.OnMessage(func(m []byte) {
		mu.Lock()
		got = append(got, string(m))
		mu.Unlock()
	})
	b.OnStateChange(func(_, to State, _ error) {
		if to == StateClosed {
			close(done)
		}
	})
	connect(t, ctx, a, b)

	for i := 0; i < 20; i++ {
		a.Send([]byte{byte('a' + i)})
	}
	a.Close()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("peer never closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("peer received %d messages before close, want 20", len(got))
	}
}

func connect(t *testing.T, ctx context.Context, a, b *Session) {
	t.Helper()
	offer, err := a.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer error = %v", err)
	}
	answer, err := b.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer error = %v", err)
	}
	if err := a.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer error = %v", err)
	}
	if err := a.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected error = %v", err)
	}
	if err := b.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected error = %v", err)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
