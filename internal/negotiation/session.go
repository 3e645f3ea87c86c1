package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

var (
	// ErrNegotiation covers any failure of the offer/answer/candidate exchange.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrNegotiationTimeout is returned when a session does not connect in time.
	ErrNegotiationTimeout = fmt.Errorf("%w: timed out", ErrNegotiation)
	// ErrNotConnected is returned by Send before the session is connected.
	ErrNotConnected = errors.New("session not connected")
	// ErrInvalidState is returned for an operation the current state forbids.
	ErrInvalidState = errors.New("invalid session state")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var transitions = map[State][]State{
	StateIdle:       {StateOffering, StateAnswering, StateFailed, StateClosed},
	StateOffering:   {StateConnecting, StateConnected, StateFailed, StateClosed},
	StateAnswering:  {StateConnecting, StateConnected, StateFailed, StateClosed},
	StateConnecting: {StateConnected, StateFailed, StateClosed},
	StateConnected:  {StateFailed, StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener observes transitions. err is set when entering StateFailed.
type StateListener func(from, to State, err error)

// Options configures a Session.
type Options struct {
	Logger *slog.Logger
	// OnLocalCandidate receives candidates to forward to the remote peer.
	OnLocalCandidate func(protocol.Candidate)
}

// Session negotiates one Transport with one remote peer. It is not reusable:
// once failed or closed the caller creates a new one.
type Session struct {
	peerID    string
	transport Transport
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	changed   chan struct{}
	remoteSet bool
	pending   []protocol.Candidate
	listeners []StateListener
	onMessage func([]byte)
}

// NewSession wraps t for negotiation with peerID.
func NewSession(peerID string, t Transport, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Session{
		peerID:    peerID,
		transport: t,
		logger:    logger.With("peer_id", peerID),
		changed:   make(chan struct{}),
	}

	onCandidate := opts.OnLocalCandidate
	t.OnLocalCandidate(func(c protocol.Candidate) {
		if onCandidate != nil && !s.State().Terminal() {
			onCandidate(c)
		}
	})
	t.OnState(s.handleTransportState)
	t.OnMessage(func(b []byte) {
		s.mu.Lock()
		h := s.onMessage
		s.mu.Unlock()
		if h != nil {
			h(b)
		}
	})
	return s
}

// PeerID returns the remote peer id.
func (s *Session) PeerID() string { return s.peerID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session has failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnStateChange adds a listener.
func (s *Session) OnStateChange(l StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// OnMessage sets the handler for messages received once connected.
func (s *Session) OnMessage(h func([]byte)) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

// CreateOffer moves idle to offering and returns the local offer.
func (s *Session) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := s.transition(StateIdle, StateOffering, nil); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
		s.fail(err)
		return protocol.SessionDescription{}, err
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the answer to relay back.
func (s *Session) AcceptOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	if err := s.transition(StateIdle, StateAnswering, nil); err != nil {
		return protocol.SessionDescription{}, err
	}
	answer, err := s.transport.AcceptOfferAndCreateAnswer(ctx, offer)
	if err != nil {
		err = fmt.Errorf("%w: accept offer: %v", ErrNegotiation, err)
		s.fail(err)
		return protocol.SessionDescription{}, err
	}
	s.remoteApplied()
	s.advance(StateAnswering, StateConnecting)
	return answer, nil
}

// AcceptAnswer applies the remote answer to an offering session.
func (s *Session) AcceptAnswer(answer protocol.SessionDescription) error {
	if err := s.transition(StateOffering, StateConnecting, nil); err != nil {
		return err
	}
	if err := s.transport.AcceptAnswer(answer); err != nil {
		err = fmt.Errorf("%w: accept answer: %v", ErrNegotiation, err)
		s.fail(err)
		return err
	}
	s.remoteApplied()
	return nil
}

// AddRemoteCandidate submits a remote candidate. Candidates that arrive
// before the remote description are held and applied once it is.
func (s *Session) AddRemoteCandidate(c protocol.Candidate) error {
	s.mu.Lock()
	if s.state.Terminal() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: candidate in state %s", ErrInvalidState, st)
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.AddRemoteCandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// Send writes one message on the connected channel.
func (s *Session) Send(b []byte) error {
	if st := s.State(); st != StateConnected {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}
	return s.transport.Send(b)
}

// WaitConnected blocks until the session connects, fails, or ctx ends. A
// ctx that ends first fails the session with ErrNegotiationTimeout.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, err, changed := s.state, s.err, s.changed
		s.mu.Unlock()

		switch {
		case st == StateConnected:
			return nil
		case st == StateFailed:
			return err
		case st == StateClosed:
			return fmt.Errorf("%w: session closed", ErrNegotiation)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
			s.fail(err)
			_ = s.transport.Close()
			return err
		}
	}
}

// Close ends the session and its transport.
func (s *Session) Close() error {
	if !s.moveTo(StateClosed, nil) {
		return nil
	}
	return s.transport.Close()
}

func (s *Session) handleTransportState(ts TransportState) {
	s.logger.Debug("transport state", "state", ts.String())
	switch ts {
	case TransportConnected:
		s.moveTo(StateConnected, nil)
	case TransportFailed:
		if s.State() == StateConnected {
			s.fail(errors.New("transport failed"))
			return
		}
		s.fail(fmt.Errorf("%w: transport failed", ErrNegotiation))
	case TransportClosed:
		s.moveTo(StateClosed, nil)
	}
}

func (s *Session) remoteApplied() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.transport.AddRemoteCandidate(c); err != nil {
			s.logger.Warn("buffered candidate rejected", "error", err)
		}
	}
}

func (s *Session) fail(err error) {
	s.moveTo(StateFailed, err)
}

// moveTo enters to from whatever the current state is, if allowed.
func (s *Session) moveTo(to State, cause error) bool {
	for {
		from := s.State()
		if !canTransition(from, to) {
			return false
		}
		if s.transition(from, to, cause) == nil {
			return true
		}
	}
}

// advance moves from -> to if still valid, silently ignoring stale moves.
func (s *Session) advance(from, to State) {
	_ = s.transition(from, to, nil)
}

func (s *Session) transition(from, to State, cause error) error {
	s.mu.Lock()
	if s.state != from || !canTransition(from, to) {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, st)
	}
	s.state = to
	if to == StateFailed {
		s.err = cause
	}
	close(s.changed)
	s.changed = make(chan struct{})
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warn("session state", "from", from.String(), "to", to.String(), "error", cause)
	} else {
		s.logger.Debug("session state", "from", from.String(), "to", to.String())
	}
	for _, l := range listeners {
		l(from, to, cause)
	}
	return nil
}
