// Package transferwebrtc implements the negotiation transport on a pion
// PeerConnection carrying one ordered data channel.
package transferwebrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/negotiation"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

const drainTimeout = 5 * time.Second

var _ negotiation.Transport = (*Transport)(nil)

// Transport wraps a PeerConnection and implements negotiation.Transport.
type Transport struct {
	pc     *webrtc.PeerConnection
	config Config
	logger *slog.Logger

	sendMu    sync.Mutex
	lowCh     chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	reasm       reassembler
	terminal    bool
	closed      chan struct{}
	onCandidate func(protocol.Candidate)
	onState     func(negotiation.TransportState)
	onMessage   func([]byte)
}

// New creates a Transport over a fresh PeerConnection.
func New(config Config) (*Transport, error) {
	config = config.withDefaults()
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	pc, err := NewPeerConnection(DefaultPeerConnectionConfig(config.STUNServers, config.TURNServers))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		pc:     pc,
		config: config,
		logger: logger,
		lowCh:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(candidateFromInit(c.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed:
			t.report(negotiation.TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			t.report(negotiation.TransportClosed)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != t.config.Label {
			t.logger.Warn("unexpected data channel", "label", dc.Label())
			dc.Close()
			return
		}
		t.attach(dc)
	})

	return t, nil
}

// NewFactory returns a negotiation.Factory producing transports with config.
func NewFactory(config Config) negotiation.Factory {
	return func() (negotiation.Transport, error) {
		return New(config)
	}
}

func (t *Transport) OnLocalCandidate(fn func(protocol.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnState(fn func(negotiation.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// CreateOffer opens the data channel and returns the local offer.
// Candidates trickle through OnLocalCandidate.
func (t *Transport) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(t.config.Label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("failed to create data channel: %w", err)
	}
	t.attach(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return descriptionFrom(offer), nil
}

func (t *Transport) AcceptOfferAndCreateAnswer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	remote, err := descriptionTo(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return descriptionFrom(answer), nil
}

func (t *Transport) AcceptAnswer(answer protocol.SessionDescription) error {
	remote, err := descriptionTo(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *Transport) AddRemoteCandidate(c protocol.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Send writes b as one logical message, fragmenting it to fit the channel
// and waiting while the outbound buffer is above MaxBuffered.
func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return io.ErrClosedPipe
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, frag := range fragment(b, t.config.FragmentSize) {
		for dc.BufferedAmount() > t.config.MaxBuffered {
			select {
			case <-t.lowCh:
			case <-t.closed:
				return io.ErrClosedPipe
			case <-time.After(100 * time.Millisecond):
			}
		}
		if err := dc.Send(frag); err != nil {
			return fmt.Errorf("failed to send data: %w", err)
		}
	}
	return nil
}

// Close waits briefly for queued data to flush, then closes the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		dc := t.dc
		t.mu.Unlock()
		if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			deadline := time.Now().Add(drainTimeout)
			for dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		}
		t.report(negotiation.TransportClosed)
		err = t.pc.Close()
	})
	return err
}

func (t *Transport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(t.config.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		t.logger.Debug("data channel open", "label", dc.Label())
		t.report(negotiation.TransportConnected)
	})
	dc.OnClose(func() {
		t.report(negotiation.TransportClosed)
	})
	dc.OnError(func(err error) {
		t.logger.Warn("data channel error", "error", err)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		whole, ok, err := t.reasm.add(msg.Data)
		fn := t.onMessage
		t.mu.Unlock()
		if err != nil {
			t.logger.Warn("dropping malformed fragment", "error", err)
			return
		}
		if ok && fn != nil {
			fn(whole)
		}
	})
}

// report forwards s to the state callback. Nothing is reported after a
// terminal state.
func (t *Transport) report(s negotiation.TransportState) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	if s == negotiation.TransportFailed || s == negotiation.TransportClosed {
		t.terminal = true
		close(t.closed)
	}
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func descriptionFrom(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func descriptionTo(d protocol.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if webrtc.NewSDPType(d.Type) != want {
		return webrtc.SessionDescription{}, fmt.Errorf("expected %s description, got %q", want, d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: want, SDP: d.SDP}, nil
}

func candidateFromInit(init webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}
