// Package negotiation drives the offer/answer/candidate exchange that
// establishes a direct byte channel to one remote peer.
package negotiation

import (
	"context"

	"github.com/sheerbytes/localloop/pkg/protocol"
)

// TransportState is the connectivity reported by a Transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the peer-connection primitive a Session drives. Descriptions
// and candidates are opaque to the session; the caller ferries them over
// signaling.
type Transport interface {
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	AcceptOfferAndCreateAnswer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
	AcceptAnswer(answer protocol.SessionDescription) error
	AddRemoteCandidate(c protocol.Candidate) error

	// Callbacks are registered once, before CreateOffer or
	// AcceptOfferAndCreateAnswer, and may be invoked from any goroutine.
	OnLocalCandidate(fn func(protocol.Candidate))
	OnState(fn func(TransportState))
	OnMessage(fn func([]byte))

	// Send delivers one message. Messages arrive in order.
	Send(b []byte) error
	Close() error
}

// Factory creates a fresh Transport for one session.
type Factory func() (Transport, error)
