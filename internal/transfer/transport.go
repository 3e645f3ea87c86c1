package transfer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sheerbytes/localloop/internal/chunk"
	"github.com/sheerbytes/localloop/internal/negotiation"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

// Transport strategies.
const (
	KindRelay  = "relay"
	KindDirect = "direct"
)

// controlTag marks a JSON control frame on the direct channel. Chunk frames
// start with chunk.FrameTag.
const controlTag byte = 0x02

// Transport carries transfer messages to the remote peer of one flow.
type Transport interface {
	Kind() string
	Send(msg protocol.TransferMessage) error
	Close() error
}

var (
	_ Transport = (*RelayTransport)(nil)
	_ Transport = (*DirectChannelTransport)(nil)
)

// RelayTransport sends every message as an addressed signaling envelope.
type RelayTransport struct {
	ch     signaling.Channel
	peerID string
}

// NewRelayTransport relays messages to peerID over ch.
func NewRelayTransport(ch signaling.Channel, peerID string) *RelayTransport {
	return &RelayTransport{ch: ch, peerID: peerID}
}

func (t *RelayTransport) Kind() string { return KindRelay }

func (t *RelayTransport) Send(msg protocol.TransferMessage) error {
	env, err := protocol.NewEnvelope(msg.MessageType(), msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := t.ch.Send(env.Addressed(t.peerID)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (t *RelayTransport) Close() error { return nil }

// DirectChannelTransport sends over a negotiated session. Control messages
// fall back to signaling while the session is not connected, so a cancel
// or error still reaches the peer.
type DirectChannelTransport struct {
	session *negotiation.Session
	control *RelayTransport
}

// NewDirectChannelTransport wraps session; control is used as fallback.
func NewDirectChannelTransport(session *negotiation.Session, control *RelayTransport) *DirectChannelTransport {
	return &DirectChannelTransport{session: session, control: control}
}

func (t *DirectChannelTransport) Kind() string { return KindDirect }

func (t *DirectChannelTransport) Send(msg protocol.TransferMessage) error {
	if _, isChunk := msg.(protocol.FileChunk); !isChunk && t.session.State() != negotiation.StateConnected {
		return t.control.Send(msg)
	}
	b, err := EncodeDirect(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := t.session.Send(b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (t *DirectChannelTransport) Close() error { return t.session.Close() }

type controlFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeDirect encodes msg for the direct channel: chunks as binary frames,
// everything else as a tagged JSON control frame.
func EncodeDirect(msg protocol.TransferMessage) ([]byte, error) {
	if c, ok := msg.(protocol.FileChunk); ok {
		return chunk.Encode(chunk.Chunk{
			FileID:      c.FileID,
			Index:       c.ChunkIndex,
			TotalChunks: c.TotalChunks,
			Payload:     c.Payload,
		})
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(controlFrame{Type: msg.MessageType(), Data: data})
	if err != nil {
		return nil, err
	}
	return append([]byte{controlTag}, frame...), nil
}

// DecodeDirect is the inverse of EncodeDirect.
func DecodeDirect(b []byte) (protocol.TransferMessage, error) {
	if len(b) == 0 {
		return nil, errors.New("empty direct message")
	}
	switch {
	case chunk.IsFrame(b):
		c, err := chunk.Decode(b)
		if err != nil {
			return nil, err
		}
		return protocol.FileChunk{
			FileID:      c.FileID,
			ChunkIndex:  c.Index,
			TotalChunks: c.TotalChunks,
			Payload:     c.Payload,
		}, nil
	case b[0] == controlTag:
		var f controlFrame
		if err := json.Unmarshal(b[1:], &f); err != nil {
			return nil, fmt.Errorf("decode control frame: %w", err)
		}
		return protocol.DecodeTransferMessage(f.Type, f.Data)
	default:
		return nil, fmt.Errorf("unknown direct message tag 0x%02x", b[0])
	}
}
