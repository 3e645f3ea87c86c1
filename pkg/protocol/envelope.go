package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 1

// Envelope is the unit carried by the signaling channel.
// To is empty for broadcasts; Sender is stamped by the relay server.
type Envelope struct {
	V      int             `json:"v"`
	Type   string          `json:"type"`
	MsgID  string          `json:"msg_id"`
	To     string          `json:"to,omitempty"`
	Sender string          `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates a new envelope with the given message type and payload.
// The payload is automatically marshaled to JSON.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	return Envelope{
		V:     ProtocolVersion,
		Type:  msgType,
		MsgID: NewMsgID(),
		Data:  raw,
	}, nil
}

// Addressed returns a copy of the envelope targeted at peerID.
func (e Envelope) Addressed(peerID string) Envelope {
	e.To = peerID
	return e
}

// DecodePayload unmarshals the envelope's payload into the provided output struct.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Data) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic performs basic validation on the envelope.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	return nil
}

// NewMsgID generates a random 16-character hex string for message identification.
func NewMsgID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
