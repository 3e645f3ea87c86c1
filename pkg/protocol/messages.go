package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is sent by the relay server when an envelope cannot be routed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Discovery is broadcast to find reachable peers.
type Discovery struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// DiscoveryResponse answers a Discovery and is addressed to its sender.
type DiscoveryResponse struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// SessionDescription is an opaque offer or answer produced by a negotiation transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque connectivity candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// FileManifestEntry describes one offered file.
type FileManifestEntry struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    uint64 `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks uint32 `json:"totalChunks"`
}

// TransferOffer is the manifest of every file in one send flow.
type TransferOffer struct {
	OfferID    string              `json:"offerId"`
	SenderID   string              `json:"senderId"`
	SenderName string              `json:"senderName"`
	Files      []FileManifestEntry `json:"files"`
}

// Offer is the payload of TypeOffer. Kind selects which of the remaining
// fields is meaningful: OfferKindFiles carries only Transfer, OfferKindSession
// carries a session description plus the manifest it will deliver.
type Offer struct {
	Kind     string              `json:"kind"`
	Session  *SessionDescription `json:"session,omitempty"`
	Transfer *TransferOffer      `json:"transfer,omitempty"`
}

// Validate checks that the fields required by Kind are present and that the
// manifest is self-consistent.
func (o Offer) Validate() error {
	switch o.Kind {
	case OfferKindFiles:
		if o.Transfer == nil {
			return errors.New("files offer without manifest")
		}
	case OfferKindSession:
		if o.Session == nil || o.Transfer == nil {
			return errors.New("session offer requires description and manifest")
		}
	default:
		return fmt.Errorf("unknown offer kind %q", o.Kind)
	}
	if o.Transfer.OfferID == "" {
		return errors.New("offer id is required")
	}
	return o.Transfer.validateFiles()
}

func (t *TransferOffer) validateFiles() error {
	if len(t.Files) == 0 {
		return errors.New("offer lists no files")
	}
	seen := make(map[string]struct{}, len(t.Files))
	for _, f := range t.Files {
		if f.FileID == "" {
			return errors.New("file id is required")
		}
		if _, dup := seen[f.FileID]; dup {
			return fmt.Errorf("duplicate file id %q", f.FileID)
		}
		seen[f.FileID] = struct{}{}
		if (f.TotalChunks == 0) != (f.FileSize == 0) {
			return fmt.Errorf("file %q: %d chunks for %d bytes", f.FileID, f.TotalChunks, f.FileSize)
		}
		// Every chunk carries at least one byte.
		if uint64(f.TotalChunks) > f.FileSize {
			return fmt.Errorf("file %q: %d chunks exceed %d bytes", f.FileID, f.TotalChunks, f.FileSize)
		}
	}
	return nil
}

// Answer is the payload of TypeAnswer.
type Answer struct {
	OfferID string             `json:"offerId"`
	Session SessionDescription `json:"session"`
}

// IceCandidate is the payload of TypeIceCandidate.
type IceCandidate struct {
	OfferID   string    `json:"offerId"`
	Candidate Candidate `json:"candidate"`
}

// TransferMessage is the closed set of messages exchanged during a transfer
// flow, whichever transport carries them.
type TransferMessage interface {
	MessageType() string
	transferMessage()
}

// FileAccept accepts every file of an offer.
type FileAccept struct {
	OfferID string `json:"offerId"`
}

// FileRefuse declines every file of an offer.
type FileRefuse struct {
	OfferID string `json:"offerId"`
	Reason  string `json:"reason,omitempty"`
}

// FileChunk carries one chunk. Payload is base64 in JSON form.
type FileChunk struct {
	FileID      string `json:"fileId"`
	ChunkIndex  uint32 `json:"chunkIndex"`
	TotalChunks uint32 `json:"totalChunks"`
	Payload     []byte `json:"chunk"`
}

// FileProgress reports receiver-side progress back to the sender.
type FileProgress struct {
	FileID   string `json:"fileId"`
	Progress int    `json:"progress"`
}

// FileComplete marks the end of a file's chunk stream.
type FileComplete struct {
	FileID string `json:"fileId"`
}

// FileError reports a failure of one file.
type FileError struct {
	FileID string `json:"fileId"`
	Error  string `json:"error"`
}

// FileCancel aborts one file.
type FileCancel struct {
	FileID string `json:"fileId"`
}

func (FileAccept) MessageType() string   { return TypeFileAccept }
func (FileRefuse) MessageType() string   { return TypeFileRefuse }
func (FileChunk) MessageType() string    { return TypeFileChunk }
func (FileProgress) MessageType() string { return TypeFileProgress }
func (FileComplete) MessageType() string { return TypeFileComplete }
func (FileError) MessageType() string    { return TypeFileError }
func (FileCancel) MessageType() string   { return TypeFileCancel }

func (FileAccept) transferMessage()   {}
func (FileRefuse) transferMessage()   {}
func (FileChunk) transferMessage()    {}
func (FileProgress) transferMessage() {}
func (FileComplete) transferMessage() {}
func (FileError) transferMessage()    {}
func (FileCancel) transferMessage()   {}

// DecodeTransferMessage decodes the JSON payload of a transfer message of the given type.
func DecodeTransferMessage(msgType string, data json.RawMessage) (TransferMessage, error) {
	var (
		msg TransferMessage
		err error
	)
	switch msgType {
	case TypeFileAccept:
		var m FileAccept
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileRefuse:
		var m FileRefuse
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileChunk:
		var m FileChunk
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileProgress:
		var m FileProgress
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileComplete:
		var m FileComplete
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileError:
		var m FileError
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileCancel:
		var m FileCancel
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown transfer message type %q", msgType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msgType, err)
	}
	return msg, nil
}
