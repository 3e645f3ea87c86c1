// Package transfer moves files between two peers, over a negotiated direct
// channel or relayed through signaling, and tracks every file's progress.
package transfer

import (
	"errors"
	"time"
)

var (
	ErrTransport         = errors.New("transport error")
	ErrTransferCancelled = errors.New("transfer cancelled")
	ErrTransferRefused   = errors.New("transfer refused")
	ErrUnknownFile       = errors.New("unknown file")
	ErrUnknownOffer      = errors.New("unknown offer")
	ErrPeerBusy          = errors.New("a transfer to this peer is already active")
	ErrFlowActive        = errors.New("transfer flow still active")
	ErrNotRetryable      = errors.New("transfer cannot be retried")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle position of one file transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusReceiving Status = "receiving"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusRefused   Status = "refused"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusRefused:
		return true
	}
	return false
}

// InProgress reports whether bytes are moving.
func (s Status) InProgress() bool {
	return s == StatusSending || s == StatusReceiving
}

// CanTransition reports whether s may move to next. Statuses only move
// forward; pending is never re-entered.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case StatusPending:
		return next != StatusPending
	case StatusSending, StatusReceiving:
		return next.Terminal()
	}
	return false
}

// Direction tells which side of the flow a Transfer belongs to.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Transfer is the observable state of one file. Values returned by the
// registry are copies.
type Transfer struct {
	FileID    string
	OfferID   string
	FileName  string
	FileSize  uint64
	FileType  string
	Direction Direction
	Transport string

	Status      Status
	TotalChunks uint32
	DoneChunks  uint32
	// Progress is local progress, 0..100.
	Progress int
	// RemoteProgress is the receiver's acknowledged progress, sender side only.
	RemoteProgress int
	// Error is the human readable reason for a non-success terminal status.
	Error string

	PeerID    string
	PeerName  string
	UpdatedAt time.Time
}

// File is one payload selected for sending.
type File struct {
	Name string
	Type string
	Data []byte
}

// Artifact is a fully reassembled received file.
type Artifact struct {
	FileID   string
	OfferID  string
	FileName string
	FileType string
	PeerName string
	Data     []byte
}

// percent is floor(done/total*100); a zero-chunk file is complete at once.
func percent(done, total uint32) int {
	if total == 0 {
		return 100
	}
	return int(uint64(done) * 100 / uint64(total))
}
