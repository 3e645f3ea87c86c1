package protocol

// Message type constants for signaling envelopes.
const (
	TypeError                 = "error"
	TypePeerDiscovery         = "peer-discovery"
	TypePeerDiscoveryResponse = "peer-discovery-response"
	TypeOffer                 = "offer"
	TypeAnswer                = "answer"
	TypeIceCandidate          = "ice-candidate"
	TypeFileAccept            = "file-accept"
	TypeFileRefuse            = "file-refuse"
	TypeFileChunk             = "file-chunk"
	TypeFileProgress          = "file-progress"
	TypeFileComplete          = "file-complete"
	TypeFileError             = "file-error"
	TypeFileCancel            = "file-cancel"
)

// TransferTypes lists the envelope types that carry transfer messages.
var TransferTypes = []string{
	TypeFileAccept,
	TypeFileRefuse,
	TypeFileChunk,
	TypeFileProgress,
	TypeFileComplete,
	TypeFileError,
	TypeFileCancel,
}

// Offer kinds distinguish the two payloads that travel as TypeOffer.
const (
	OfferKindFiles   = "files"
	OfferKindSession = "session"
)
