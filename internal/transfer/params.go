package transfer

import (
	"log/slog"
	"time"

	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/internal/negotiation"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

const (
	DefaultRelayChunkSize     = 200 * 1024
	DefaultDirectChunkSize    = 1024 * 1024
	DefaultChunkYield         = 10 * time.Millisecond
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultCompletionDelay    = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	// SelfName is announced as the sender name in offers.
	SelfName string

	// Strategy selects KindRelay or KindDirect for outgoing flows. Incoming
	// flows follow whatever the sender chose.
	Strategy string
	// TransportFactory creates negotiation transports; required for KindDirect.
	TransportFactory negotiation.Factory

	RelayChunkSize  uint32
	DirectChunkSize uint32

	// ChunkYield pauses between chunks; negative disables the pause.
	ChunkYield time.Duration
	// NegotiationTimeout bounds offer to connected on the direct path.
	NegotiationTimeout time.Duration
	// CompletionDelay separates the last terminal status from
	// OnTransferComplete; negative fires immediately.
	CompletionDelay time.Duration
	// NotifyInterval throttles OnUpdate.
	NotifyInterval time.Duration

	Logger *slog.Logger

	// OnIncomingOffer surfaces an offer for AcceptOffer or RefuseOffer. It
	// runs on the delivery goroutine and must not block.
	OnIncomingOffer func(offer protocol.TransferOffer)
	// OnTransferComplete fires once per flow after every file is terminal.
	OnTransferComplete func(offerID string, transfers []Transfer)
	// OnArtifact receives each fully reassembled file.
	OnArtifact func(a Artifact)
	// OnUpdate receives registry snapshots.
	OnUpdate func(transfers []Transfer)
}

// normalizeOptions applies defaults.
func normalizeOptions(opts Options) Options {
	out := opts
	if out.Strategy == "" {
		out.Strategy = KindRelay
	}
	if out.RelayChunkSize == 0 {
		out.RelayChunkSize = DefaultRelayChunkSize
	}
	if out.DirectChunkSize == 0 {
		out.DirectChunkSize = DefaultDirectChunkSize
	}
	if out.ChunkYield == 0 {
		out.ChunkYield = DefaultChunkYield
	}
	if out.ChunkYield < 0 {
		out.ChunkYield = 0
	}
	if out.NegotiationTimeout <= 0 {
		out.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if out.CompletionDelay == 0 {
		out.CompletionDelay = DefaultCompletionDelay
	}
	if out.CompletionDelay < 0 {
		out.CompletionDelay = 0
	}
	if out.NotifyInterval <= 0 {
		out.NotifyInterval = defaultNotifyInterval
	}
	if out.Logger == nil {
		out.Logger = logging.Discard()
	}
	return out
}

func (o Options) chunkSize(kind string) uint32 {
	if kind == KindDirect {
		return o.DirectChunkSize
	}
	return o.RelayChunkSize
}
