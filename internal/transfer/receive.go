package transfer

import (
	"context"
	"fmt"

	"github.com/sheerbytes/localloop/internal/chunk"
	"github.com/sheerbytes/localloop/internal/discovery"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

const refuseReason = "declined by receiver"

func (m *Manager) handleOffer(env protocol.Envelope) {
	var o protocol.Offer
	if err := env.DecodePayload(&o); err != nil {
		m.logger.Warn("invalid offer", "sender", env.Sender, "error", err)
		return
	}
	if err := o.Validate(); err != nil {
		m.logger.Warn("invalid offer", "sender", env.Sender, "error", err)
		return
	}
	offer := *o.Transfer
	kind := KindRelay
	if o.Kind == protocol.OfferKindSession {
		kind = KindDirect
	}

	fctx, cancel := context.WithCancel(m.ctx)
	f := &flow{
		offerID: offer.OfferID,
		role:    roleReceiver,
		kind:    kind,
		peer: discovery.Peer{
			ID:          offer.SenderID,
			DisplayName: offer.SenderName,
			Sender:      env.Sender,
		},
		offer:         offer,
		files:         make(map[string]*fileState, len(offer.Files)),
		ctx:           fctx,
		cancel:        cancel,
		remoteSession: o.Session,
	}
	for _, e := range offer.Files {
		f.fileIDs = append(f.fileIDs, e.FileID)
		f.files[e.FileID] = &fileState{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	if _, dup := m.flows[offer.OfferID]; dup {
		m.mu.Unlock()
		cancel()
		return
	}
	for _, id := range f.fileIDs {
		if _, dup := m.files[id]; dup {
			m.mu.Unlock()
			cancel()
			m.logger.Warn("offer reuses a known file id", "offer_id", offer.OfferID, "file_id", id)
			return
		}
	}
	m.flows[f.offerID] = f
	for _, id := range f.fileIDs {
		m.files[id] = f
	}
	m.mu.Unlock()

	m.logger.Info("incoming offer", "offer_id", offer.OfferID, "from", offer.SenderName, "files", len(offer.Files), "transport", kind)
	if cb := m.opts.OnIncomingOffer; cb != nil {
		cb(offer)
	}
}

// decideLocked claims the pending decision on offerID. Caller holds m.mu.
func (m *Manager) decideLocked(offerID string) (*flow, error) {
	f, ok := m.flows[offerID]
	if !ok || f.role != roleReceiver || f.decided {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	f.decided = true
	return f, nil
}

// AcceptOffer creates receiving entries for every file of the offer and
// asks the sender to start.
func (m *Manager) AcceptOffer(ctx context.Context, offerID string) error {
	m.mu.Lock()
	f, err := m.decideLocked(offerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	relay := NewRelayTransport(m.ch, f.peer.Sender)
	if f.kind == KindRelay {
		f.transport = relay
	}
	for _, e := range f.offer.Files {
		fs := f.files[e.FileID]
		fs.chunks = make(map[uint32][]byte)
		fs.have = chunk.NewBitmap(e.TotalChunks)
		_ = m.registry.Upsert(m.entryFor(f, e.FileID, StatusReceiving))
	}
	m.mu.Unlock()
	m.notifier.notify(true)
	m.logger.Info("offer accepted", "offer_id", offerID)

	if f.kind == KindRelay {
		if err := relay.Send(protocol.FileAccept{OfferID: offerID}); err != nil {
			m.failFlow(f, err, false)
			return err
		}
		return nil
	}

	s, err := m.newSession(f)
	if err != nil {
		m.mu.Lock()
		f.transport = relay
		m.mu.Unlock()
		m.failFlow(f, err, true)
		return err
	}
	m.mu.Lock()
	f.session = s
	f.transport = NewDirectChannelTransport(s, relay)
	pending := f.candidates
	f.candidates = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := s.AddRemoteCandidate(c); err != nil {
			m.logger.Debug("buffered candidate rejected", "offer_id", offerID, "error", err)
		}
	}
	answer, err := s.AcceptOffer(ctx, *f.remoteSession)
	if err != nil {
		m.failFlow(f, err, true)
		return err
	}
	if err := m.sendSignal(f.peer.Sender, protocol.TypeAnswer, protocol.Answer{OfferID: offerID, Session: answer}); err != nil {
		m.failFlow(f, err, true)
		return err
	}
	m.signalSent(f)
	m.spawn(func() { m.awaitConnected(f, nil) })
	return nil
}

// RefuseOffer records every file of the offer as refused and tells the
// sender. No chunk is ever requested.
func (m *Manager) RefuseOffer(ctx context.Context, offerID string) error {
	m.mu.Lock()
	f, err := m.decideLocked(offerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, id := range f.fileIDs {
		t := m.entryFor(f, id, StatusRefused)
		t.Error = refuseReason
		_ = m.registry.Upsert(t)
	}
	finished := m.finishLocked(f)
	m.mu.Unlock()

	m.logger.Info("offer refused", "offer_id", offerID)
	m.notifier.notify(true)
	err = m.sendSignal(f.peer.Sender, protocol.TypeFileRefuse, protocol.FileRefuse{OfferID: offerID, Reason: refuseReason})
	if finished {
		m.scheduleCompletion(f)
	}
	return err
}

func (m *Manager) onChunk(from string, msg protocol.FileChunk) {
	m.mu.Lock()
	f, fs, ok := m.fileFlowLocked(from, msg.FileID)
	if !ok || f.role != roleReceiver {
		m.mu.Unlock()
		m.logger.Warn("chunk for unknown file", "file_id", msg.FileID, "sender", from)
		return
	}
	t, ok := m.registry.Get(msg.FileID)
	if !ok || t.Status != StatusReceiving {
		m.mu.Unlock()
		return
	}
	if msg.TotalChunks != t.TotalChunks || msg.ChunkIndex >= t.TotalChunks {
		m.mu.Unlock()
		m.logger.Warn("chunk outside manifest", "file_id", msg.FileID, "index", msg.ChunkIndex, "total", msg.TotalChunks)
		return
	}
	if !fs.have.Set(msg.ChunkIndex) {
		m.mu.Unlock()
		return
	}
	fs.chunks[msg.ChunkIndex] = msg.Payload
	done := fs.have.Count()
	p := percent(done, t.TotalChunks)

	var (
		artifact *Artifact
		changed  bool
	)
	if done == t.TotalChunks {
		data, err := chunk.Reassemble(fs.chunks, t.TotalChunks)
		if err != nil {
			changed = m.terminateLocked(f, msg.FileID, StatusError, err.Error())
		} else {
			m.updateLocked(msg.FileID, func(t *Transfer) { t.DoneChunks = done })
			changed = m.terminateLocked(f, msg.FileID, StatusCompleted, "")
			artifact = m.artifactFor(f, t, data)
		}
	} else {
		m.updateLocked(msg.FileID, func(t *Transfer) {
			t.DoneChunks = done
			t.Progress = p
		})
	}
	report := p != fs.reported
	fs.reported = p
	finished := m.finishLocked(f)
	transport := f.transport
	m.mu.Unlock()

	m.notifier.notify(changed)
	if report && transport != nil {
		if err := transport.Send(protocol.FileProgress{FileID: msg.FileID, Progress: p}); err != nil {
			m.logger.Debug("progress report failed", "file_id", msg.FileID, "error", err)
		}
	}
	if artifact != nil {
		m.deliver(*artifact)
	}
	if finished {
		m.scheduleCompletion(f)
	}
}

func (m *Manager) onComplete(from string, msg protocol.FileComplete) {
	m.mu.Lock()
	f, fs, ok := m.fileFlowLocked(from, msg.FileID)
	if !ok || f.role != roleReceiver {
		m.mu.Unlock()
		m.logger.Warn("completion for unknown file", "file_id", msg.FileID, "sender", from)
		return
	}
	t, ok := m.registry.Get(msg.FileID)
	if !ok || t.Status != StatusReceiving {
		m.mu.Unlock()
		return
	}
	var (
		artifact *Artifact
		changed  bool
	)
	if t.TotalChunks == 0 {
		changed = m.terminateLocked(f, msg.FileID, StatusCompleted, "")
		artifact = m.artifactFor(f, t, []byte{})
	} else {
		reason := fmt.Sprintf("%v: received %d of %d", chunk.ErrIncompleteChunks, fs.have.Count(), t.TotalChunks)
		changed = m.terminateLocked(f, msg.FileID, StatusError, reason)
	}
	finished := m.finishLocked(f)
	transport := f.transport
	m.mu.Unlock()

	m.notifier.notify(changed)
	if artifact != nil {
		if transport != nil {
			_ = transport.Send(protocol.FileProgress{FileID: msg.FileID, Progress: 100})
		}
		m.deliver(*artifact)
	}
	if finished {
		m.scheduleCompletion(f)
	}
}

func (m *Manager) artifactFor(f *flow, t Transfer, data []byte) *Artifact {
	return &Artifact{
		FileID:   t.FileID,
		OfferID:  f.offerID,
		FileName: t.FileName,
		FileType: t.FileType,
		PeerName: f.peer.DisplayName,
		Data:     data,
	}
}

func (m *Manager) deliver(a Artifact) {
	m.logger.Info("file received", "file_id", a.FileID, "name", a.FileName, "bytes", len(a.Data))
	if cb := m.opts.OnArtifact; cb != nil {
		cb(a)
	}
}
