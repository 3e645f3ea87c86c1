package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/localloop/internal/chunk"
	"github.com/sheerbytes/localloop/internal/discovery"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

// StartSend offers files to peer and returns the offer id. Streaming starts
// once the peer accepts (relay) or the direct session connects.
func (m *Manager) StartSend(ctx context.Context, files []File, peer discovery.Peer) (string, error) {
	if len(files) == 0 {
		return "", errors.New("no files to send")
	}
	if peer.Sender == "" {
		return "", fmt.Errorf("%w: %s", discovery.ErrPeerUnreachable, peer.DisplayName)
	}

	kind := m.opts.Strategy
	size := m.opts.chunkSize(kind)
	offer := protocol.TransferOffer{
		OfferID:    uuid.NewString(),
		SenderID:   m.ch.ID(),
		SenderName: m.opts.SelfName,
	}
	fctx, cancel := context.WithCancel(m.ctx)
	f := &flow{
		offerID: offer.OfferID,
		role:    roleSender,
		kind:    kind,
		peer:    peer,
		files:   make(map[string]*fileState, len(files)),
		ctx:     fctx,
		cancel:  cancel,
	}
	for _, file := range files {
		id := uuid.NewString()
		offer.Files = append(offer.Files, protocol.FileManifestEntry{
			FileID:      id,
			FileName:    file.Name,
			FileSize:    uint64(len(file.Data)),
			FileType:    file.Type,
			TotalChunks: chunk.Count(uint64(len(file.Data)), size),
		})
		f.fileIDs = append(f.fileIDs, id)
		f.files[id] = &fileState{file: file, chunkSize: size}
	}
	f.offer = offer

	relay := NewRelayTransport(m.ch, peer.Sender)
	if kind == KindDirect {
		s, err := m.newSession(f)
		if err != nil {
			cancel()
			return "", err
		}
		f.session = s
		f.transport = NewDirectChannelTransport(s, relay)
	} else {
		f.transport = relay
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = f.transport.Close()
		return "", errManagerClosed
	}
	for _, other := range m.flows {
		if other.role == roleSender && !other.finished && other.peer.Sender == peer.Sender {
			m.mu.Unlock()
			cancel()
			_ = f.transport.Close()
			return "", ErrPeerBusy
		}
	}
	m.flows[f.offerID] = f
	for _, id := range f.fileIDs {
		m.files[id] = f
		_ = m.registry.Upsert(m.entryFor(f, id, StatusPending))
	}
	m.mu.Unlock()
	m.notifier.notify(true)

	m.logger.Info("offering files", "offer_id", f.offerID, "peer", peer.DisplayName, "files", len(files), "transport", kind)

	var err error
	if kind == KindDirect {
		err = m.offerDirect(ctx, f)
	} else {
		err = m.sendSignal(peer.Sender, protocol.TypeOffer, protocol.Offer{Kind: protocol.OfferKindFiles, Transfer: &offer})
	}
	if err != nil {
		m.failFlow(f, err, false)
		return f.offerID, err
	}
	return f.offerID, nil
}

func (m *Manager) offerDirect(ctx context.Context, f *flow) error {
	desc, err := f.session.CreateOffer(ctx)
	if err != nil {
		return err
	}
	offer := f.offer
	if err := m.sendSignal(f.peer.Sender, protocol.TypeOffer, protocol.Offer{
		Kind:     protocol.OfferKindSession,
		Session:  &desc,
		Transfer: &offer,
	}); err != nil {
		return err
	}
	m.signalSent(f)
	m.spawn(func() { m.awaitConnected(f, func() { m.startStreaming(f) }) })
	return nil
}

// startStreaming moves every pending file to sending and streams each one.
func (m *Manager) startStreaming(f *flow) {
	m.mu.Lock()
	if f.streaming || f.finished || f.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	f.streaming = true
	for _, id := range f.fileIDs {
		id := id // per-iteration copy; go directive is 1.21 (pre-1.22 loopvar semantics)
		if t, ok := m.registry.Get(id); !ok || t.Status != StatusPending {
			continue
		}
		if _, applied := m.updateLocked(id, func(t *Transfer) { t.Status = StatusSending }); !applied {
			continue
		}
		ctx, cancel := context.WithCancel(f.ctx)
		f.files[id].cancel = cancel
		m.goLocked(func() { m.streamFile(ctx, f, id) })
	}
	m.mu.Unlock()
	m.notifier.notify(true)
}

// streamFile sends every chunk of one file, then file-complete.
func (m *Manager) streamFile(ctx context.Context, f *flow, fileID string) {
	fs := f.files[fileID]
	m.mu.Lock()
	payload := fs.file.Data
	m.mu.Unlock()
	total := chunk.Count(uint64(len(payload)), fs.chunkSize)

	for i := uint32(0); i < total; i++ {
		c, err := chunk.At(payload, fs.chunkSize, i)
		if err != nil {
			m.sendFailed(f, fileID, err)
			return
		}
		sent, err := m.sendLocked(ctx, fs, protocol.FileChunk{
			FileID:      fileID,
			ChunkIndex:  i,
			TotalChunks: total,
			Payload:     c.Payload,
		}, f.transport)
		if !sent {
			return
		}
		if err != nil {
			m.sendFailed(f, fileID, err)
			return
		}
		m.sendProgress(fileID, i+1, total)

		if m.opts.ChunkYield > 0 && i+1 < total {
			timer := time.NewTimer(m.opts.ChunkYield)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	sent, err := m.sendLocked(ctx, fs, protocol.FileComplete{FileID: fileID}, f.transport)
	if !sent {
		return
	}
	if err != nil {
		m.sendFailed(f, fileID, err)
		return
	}

	m.mu.Lock()
	changed := m.terminateLocked(f, fileID, StatusCompleted, "")
	fs.file.Data = nil
	finished := m.finishLocked(f)
	m.mu.Unlock()

	m.logger.Info("file sent", "file_id", fileID, "name", fs.file.Name, "chunks", total)
	m.notifier.notify(changed)
	if finished {
		m.scheduleCompletion(f)
	}
}

// sendLocked sends msg under the file's send lock unless ctx is already done.
// sent is false when the file was cancelled before the send.
func (m *Manager) sendLocked(ctx context.Context, fs *fileState, msg protocol.TransferMessage, t Transport) (sent bool, err error) {
	fs.sendMu.Lock()
	defer fs.sendMu.Unlock()
	if ctx.Err() != nil {
		return false, nil
	}
	if err := t.Send(msg); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return true, err
	}
	return true, nil
}

func (m *Manager) sendProgress(fileID string, done, total uint32) {
	m.mu.Lock()
	_, applied := m.updateLocked(fileID, func(t *Transfer) {
		if t.Status != StatusSending {
			return
		}
		t.DoneChunks = done
		t.Progress = percent(done, total)
	})
	m.mu.Unlock()
	if applied {
		m.notifier.notify(false)
	}
}

// sendFailed marks one outgoing file as failed and reports it to the peer.
// Other files of the flow keep streaming.
func (m *Manager) sendFailed(f *flow, fileID string, err error) {
	m.mu.Lock()
	changed := m.terminateLocked(f, fileID, StatusError, err.Error())
	finished := m.finishLocked(f)
	m.mu.Unlock()

	m.logger.Warn("file send failed", "file_id", fileID, "error", err)
	m.notifier.notify(changed)
	if err := f.transport.Send(protocol.FileError{FileID: fileID, Error: err.Error()}); err != nil {
		m.logger.Debug("could not report failure to peer", "file_id", fileID, "error", err)
	}
	if finished {
		m.scheduleCompletion(f)
	}
}

func (m *Manager) onAccept(from string, msg protocol.FileAccept) {
	m.mu.Lock()
	f, ok := m.flows[msg.OfferID]
	valid := ok && f.role == roleSender && f.peer.Sender == from
	m.mu.Unlock()
	if !valid {
		m.logger.Warn("accept for unknown offer", "offer_id", msg.OfferID, "sender", from)
		return
	}
	if f.kind != KindRelay {
		return
	}
	m.logger.Info("offer accepted", "offer_id", msg.OfferID)
	m.startStreaming(f)
}

func (m *Manager) onRefuse(from string, msg protocol.FileRefuse) {
	m.mu.Lock()
	f, ok := m.flows[msg.OfferID]
	if !ok || f.role != roleSender || f.peer.Sender != from {
		m.mu.Unlock()
		m.logger.Warn("refusal for unknown offer", "offer_id", msg.OfferID, "sender", from)
		return
	}
	reason := remoteReason(ErrTransferRefused.Error(), msg.Reason)
	for _, id := range f.fileIDs {
		m.terminateLocked(f, id, StatusRefused, reason)
	}
	finished := m.finishLocked(f)
	m.mu.Unlock()

	m.logger.Info("offer refused", "offer_id", msg.OfferID, "reason", msg.Reason)
	m.notifier.notify(true)
	if f.kind == KindDirect {
		_ = f.transport.Close()
	}
	if finished {
		m.scheduleCompletion(f)
	}
}

func (m *Manager) onProgress(from string, msg protocol.FileProgress) {
	m.mu.Lock()
	f, _, ok := m.fileFlowLocked(from, msg.FileID)
	if !ok || f.role != roleSender {
		m.mu.Unlock()
		return
	}
	_, applied := m.updateLocked(msg.FileID, func(t *Transfer) {
		p := msg.Progress
		if p > 100 {
			p = 100
		}
		if p > t.RemoteProgress {
			t.RemoteProgress = p
		}
	})
	m.mu.Unlock()
	if applied {
		m.notifier.notify(false)
	}
}

// RetryTransfer re-offers a failed, cancelled, or refused outgoing file as a
// new single-file flow to the same peer.
func (m *Manager) RetryTransfer(ctx context.Context, fileID string) (string, error) {
	m.mu.Lock()
	f, ok := m.files[fileID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	if f.role != roleSender {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: only outgoing files can be retried", ErrNotRetryable)
	}
	if !f.finished {
		m.mu.Unlock()
		return "", ErrFlowActive
	}
	t, _ := m.registry.Get(fileID)
	if t.Status == StatusCompleted {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s already completed", ErrNotRetryable, t.FileName)
	}
	file := f.files[fileID].file
	peer := f.peer
	m.mu.Unlock()

	m.logger.Info("retrying file", "file_id", fileID, "name", file.Name)
	return m.StartSend(ctx, []File{file}, peer)
}
