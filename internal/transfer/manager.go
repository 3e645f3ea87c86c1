package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/localloop/internal/chunk"
	"github.com/sheerbytes/localloop/internal/discovery"
	"github.com/sheerbytes/localloop/internal/negotiation"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

var errManagerClosed = errors.New("transfer manager closed")

type role int

const (
	roleSender role = iota
	roleReceiver
)

// fileState is the private per-file state behind a registry entry.
type fileState struct {
	// sendMu orders chunk emission against cancellation on the sender.
	sendMu    sync.Mutex
	file      File
	chunkSize uint32
	cancel    context.CancelFunc

	chunks   map[uint32][]byte
	have     *chunk.Bitmap
	reported int
}

// flow is one offer and every file in it.
type flow struct {
	offerID string
	role    role
	kind    string
	peer    discovery.Peer
	offer   protocol.TransferOffer
	fileIDs []string
	files   map[string]*fileState

	ctx    context.Context
	cancel context.CancelFunc

	transport     Transport
	session       *negotiation.Session
	remoteSession *protocol.SessionDescription
	candidates    []protocol.Candidate

	// Local candidates wait until our offer or answer is on the wire.
	signalReady     bool
	localCandidates []protocol.Candidate

	decided   bool
	streaming bool
	finished  bool
}

// Manager drives send and receive flows for one local peer.
type Manager struct {
	ch       signaling.Channel
	opts     Options
	logger   *slog.Logger
	registry *Registry
	notifier *notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	flows  map[string]*flow
	files  map[string]*flow
	timers map[*time.Timer]struct{}
	unsubs []func()
}

// NewManager creates a Manager on ch. Call Start to begin handling messages.
func NewManager(ch signaling.Channel, opts Options) *Manager {
	opts = normalizeOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ch:       ch,
		opts:     opts,
		logger:   opts.Logger.With("peer_id", ch.ID()),
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		flows:    make(map[string]*flow),
		files:    make(map[string]*flow),
		timers:   make(map[*time.Timer]struct{}),
	}
	m.notifier = newNotifier(opts.NotifyInterval, m.registry.All, opts.OnUpdate)
	return m
}

// Start subscribes to signaling.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unsubs) > 0 || m.closed {
		return
	}
	types := append([]string{protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate}, protocol.TransferTypes...)
	for _, t := range types {
		m.unsubs = append(m.unsubs, m.ch.Subscribe(t, m.handleSignal))
	}
}

// Close stops every flow and waits for background work to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	flows := m.detachFlowsLocked()
	m.stopTimersLocked()
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	m.cancel()
	closeFlows(flows)
	m.wg.Wait()
	m.notifier.stop()
	return nil
}

// Snapshot returns every tracked transfer.
func (m *Manager) Snapshot() []Transfer { return m.registry.All() }

// Get returns one transfer.
func (m *Manager) Get(fileID string) (Transfer, bool) { return m.registry.Get(fileID) }

// AggregateProgress is the mean progress over all tracked transfers.
func (m *Manager) AggregateProgress() int { return m.registry.AggregateProgress() }

// PendingOffers returns incoming offers still awaiting a decision.
func (m *Manager) PendingOffers() []protocol.TransferOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.TransferOffer
	for _, f := range m.flows {
		if f.role == roleReceiver && !f.decided {
			out = append(out, f.offer)
		}
	}
	return out
}

// Reset drops every flow and empties the registry.
func (m *Manager) Reset() {
	m.mu.Lock()
	flows := m.detachFlowsLocked()
	m.stopTimersLocked()
	m.registry.Reset()
	m.mu.Unlock()

	closeFlows(flows)
	m.notifier.notify(true)
}

func (m *Manager) detachFlowsLocked() []*flow {
	flows := make([]*flow, 0, len(m.flows))
	for _, f := range m.flows {
		f.cancel()
		flows = append(flows, f)
	}
	m.flows = make(map[string]*flow)
	m.files = make(map[string]*flow)
	return flows
}

func closeFlows(flows []*flow) {
	for _, f := range flows {
		if f.transport != nil {
			_ = f.transport.Close()
		} else if f.session != nil {
			_ = f.session.Close()
		}
	}
}

func (m *Manager) stopTimersLocked() {
	for t := range m.timers {
		if t.Stop() {
			m.wg.Done()
		}
	}
	m.timers = make(map[*time.Timer]struct{})
}

// goLocked runs fn tracked by the wait group. Caller holds m.mu.
func (m *Manager) goLocked(fn func()) bool {
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) spawn(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goLocked(fn)
}

func (m *Manager) handleSignal(env protocol.Envelope) {
	if env.Sender == "" || env.Sender == m.ch.ID() {
		return
	}
	switch env.Type {
	case protocol.TypeOffer:
		m.handleOffer(env)
	case protocol.TypeAnswer:
		m.handleAnswer(env)
	case protocol.TypeIceCandidate:
		m.handleCandidate(env)
	default:
		msg, err := protocol.DecodeTransferMessage(env.Type, env.Data)
		if err != nil {
			m.logger.Warn("invalid transfer message", "type", env.Type, "sender", env.Sender, "error", err)
			return
		}
		m.handleMessage(env.Sender, msg)
	}
}

// handleMessage routes one transfer message from peer, whichever transport
// carried it.
func (m *Manager) handleMessage(from string, msg protocol.TransferMessage) {
	switch msg := msg.(type) {
	case protocol.FileAccept:
		m.onAccept(from, msg)
	case protocol.FileRefuse:
		m.onRefuse(from, msg)
	case protocol.FileChunk:
		m.onChunk(from, msg)
	case protocol.FileProgress:
		m.onProgress(from, msg)
	case protocol.FileComplete:
		m.onComplete(from, msg)
	case protocol.FileError:
		m.onRemoteTerminal(from, msg.FileID, StatusError, remoteReason("failed on peer", msg.Error))
	case protocol.FileCancel:
		m.onRemoteTerminal(from, msg.FileID, StatusCancelled, "cancelled by peer")
	}
}

func remoteReason(prefix, detail string) string {
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

func (m *Manager) sendSignal(to, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	if err := m.ch.Send(env.Addressed(to)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// fileFlowLocked finds the flow owning fileID and checks it belongs to from.
func (m *Manager) fileFlowLocked(from, fileID string) (*flow, *fileState, bool) {
	f, ok := m.files[fileID]
	if !ok || f.peer.Sender != from {
		return nil, nil, false
	}
	return f, f.files[fileID], true
}

// updateLocked applies fn to the registry entry. It reports whether the
// status changed and whether the update was applied. Caller holds m.mu.
func (m *Manager) updateLocked(fileID string, fn func(*Transfer)) (statusChanged, applied bool) {
	before, after, err := m.registry.Update(fileID, func(t *Transfer) {
		fn(t)
		t.UpdatedAt = time.Now()
	})
	if err != nil {
		m.logger.Debug("transfer update rejected", "file_id", fileID, "error", err)
		return false, false
	}
	return before.Status != after.Status, true
}

// terminateLocked moves fileID to a terminal status unless already final and
// releases its buffers. Caller holds m.mu.
func (m *Manager) terminateLocked(f *flow, fileID string, status Status, reason string) bool {
	fs := f.files[fileID]
	if fs.cancel != nil {
		fs.cancel()
	}
	fs.chunks = nil
	fs.have = nil
	changed, _ := m.updateLocked(fileID, func(t *Transfer) {
		if t.Status.Terminal() {
			return
		}
		t.Status = status
		t.Error = reason
		if status == StatusCompleted {
			t.Progress = 100
			t.Error = ""
		}
	})
	return changed
}

// finishLocked marks f finished once every file is terminal. It returns true
// exactly once per flow. Caller holds m.mu.
func (m *Manager) finishLocked(f *flow) bool {
	if f.finished || !m.registry.AllTerminal(f.fileIDs) {
		return false
	}
	f.finished = true
	m.logger.Info("transfer flow finished", "offer_id", f.offerID, "files", len(f.fileIDs))
	return true
}

// failFlow moves every unfinished file of f to error. With notifyPeer set, a
// file-error is sent for each of them.
func (m *Manager) failFlow(f *flow, err error, notifyPeer bool) {
	reason := err.Error()
	m.mu.Lock()
	// A reset or closed flow is gone; its session closing is not a failure.
	if f.finished || f.ctx.Err() != nil || m.flows[f.offerID] != f {
		m.mu.Unlock()
		return
	}
	var failed []string
	for _, id := range f.fileIDs {
		if t, ok := m.registry.Get(id); !ok || t.Status.Terminal() {
			continue
		}
		m.terminateLocked(f, id, StatusError, reason)
		failed = append(failed, id)
	}
	finished := m.finishLocked(f)
	transport := f.transport
	m.mu.Unlock()

	m.logger.Warn("transfer flow failed", "offer_id", f.offerID, "error", err)
	m.notifier.notify(true)
	if notifyPeer && transport != nil {
		for _, id := range failed {
			if err := transport.Send(protocol.FileError{FileID: id, Error: reason}); err != nil {
				m.logger.Debug("could not report failure to peer", "file_id", id, "error", err)
			}
		}
	}
	if finished {
		m.scheduleCompletion(f)
	}
}

// entryFor builds the initial registry entry for one manifest file.
func (m *Manager) entryFor(f *flow, fileID string, status Status) Transfer {
	t := Transfer{
		FileID:    fileID,
		OfferID:   f.offerID,
		Transport: f.kind,
		Status:    status,
		PeerID:    f.peer.ID,
		PeerName:  f.peer.DisplayName,
		UpdatedAt: time.Now(),
	}
	if f.role == roleSender {
		t.Direction = DirectionSend
	} else {
		t.Direction = DirectionReceive
	}
	for _, e := range f.offer.Files {
		if e.FileID == fileID {
			t.FileName = e.FileName
			t.FileSize = e.FileSize
			t.FileType = e.FileType
			t.TotalChunks = e.TotalChunks
		}
	}
	return t
}

// scheduleCompletion fires OnTransferComplete after the completion delay and
// closes the flow's direct session.
func (m *Manager) scheduleCompletion(f *flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(m.opts.CompletionDelay, func() {
		defer m.wg.Done()
		m.mu.Lock()
		delete(m.timers, timer)
		transfers := make([]Transfer, 0, len(f.fileIDs))
		for _, id := range f.fileIDs {
			if t, ok := m.registry.Get(id); ok {
				transfers = append(transfers, t)
			}
		}
		transport := f.transport
		m.mu.Unlock()

		if f.kind == KindDirect && transport != nil {
			_ = transport.Close()
		}
		if cb := m.opts.OnTransferComplete; cb != nil {
			cb(f.offerID, transfers)
		}
	})
	m.timers[timer] = struct{}{}
}

// newSession creates a negotiation session for f and wires its callbacks.
func (m *Manager) newSession(f *flow) (*negotiation.Session, error) {
	if m.opts.TransportFactory == nil {
		return nil, fmt.Errorf("%w: no direct transport configured", negotiation.ErrNegotiation)
	}
	t, err := m.opts.TransportFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", negotiation.ErrNegotiation, err)
	}
	peerID := f.peer.Sender
	s := negotiation.NewSession(peerID, t, negotiation.Options{
		Logger: m.logger,
		OnLocalCandidate: func(c protocol.Candidate) {
			m.mu.Lock()
			if !f.signalReady {
				f.localCandidates = append(f.localCandidates, c)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			m.forwardCandidate(f, c)
		},
	})
	s.OnMessage(func(b []byte) {
		msg, err := DecodeDirect(b)
		if err != nil {
			m.logger.Warn("invalid direct message", "offer_id", f.offerID, "error", err)
			return
		}
		m.handleMessage(peerID, msg)
	})
	s.OnStateChange(func(_, to negotiation.State, err error) {
		if !to.Terminal() {
			return
		}
		if err == nil {
			err = fmt.Errorf("%w: connection closed", ErrTransport)
		}
		m.failFlow(f, err, true)
	})
	return s, nil
}

func (m *Manager) forwardCandidate(f *flow, c protocol.Candidate) {
	if err := m.sendSignal(f.peer.Sender, protocol.TypeIceCandidate, protocol.IceCandidate{OfferID: f.offerID, Candidate: c}); err != nil {
		m.logger.Warn("failed to forward candidate", "offer_id", f.offerID, "error", err)
	}
}

// signalSent releases local candidates held back until the description
// reached the peer.
func (m *Manager) signalSent(f *flow) {
	m.mu.Lock()
	f.signalReady = true
	pending := f.localCandidates
	f.localCandidates = nil
	m.mu.Unlock()
	for _, c := range pending {
		m.forwardCandidate(f, c)
	}
}

// awaitConnected waits for f's session with the negotiation timeout and runs
// onConnected, or fails the flow.
func (m *Manager) awaitConnected(f *flow, onConnected func()) {
	ctx, cancel := context.WithTimeout(f.ctx, m.opts.NegotiationTimeout)
	defer cancel()
	err := f.session.WaitConnected(ctx)
	if f.ctx.Err() != nil {
		return
	}
	if err != nil {
		m.failFlow(f, err, true)
		return
	}
	if onConnected != nil {
		onConnected()
	}
}

func (m *Manager) handleAnswer(env protocol.Envelope) {
	var a protocol.Answer
	if err := env.DecodePayload(&a); err != nil {
		m.logger.Warn("invalid answer", "sender", env.Sender, "error", err)
		return
	}
	m.mu.Lock()
	f, ok := m.flows[a.OfferID]
	if !ok || f.role != roleSender || f.session == nil || f.peer.Sender != env.Sender {
		m.mu.Unlock()
		m.logger.Warn("answer for unknown offer", "offer_id", a.OfferID, "sender", env.Sender)
		return
	}
	s := f.session
	m.mu.Unlock()

	if err := s.AcceptAnswer(a.Session); err != nil {
		m.failFlow(f, err, true)
	}
}

func (m *Manager) handleCandidate(env protocol.Envelope) {
	var ic protocol.IceCandidate
	if err := env.DecodePayload(&ic); err != nil {
		m.logger.Warn("invalid candidate", "sender", env.Sender, "error", err)
		return
	}
	m.mu.Lock()
	f, ok := m.flows[ic.OfferID]
	if !ok || f.peer.Sender != env.Sender {
		m.mu.Unlock()
		return
	}
	if f.session == nil {
		if f.role == roleReceiver && !f.decided {
			f.candidates = append(f.candidates, ic.Candidate)
		}
		m.mu.Unlock()
		return
	}
	s := f.session
	m.mu.Unlock()

	if err := s.AddRemoteCandidate(ic.Candidate); err != nil {
		m.logger.Debug("remote candidate rejected", "offer_id", ic.OfferID, "error", err)
	}
}

// onRemoteTerminal applies a peer's error or cancel to one file.
func (m *Manager) onRemoteTerminal(from, fileID string, status Status, reason string) {
	m.mu.Lock()
	f, _, ok := m.fileFlowLocked(from, fileID)
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("terminal message for unknown file", "file_id", fileID, "sender", from)
		return
	}
	changed := m.terminateLocked(f, fileID, status, reason)
	finished := m.finishLocked(f)
	m.mu.Unlock()

	if changed {
		m.logger.Info("transfer ended by peer", "file_id", fileID, "status", string(status), "reason", reason)
	}
	m.notifier.notify(changed)
	if finished {
		m.scheduleCompletion(f)
	}
}

// CancelTransfer aborts one file on either side and tells the peer. It is a
// no-op for a file that already finished.
func (m *Manager) CancelTransfer(fileID string) error {
	m.mu.Lock()
	f, ok := m.files[fileID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	fs := f.files[fileID]
	m.mu.Unlock()

	// Holding sendMu guarantees no chunk for this file follows the cancel.
	fs.sendMu.Lock()
	defer fs.sendMu.Unlock()

	m.mu.Lock()
	if t, ok := m.registry.Get(fileID); !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	changed := m.terminateLocked(f, fileID, StatusCancelled, ErrTransferCancelled.Error()+" by user")
	finished := m.finishLocked(f)
	transport := f.transport
	peer := f.peer.Sender
	m.mu.Unlock()

	m.notifier.notify(changed)
	var err error
	if transport != nil {
		err = transport.Send(protocol.FileCancel{FileID: fileID})
	} else {
		err = m.sendSignal(peer, protocol.TypeFileCancel, protocol.FileCancel{FileID: fileID})
	}
	if finished {
		m.scheduleCompletion(f)
	}
	return err
}
