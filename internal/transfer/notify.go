package transfer

import (
	"sync"
	"time"
)

const defaultNotifyInterval = 250 * time.Millisecond

// notifier rate-limits observer callbacks. Ordinary updates are coalesced to
// at most one per interval with a trailing emission; forced updates (status
// changes) go out immediately.
type notifier struct {
	interval time.Duration
	snapshot func() []Transfer
	emit     func([]Transfer)

	emitMu  sync.Mutex
	mu      sync.Mutex
	last    time.Time
	timer   *time.Timer
	stopped bool
}

func newNotifier(interval time.Duration, snapshot func() []Transfer, emit func([]Transfer)) *notifier {
	if interval <= 0 {
		interval = defaultNotifyInterval
	}
	return &notifier{interval: interval, snapshot: snapshot, emit: emit}
}

func (n *notifier) notify(force bool) {
	if n == nil || n.emit == nil {
		return
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	now := time.Now()
	if !force && now.Sub(n.last) < n.interval {
		if n.timer == nil {
			n.timer = time.AfterFunc(n.interval-now.Sub(n.last), n.flush)
		}
		n.mu.Unlock()
		return
	}
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.last = now
	n.mu.Unlock()
	n.send()
}

func (n *notifier) flush() {
	n.mu.Lock()
	n.timer = nil
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.last = time.Now()
	n.mu.Unlock()
	n.send()
}

func (n *notifier) send() {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()
	n.emit(n.snapshot())
}

func (n *notifier) stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()
}
