// Package progress turns periodic byte counts into smoothed transfer rates.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	StartedAt time.Time
}

// Meter tracks one byte counter and computes an EWMA rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.rateBps = 0
}

// Observe records an absolute byte count. Counts that go backwards are
// ignored.
func (m *Meter) Observe(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done <= m.done {
		return
	}
	now := m.now()
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		// Same instant: fold into the next sample.
		return
	}
	inst := float64(done-m.done) / elapsed
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.done = done
	m.lastAt = now
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}

// Board keeps one meter per key.
type Board struct {
	mu     sync.Mutex
	now    func() time.Time
	meters map[string]*Meter
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return NewBoardWithNow(time.Now)
}

// NewBoardWithNow returns a board whose meters use now (for tests).
func NewBoardWithNow(now func() time.Time) *Board {
	return &Board{now: now, meters: make(map[string]*Meter)}
}

// Observe feeds key's meter, starting it on first sight, and returns its stats.
func (b *Board) Observe(key string, done, total int64) Stats {
	b.mu.Lock()
	m, ok := b.meters[key]
	if !ok {
		m = NewMeterWithNow(b.now)
		m.Start(total)
		b.meters[key] = m
	}
	b.mu.Unlock()
	m.Observe(done)
	return m.Snapshot()
}

// Forget drops key's meter.
func (b *Board) Forget(key string) {
	b.mu.Lock()
	delete(b.meters, key)
	b.mu.Unlock()
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return FormatBytes(int64(bps)) + "/s"
}
