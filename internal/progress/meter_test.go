package progress

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	m.Observe(1000)

	stats := m.Snapshot()
	if stats.BytesDone != 1000 {
		t.Fatalf("expected bytes done 1000, got %d", stats.BytesDone)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", stats.RateBps)
	}
	if stats.ETA < 900*time.Millisecond || stats.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", stats.ETA)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000)

	now = now.Add(1 * time.Second)
	m.Observe(1000)

	now = now.Add(1 * time.Second)
	m.Observe(4000)

	stats := m.Snapshot()
	if stats.RateBps < 1300 || stats.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", stats.RateBps)
	}
}

func TestMeterIgnoresRegressionAndSameInstant(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000)

	m.Observe(500)
	if stats := m.Snapshot(); stats.RateBps != 0 || stats.ETA != 0 || stats.BytesDone != 0 {
		t.Fatalf("same-instant sample changed stats: %+v", stats)
	}

	now = now.Add(time.Second)
	m.Observe(500)
	m.Observe(100)
	if stats := m.Snapshot(); stats.BytesDone != 500 {
		t.Fatalf("expected bytes done 500, got %d", stats.BytesDone)
	}
}

func TestBoard(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	b := NewBoardWithNow(func() time.Time { return now })

	b.Observe("a", 0, 100)
	now = now.Add(time.Second)
	if stats := b.Observe("a", 50, 100); stats.RateBps < 49 || stats.RateBps > 51 {
		t.Fatalf("rate = %.2f, want ~50", stats.RateBps)
	}
	if stats := b.Observe("b", 0, 10); stats.Total != 10 || stats.RateBps != 0 {
		t.Fatalf("fresh key stats = %+v", stats)
	}

	b.Forget("a")
	if stats := b.Observe("a", 60, 100); stats.RateBps != 0 {
		t.Fatalf("forgotten key kept its rate: %+v", stats)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
	if got := FormatRate(0); got != "-" {
		t.Errorf("FormatRate(0) = %q", got)
	}
	if got := FormatRate(2048); got != "2.0 KiB/s" {
		t.Errorf("FormatRate(2048) = %q", got)
	}
}
