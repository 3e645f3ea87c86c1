package chunk

import "testing"

func TestBitmapSetGetCount(t *testing.T) {
	b := NewBitmap(10)
	if b.Len() != 10 {
		t.Fatalf("Len = %d, want 10", b.Len())
	}
	if !b.Set(3) {
		t.Fatal("first Set(3) should report newly set")
	}
	if b.Set(3) {
		t.Fatal("second Set(3) should report already set")
	}
	b.Set(9)
	b.Set(10) // out of range
	if !b.Get(3) || !b.Get(9) || b.Get(4) || b.Get(10) {
		t.Fatal("Get returned unexpected values")
	}
	if b.Count() != 2 {
		t.Fatalf("Count = %d, want 2", b.Count())
	}
	if b.Full() {
		t.Fatal("Full should be false")
	}
	missing := b.Missing(3)
	if len(missing) != 3 || missing[0] != 0 || missing[1] != 1 || missing[2] != 2 {
		t.Fatalf("Missing(3) = %v", missing)
	}
}

func TestBitmapFull(t *testing.T) {
	b := NewBitmap(3)
	for i := uint32(0); i < 3; i++ {
		b.Set(i)
	}
	if !b.Full() {
		t.Fatal("Full should be true")
	}
	if len(b.Missing(10)) != 0 {
		t.Fatal("Missing should be empty")
	}
	if !NewBitmap(0).Full() {
		t.Fatal("zero-length bitmap should be full")
	}
}

func TestBitmapNil(t *testing.T) {
	var b *Bitmap
	if b.Set(0) || b.Get(0) || b.Count() != 0 || b.Full() || b.Len() != 0 {
		t.Fatal("nil bitmap should be inert")
	}
}
