package chunk

// Bitmap is a compact bitset tracking which chunk indices have arrived.
type Bitmap struct {
	bits  uint32
	count uint32
	data  []byte
}

// NewBitmap allocates a bitmap sized for the given number of chunks.
func NewBitmap(bits uint32) *Bitmap {
	return &Bitmap{
		bits: bits,
		data: make([]byte, (uint64(bits)+7)/8),
	}
}

// Len returns the number of tracked indices.
func (b *Bitmap) Len() uint32 {
	if b == nil {
		return 0
	}
	return b.bits
}

// Set marks index i and reports whether it was newly set.
func (b *Bitmap) Set(i uint32) bool {
	if b == nil || i >= b.bits {
		return false
	}
	mask := byte(1) << (i % 8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.count++
	return true
}

// Get reports whether index i is set.
func (b *Bitmap) Get(i uint32) bool {
	if b == nil || i >= b.bits {
		return false
	}
	return b.data[i/8]&(byte(1)<<(i%8)) != 0
}

// Count returns the number of set indices.
func (b *Bitmap) Count() uint32 {
	if b == nil {
		return 0
	}
	return b.count
}

// Full reports whether every index is set.
func (b *Bitmap) Full() bool {
	return b != nil && b.count == b.bits
}

// Missing returns up to limit unset indices in ascending order.
func (b *Bitmap) Missing(limit int) []uint32 {
	if b == nil {
		return nil
	}
	var out []uint32
	for i := uint32(0); i < b.bits && len(out) < limit; i++ {
		if !b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}
