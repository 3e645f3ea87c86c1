// Package chunk splits payloads into ordered, size-bounded chunks, reassembles
// them, and defines the binary frame a chunk travels in on the direct channel.
package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteChunks is returned by Reassemble when an index is missing.
	ErrIncompleteChunks = errors.New("incomplete chunks")
	// ErrInvalidChunkSize is returned for a zero chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be at least 1")
)

// Chunk is one ordered slice of a file.
type Chunk struct {
	FileID      string
	Index       uint32
	TotalChunks uint32
	Payload     []byte
}

// Count returns ceil(size/chunkSize), the number of chunks Split produces.
func Count(size uint64, chunkSize uint32) uint32 {
	if chunkSize == 0 || size == 0 {
		return 0
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// Split cuts payload into chunks of chunkSize bytes; the last may be shorter.
// Chunk payloads alias payload, so callers must not mutate payload while the
// chunks are in use. An empty payload yields zero chunks.
func Split(payload []byte, chunkSize uint32) ([]Chunk, error) {
	if chunkSize == 0 {
		return nil, ErrInvalidChunkSize
	}
	total := Count(uint64(len(payload)), chunkSize)
	chunks := make([]Chunk, 0, total)
	for i := uint32(0); i < total; i++ {
		start := uint64(i) * uint64(chunkSize)
		end := start + uint64(chunkSize)
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		chunks = append(chunks, Chunk{
			Index:       i,
			TotalChunks: total,
			Payload:     payload[start:end],
		})
	}
	return chunks, nil
}

// At returns chunk i of payload without materializing the whole sequence.
func At(payload []byte, chunkSize uint32, i uint32) (Chunk, error) {
	if chunkSize == 0 {
		return Chunk{}, ErrInvalidChunkSize
	}
	total := Count(uint64(len(payload)), chunkSize)
	if i >= total {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0,%d)", i, total)
	}
	start := uint64(i) * uint64(chunkSize)
	end := start + uint64(chunkSize)
	if end > uint64(len(payload)) {
		end = uint64(len(payload))
	}
	return Chunk{Index: i, TotalChunks: total, Payload: payload[start:end]}, nil
}

// Reassemble concatenates chunks in ascending index order. Every index in
// [0,totalChunks) must be present; extra indices are ignored.
func Reassemble(chunks map[uint32][]byte, totalChunks uint32) ([]byte, error) {
	size := 0
	for i := uint32(0); i < totalChunks; i++ {
		c, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing index %d of %d", ErrIncompleteChunks, i, totalChunks)
		}
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := uint32(0); i < totalChunks; i++ {
		out = append(out, chunks[i]...)
	}
	return out, nil
}
