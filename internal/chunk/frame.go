package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameTag is the first byte of every chunk frame.
const FrameTag byte = 0x01

// frame header: tag(1) | fileIDLen(2) | fileID | index(4) | total(4) | payload
const frameFixedLen = 1 + 2 + 4 + 4

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed chunk frame")

// IsFrame reports whether b starts with the chunk frame tag.
func IsFrame(b []byte) bool {
	return len(b) > 0 && b[0] == FrameTag
}

// Encode writes c into a single binary frame.
func Encode(c Chunk) ([]byte, error) {
	if len(c.FileID) > 0xFFFF {
		return nil, fmt.Errorf("file id too long: %d bytes", len(c.FileID))
	}
	buf := make([]byte, frameFixedLen+len(c.FileID)+len(c.Payload))
	buf[0] = FrameTag
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(c.FileID)))
	off := 3
	off += copy(buf[off:], c.FileID)
	binary.BigEndian.PutUint32(buf[off:off+4], c.Index)
	binary.BigEndian.PutUint32(buf[off+4:off+8], c.TotalChunks)
	copy(buf[off+8:], c.Payload)
	return buf, nil
}

// Decode parses a frame produced by Encode. The returned payload is a copy.
func Decode(b []byte) (Chunk, error) {
	if len(b) < frameFixedLen || b[0] != FrameTag {
		return Chunk{}, ErrMalformedFrame
	}
	idLen := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < frameFixedLen+idLen {
		return Chunk{}, fmt.Errorf("%w: short header", ErrMalformedFrame)
	}
	off := 3
	fileID := string(b[off : off+idLen])
	off += idLen
	c := Chunk{
		FileID:      fileID,
		Index:       binary.BigEndian.Uint32(b[off : off+4]),
		TotalChunks: binary.BigEndian.Uint32(b[off+4 : off+8]),
	}
	if c.TotalChunks == 0 || c.Index >= c.TotalChunks {
		return Chunk{}, fmt.Errorf("%w: index %d of %d", ErrMalformedFrame, c.Index, c.TotalChunks)
	}
	c.Payload = append([]byte(nil), b[off+8:]...)
	return c, nil
}
