package chunk

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	in := Chunk{FileID: "file-123", Index: 4, TotalChunks: 10, Payload: []byte{1, 2, 3, 0, 255}}
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	if !IsFrame(frame) {
		t.Fatal("IsFrame(frame) = false")
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if out.FileID != in.FileID || out.Index != in.Index || out.TotalChunks != in.TotalChunks {
		t.Fatalf("Decode header = %+v, want %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("Decode payload = %v, want %v", out.Payload, in.Payload)
	}

	frame[len(frame)-1] = 0
	if out.Payload[len(out.Payload)-1] != 255 {
		t.Fatal("decoded payload aliases the frame buffer")
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	frame, err := Encode(Chunk{FileID: "f", Index: 0, TotalChunks: 1})
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("payload length = %d, want 0", len(out.Payload))
	}
}

func TestDecodeMalformed(t *testing.T) {
	good, _ := Encode(Chunk{FileID: "abc", Index: 0, TotalChunks: 1, Payload: []byte("x")})
	badIndex, _ := Encode(Chunk{FileID: "abc", Index: 3, TotalChunks: 2})

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "wrong tag", frame: append([]byte{0x02}, good[1:]...)},
		{name: "truncated", frame: good[:5]},
		{name: "index out of range", frame: badIndex},
		{name: "id length overflow", frame: []byte{FrameTag, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frame); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}
