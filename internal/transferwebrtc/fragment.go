package transferwebrtc

import (
	"errors"
)

// Each data channel message starts with one flag byte. Ordered delivery lets
// the receiver append fragments until it sees fragFinal.
const (
	fragMore  byte = 0x00
	fragFinal byte = 0x01

	fragmentHeaderLen = 1
)

var errBadFragment = errors.New("bad fragment header")

// fragment splits b into data channel messages of at most size bytes.
func fragment(b []byte, size int) [][]byte {
	body := size - fragmentHeaderLen
	if len(b) <= body {
		return [][]byte{append([]byte{fragFinal}, b...)}
	}
	out := make([][]byte, 0, (len(b)+body-1)/body)
	for off := 0; off < len(b); off += body {
		end := off + body
		flag := fragMore
		if end >= len(b) {
			end = len(b)
			flag = fragFinal
		}
		msg := make([]byte, 0, fragmentHeaderLen+end-off)
		msg = append(msg, flag)
		msg = append(msg, b[off:end]...)
		out = append(out, msg)
	}
	return out
}

// reassembler joins fragments back into whole messages.
type reassembler struct {
	buf []byte
}

// add consumes one data channel message and returns a whole message once
// the final fragment arrives.
func (r *reassembler) add(msg []byte) ([]byte, bool, error) {
	if len(msg) < fragmentHeaderLen {
		return nil, false, errBadFragment
	}
	switch msg[0] {
	case fragMore:
		r.buf = append(r.buf, msg[1:]...)
		return nil, false, nil
	case fragFinal:
		if r.buf == nil {
			return append([]byte(nil), msg[1:]...), true, nil
		}
		whole := append(r.buf, msg[1:]...)
		r.buf = nil
		return whole, true, nil
	default:
		r.buf = nil
		return nil, false, errBadFragment
	}
}
