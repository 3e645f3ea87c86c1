package transfer

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/sheerbytes/localloop/internal/negotiation"
	"github.com/sheerbytes/localloop/internal/signaling"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

func TestDirectCodec(t *testing.T) {
	msgs := []protocol.TransferMessage{
		protocol.FileChunk{FileID: "f1", ChunkIndex: 2, TotalChunks: 3, Payload: []byte("hello")},
		protocol.FileChunk{FileID: "f1", ChunkIndex: 0, TotalChunks: 1, Payload: []byte{}},
		protocol.FileAccept{OfferID: "o1"},
		protocol.FileRefuse{OfferID: "o1", Reason: "no"},
		protocol.FileProgress{FileID: "f1", Progress: 66},
		protocol.FileComplete{FileID: "f1"},
		protocol.FileError{FileID: "f1", Error: "disk full"},
		protocol.FileCancel{FileID: "f1"},
	}
	for _, msg := range msgs {
		t.Run(msg.MessageType(), func(t *testing.T) {
			b, err := EncodeDirect(msg)
			if err != nil {
				t.Fatalf("EncodeDirect: %v", err)
			}
			got, err := DecodeDirect(b)
			if err != nil {
				t.Fatalf("DecodeDirect: %v", err)
			}
			if c, ok := msg.(protocol.FileChunk); ok {
				gc, ok := got.(protocol.FileChunk)
				if !ok {
					t.Fatalf("decoded %T, want FileChunk", got)
				}
				if gc.FileID != c.FileID || gc.ChunkIndex != c.ChunkIndex || gc.TotalChunks != c.TotalChunks || !bytes.Equal(gc.Payload, c.Payload) {
					t.Fatalf("chunk = %+v, want %+v", gc, c)
				}
				return
			}
			if !reflect.DeepEqual(got, msg) {
				t.Fatalf("decoded %#v, want %#v", got, msg)
			}
		})
	}
}

func TestDecodeDirect_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0x7f, 1, 2}},
		{"bad control json", append([]byte{controlTag}, "{"...)},
		{"unknown control type", append([]byte{controlTag}, `{"type":"file-bogus","data":{}}`...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDirect(tt.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRelayTransport_AddressesPeer(t *testing.T) {
	bus := signaling.NewBus()
	alice := bus.Join("alice")
	defer alice.Close()
	bob := bus.Join("bob")
	defer bob.Close()
	carol := bus.Join("carol")
	defer carol.Close()

	got := make(chan protocol.Envelope, 1)
	bob.Subscribe(protocol.TypeFileProgress, func(env protocol.Envelope) { got <- env })
	carol.Subscribe(protocol.TypeFileProgress, func(env protocol.Envelope) {
		t.Errorf("carol received %s", env.Type)
	})

	tr := NewRelayTransport(alice, "bob")
	if tr.Kind() != KindRelay {
		t.Fatalf("Kind = %s", tr.Kind())
	}
	if err := tr.Send(protocol.FileProgress{FileID: "f1", Progress: 50}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-got:
		var p protocol.FileProgress
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Sender != "alice" || env.To != "bob" || p.Progress != 50 {
			t.Fatalf("envelope = %+v, payload = %+v", env, p)
		}
	case <-time.After(time.Second):
		t.Fatal("bob never received the message")
	}
}

func TestDirectChannelTransport_FallsBackForControl(t *testing.T) {
	bus := signaling.NewBus()
	alice := bus.Join("alice")
	defer alice.Close()
	bob := bus.Join("bob")
	defer bob.Close()

	a, _ := negotiation.NewMockPair()
	s := negotiation.NewSession("bob", a, negotiation.Options{})
	tr := NewDirectChannelTransport(s, NewRelayTransport(alice, "bob"))
	defer tr.Close()

	if tr.Kind() != KindDirect {
		t.Fatalf("Kind = %s", tr.Kind())
	}
	if err := tr.Send(protocol.FileCancel{FileID: "f1"}); err != nil {
		t.Fatalf("control Send before connect: %v", err)
	}
	if n := len(bus.Sent(protocol.TypeFileCancel)); n != 1 {
		t.Fatalf("relayed cancels = %d, want 1", n)
	}
	if err := tr.Send(protocol.FileChunk{FileID: "f1", TotalChunks: 1, Payload: []byte("x")}); err == nil {
		t.Fatal("chunk Send before connect should fail")
	}
	if n := len(bus.Sent(protocol.TypeFileChunk)); n != 0 {
		t.Fatalf("chunks leaked to signaling: %d", n)
	}
}
