package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/ws?name=alice&peer_id=p1"},
		{server: "https://relay.example.com", want: "wss://relay.example.com/ws?name=alice&peer_id=p1"},
		{server: "https://relay.example.com/base/", want: "wss://relay.example.com/base/ws?name=alice&peer_id=p1"},
		{server: "ftp://relay.example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.server, "p1", "alice")
		if (err != nil) != tt.wantErr {
			t.Fatalf("BuildURL(%q) error = %v, wantErr %v", tt.server, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Errorf("BuildURL(%q) = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestClient_SendAndDispatch(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	gotPeerID := make(chan string, 1)
	received := make(chan protocol.Envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPeerID <- r.URL.Query().Get("peer_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		received <- env

		reply, _ := protocol.NewEnvelope(protocol.TypePeerDiscoveryResponse, protocol.DiscoveryResponse{PeerID: "p2", Name: "bob"})
		reply.Sender = "p2"
		reply.To = env.Sender
		conn.WriteJSON(reply)

		// Keep the socket open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "http://"+u.Host, "p1", "alice", nil)
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}
	defer c.Close()

	responses := make(chan protocol.Envelope, 1)
	c.Subscribe(protocol.TypePeerDiscoveryResponse, func(env protocol.Envelope) { responses <- env })

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	if id := <-gotPeerID; id != "p1" {
		t.Fatalf("server saw peer_id %q, want p1", id)
	}
	if !c.Connected() {
		t.Fatal("Connected() = false after Dial")
	}

	env, _ := protocol.NewEnvelope(protocol.TypePeerDiscovery, protocol.Discovery{PeerID: "p1", Name: "alice"})
	if err := c.Send(env); err != nil {
		t.Fatalf("Send error = %v", err)
	}

	select {
	case got := <-received:
		if got.Sender != "p1" {
			t.Errorf("Sender = %q, want p1", got.Sender)
		}
		if got.Type != protocol.TypePeerDiscovery {
			t.Errorf("Type = %q", got.Type)
		}
	case <-ctx.Done():
		t.Fatal("server never received envelope")
	}

	select {
	case resp := <-responses:
		var d protocol.DiscoveryResponse
		if err := resp.DecodePayload(&d); err != nil || d.Name != "bob" {
			t.Errorf("response payload = %+v, err %v", d, err)
		}
	case <-ctx.Done():
		t.Fatal("client never dispatched response")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Error("Connected() = true after Run returned")
	}
}
