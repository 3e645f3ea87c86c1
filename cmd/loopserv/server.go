package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/localloop/internal/config"
	"github.com/sheerbytes/localloop/internal/peers"
	"github.com/sheerbytes/localloop/internal/termio"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// server relays envelopes between peers connected over /ws. It keeps no
// state beyond the live connections.
type server struct {
	cfg    config.ServerConfig
	hub    *peers.Hub
	logger *slog.Logger
}

func newServer(cfg config.ServerConfig, logger *slog.Logger) *server {
	return &server{
		cfg:    cfg,
		hub:    peers.NewHub(),
		logger: logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "peers": s.hub.Len()})
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	name := r.URL.Query().Get("name")
	if peerID == "" {
		sendError(w, http.StatusBadRequest, "missing peer_id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	}

	var writeMu sync.Mutex
	idle := s.cfg.IdleTimeout
	if idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
			writeMu.Unlock()
			return err
		})
	}

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}

	peer := peers.Peer{PeerID: peerID, Name: name, ConnID: uuid.NewString()}
	removePeer := s.hub.Add(peer, sendFunc, func() { _ = conn.Close() })
	defer removePeer()

	if idle > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
					writeMu.Unlock()
				}
			}
		}()
	}

	fmt.Fprintf(termio.Stdout(), "peer connected peer_id=%s name=%q conn_id=%s\n", peerID, name, peer.ConnID)
	defer fmt.Fprintf(termio.Stdout(), "peer disconnected peer_id=%s conn_id=%s\n", peerID, peer.ConnID)

	var limiter *rate.Limiter
	if s.cfg.MsgRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MsgRatePerSec), s.cfg.MsgBurst)
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "peer_id", peerID)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err, "peer_id", peerID)
			}
			return
		}
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.logger.Warn("websocket message rate limit exceeded", "peer_id", peerID)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err, "peer_id", peerID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err, "peer_id", peerID)
			continue
		}
		s.route(peerID, env, sendFunc)
	}
}

// route stamps the sender and forwards env. Targeted envelopes for an
// unknown peer bounce back to the sender as a peer_not_found error.
func (s *server) route(from string, env protocol.Envelope, reply func(protocol.Envelope) error) {
	env.Sender = from
	if env.To == "" {
		s.hub.BroadcastExcept(from, env)
		return
	}
	if s.hub.SendTo(env.To, env) {
		return
	}
	s.logger.Warn("peer not found for targeted send", "from", from, "to", env.To, "type", env.Type)
	errEnv, err := protocol.NewEnvelope(protocol.TypeError, protocol.Error{
		Code:    "peer_not_found",
		Message: "target peer not found: " + env.To,
	})
	if err != nil {
		return
	}
	errEnv.To = from
	_ = reply(errEnv)
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
