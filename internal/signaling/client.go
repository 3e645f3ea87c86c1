package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/localloop/internal/logging"
	"github.com/sheerbytes/localloop/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

var _ Channel = (*Client)(nil)

// Client is a Channel backed by a websocket connection to the relay server.
type Client struct {
	Dispatcher

	id        string
	conn      *websocket.Conn
	logger    *slog.Logger
	sendChan  chan protocol.Envelope
	closing   chan struct{}
	done      chan struct{}
	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once
}

// BuildURL turns an http(s) server URL into the relay's websocket endpoint.
func BuildURL(serverURL, peerID, name string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws", "":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	q := url.Values{}
	q.Set("peer_id", peerID)
	if name != "" {
		q.Set("name", name)
	}
	ws := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     strings.TrimSuffix(u.Path, "/") + "/ws",
		RawQuery: q.Encode(),
	}
	return ws.String(), nil
}

// Dial connects to the relay server as peerID.
func Dial(ctx context.Context, serverURL, peerID, name string, logger *slog.Logger) (*Client, error) {
	wsURL, err := BuildURL(serverURL, peerID, name)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		id:       peerID,
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.connected.Store(true)

	go c.writeLoop()

	return c, nil
}

// ID returns the local peer id.
func (c *Client) ID() string { return c.id }

// Connected reports whether the websocket is still usable.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run reads envelopes and dispatches them to subscribers until the
// connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.connected.Store(false)

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			// Closing the connection forces ReadMessage to return.
			c.conn.Close()
		case <-c.done:
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.logger.Warn("invalid envelope", "error", err, "type", env.Type)
			continue
		}
		if n := c.Dispatch(env); n == 0 {
			c.logger.Debug("no subscriber for envelope", "type", env.Type, "sender", env.Sender)
		}
	}
}

// Send queues env for delivery. Sender is always our own id.
func (c *Client) Send(env protocol.Envelope) error {
	env.Sender = c.id
	select {
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// writeLoop serializes writes to the websocket.
func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closing:
			// Flush what is already queued before giving up the socket.
			for {
				select {
				case env := <-c.sendChan:
					if err := c.write(env); err != nil {
						return
					}
				default:
					return
				}
			}
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.connected.Store(false)
		c.logger.Error("websocket write error", "error", err)
	}
	return err
}

// Close stops the writer and closes the websocket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done
		c.connected.Store(false)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
		c.writeMu.Unlock()
	})
	return err
}
