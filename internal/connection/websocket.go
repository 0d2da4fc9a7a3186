package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
)

const eventBufferSize = 16

// Frame is the JSON envelope the relay sends for lifecycle notifications.
// Any other text frame is ignored by the handle.
type Frame struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WebSocketDialer opens relay handles over a WebSocket. The token, when set,
// is sent as a bearer Authorization header.
type WebSocketDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

func NewWebSocketDialer(url, token string, handshakeTimeout, pingInterval time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		URL:              url,
		Token:            token,
		HandshakeTimeout: handshakeTimeout,
		PingInterval:     pingInterval,
	}
}

func (d *WebSocketDialer) Open(ctx context.Context) (Connection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	headers := http.Header{}
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("relay handshake: %w", &CloseError{Code: CodeLoggedOut, Reason: resp.Status})
			case http.StatusForbidden:
				return nil, fmt.Errorf("relay handshake: %w", &CloseError{Code: CodeForbidden, Reason: resp.Status})
			}
			return nil, fmt.Errorf("relay handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay handshake: %w", err)
	}

	c := newWSConnection(conn, d.PingInterval)
	logger.DebugF("[relay] connected to %s", d.URL)
	return c, nil
}

type wsConnection struct {
	conn         *websocket.Conn
	events       chan Event
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex
	pingInterval time.Duration
}

func newWSConnection(conn *websocket.Conn, pingInterval time.Duration) *wsConnection {
	c := &wsConnection{
		conn:         conn,
		events:       make(chan Event, eventBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	if pingInterval > 0 {
		c.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop()
	}
	go c.readLoop()
	return c
}

func (c *wsConnection) Events() <-chan Event {
	return c.events
}

func (c *wsConnection) Send(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("send to relay: %w", err)
	}
	return nil
}

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "supervisor closing connection")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConnection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConnection) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConnection) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

func (c *wsConnection) readLoop() {
	defer close(c.events)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			logger.DebugF("[relay] read failed: %s", Describe(FromCloseFrame(err)))
			c.emit(Event{Type: EventClose, Err: FromCloseFrame(err)})
			_ = c.conn.Close()
			return
		}
		if c.pingInterval > 0 {
			c.extendReadDeadline()
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.DebugF("[relay] ignoring malformed frame: %v", err)
			continue
		}
		switch frame.Type {
		case "qr":
			if !c.emit(Event{Type: EventQR, Data: []byte(frame.Data)}) {
				return
			}
		case "open":
			if !c.emit(Event{Type: EventOpen}) {
				return
			}
		case "close":
			c.emit(Event{Type: EventClose, Err: &CloseError{Code: frame.Code, Reason: frame.Reason}})
			_ = c.conn.Close()
			return
		case "error":
			reason := frame.Reason
			if reason == "" {
				reason = "relay reported an error"
			}
			var err error = errors.New(reason)
			if frame.Code != 0 {
				err = &CloseError{Code: frame.Code, Reason: frame.Reason}
			}
			if !c.emit(Event{Type: EventError, Err: err}) {
				return
			}
		default:
			logger.DebugF("[relay] ignoring frame of type %q", frame.Type)
		}
	}
}

func (c *wsConnection) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pingInterval))
			c.writeMu.Unlock()
			if err != nil {
				logger.DebugF("[relay] ping failed: %v", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}
