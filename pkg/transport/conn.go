package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one bidirectional message channel between a device and the server.
// Read is single-consumer; Write may be called from multiple goroutines.
type Conn interface {
	Read(ctx context.Context) (*Message, error)
	Write(ctx context.Context, m *Message) error
	Close() error
}

const (
	// Subprotocol announced during the websocket handshake.
	Subprotocol = "branchpad.sync.v1+cbor"

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 1 << 20
)

// WebSocketConn adapts a gorilla websocket to Conn. A single writer mutex
// serializes frames; gorilla connections do not support concurrent writers.
type WebSocketConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketConn wraps an established websocket connection and starts the
// keepalive ping loop.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	c := &WebSocketConn{
		ws:     ws,
		closed: make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.pingLoop()
	return c
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Read blocks until the next message arrives or the context is done.
func (c *WebSocketConn) Read(ctx context.Context) (*Message, error) {
	type result struct {
		m   *Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		if kind != websocket.BinaryMessage {
			ch <- result{err: fmt.Errorf("unexpected frame type %d", kind)}
			return
		}
		m, err := Decode(data)
		ch <- result{m: m, err: err}
	}()
	select {
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.m, r.err
	}
}

// Write encodes and sends one message as a binary frame.
func (c *WebSocketConn) Write(ctx context.Context, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Upgrader accepts sync websocket handshakes on the server.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	Subprotocols:      []string{Subprotocol},
	EnableCompression: true,
	CheckOrigin:       func(*http.Request) bool { return true },
}

// Upgrade upgrades an HTTP request to a sync connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade sync connection: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

// Dial connects a client to the server's sync endpoint. The bearer token is a
// device token minted by the device registration endpoint.
func Dial(ctx context.Context, url, token string) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		Subprotocols:      []string{Subprotocol},
		EnableCompression: true,
		HandshakeTimeout:  15 * time.Second,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial sync endpoint: %w", err)
	}
	return NewWebSocketConn(ws), nil
}
