package server

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1048576, // matches the protocol's max frame size
	WriteBufferSize: 1048576,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// startWebSocketServer serves the identical binary protocol over WebSocket
// binary messages, so WS clients share every session codepath with TCP.
func (s *Server) startWebSocketServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("WebSocket server error: %v", err)
		}
	}()

	log.Printf("WebSocket server listening on %s/ws", addr)
	return nil
}

// handleWebSocket upgrades the HTTP connection and runs it through the same
// handshake/session machinery as a TCP connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newWebSocketConn(ws)
	debugLog.Printf("WebSocket connection from %s", conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(conn)
	}()
}

// webSocketConn adapts a WebSocket connection to net.Conn so the frame codec
// and session loops can treat it like a TCP stream. Incoming binary messages
// are pumped into a buffer by a dedicated goroutine; Read honors deadlines
// with a timer instead of gorilla's read deadlines, whose expiry poisons the
// underlying connection.
type webSocketConn struct {
	ws *websocket.Conn

	mu       sync.Mutex
	readBuf  bytes.Buffer
	readable chan struct{} // signaled when the pump appends data
	readErr  error
	deadline time.Time

	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newWebSocketConn(ws *websocket.Conn) *webSocketConn {
	c := &webSocketConn{
		ws:       ws,
		readable: make(chan struct{}, 1),
	}
	go c.pump()
	return c
}

// pump moves WebSocket messages into the read buffer.
func (c *webSocketConn) pump() {
	for {
		messageType, data, err := c.ws.ReadMessage()

		c.mu.Lock()
		if err != nil {
			c.readErr = err
		} else if messageType != websocket.BinaryMessage {
			c.readErr = fmt.Errorf("unexpected websocket message type %d", messageType)
		} else {
			c.readBuf.Write(data)
		}
		done := c.readErr != nil
		c.mu.Unlock()

		select {
		case c.readable <- struct{}{}:
		default:
		}
		if done {
			return
		}
	}
}

func (c *webSocketConn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.readBuf.Len() > 0 {
			n, _ := c.readBuf.Read(b)
			c.mu.Unlock()
			return n, nil
		}
		if c.readErr != nil {
			err := c.readErr
			c.mu.Unlock()
			return 0, err
		}
		deadline := c.deadline
		c.mu.Unlock()

		if deadline.IsZero() {
			<-c.readable
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, wsTimeoutError{}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.readable:
			timer.Stop()
		case <-timer.C:
			return 0, wsTimeoutError{}
		}
	}
}

func (c *webSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *webSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *webSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *webSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *webSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsTimeoutError satisfies net.Error so the heartbeat logic treats WS read
// deadline expiry exactly like a TCP timeout.
type wsTimeoutError struct{}

func (wsTimeoutError) Error() string   { return "websocket read deadline exceeded" }
func (wsTimeoutError) Timeout() bool   { return true }
func (wsTimeoutError) Temporary() bool { return true }
