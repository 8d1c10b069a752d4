// Package client implements the session driver consumed by user interfaces:
// a connection that sends protocol frames and delivers decoded events
// through a receive callback, answering heartbeat probes on its own.
package client

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/chatapperro/chatserve/pkg/protocol"
)

// ReceiveCallback is invoked once per decoded frame with the payload string
// and the frame type. A dropped connection is reported as a synthetic
// protocol.TypeError event with the message "disconnect".
type ReceiveCallback func(message string, frameType uint8)

// Connection represents a client connection to the server
type Connection struct {
	addr        string
	dialTimeout time.Duration

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	callback  ReceiveCallback

	outgoing chan *protocol.Frame
	shutdown chan struct{}
	once     sync.Once
	listen   sync.Once
	wg       sync.WaitGroup

	logger *log.Logger
}

// NewConnection creates a client for the given "host:port" address.
func NewConnection(addr string) *Connection {
	return &Connection{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		outgoing:    make(chan *protocol.Frame, 100),
		shutdown:    make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the TCP connection and starts the write loop.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	c.connected = true
	c.logf("Connected to %s", c.addr)

	c.wg.Add(1)
	go c.writeLoop()

	return nil
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close shuts the connection down permanently. Any blocked read unblocks
// with an error; there is no separate cancellation token.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// Send enqueues a frame for transmission.
func (c *Connection) Send(frame *protocol.Frame) error {
	select {
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// SetReceiveCallback installs the per-frame callback. Must be called before
// StartListening.
func (c *Connection) SetReceiveCallback(fn ReceiveCallback) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// StartListening starts the background receive loop. Heartbeat probes are
// acknowledged automatically before the callback sees them. Idempotent.
func (c *Connection) StartListening() {
	c.listen.Do(func() {
		c.wg.Add(1)
		go c.readLoop()
	})
}

// writeLoop is the only writer on the socket.
func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.outgoing:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := protocol.EncodeFrame(conn, frame); err != nil {
				c.logf("Write error: %v", err)
				return
			}
			c.logf("→ SEND: Type=0x%02X PayloadLen=%d", frame.Type, len(frame.Payload))
		case <-c.shutdown:
			return
		}
	}
}

// readLoop decodes frames and feeds the callback.
func (c *Connection) readLoop() {
	defer c.wg.Done()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			c.logf("Read error: %v", err)
			c.invokeCallback("disconnect", protocol.TypeError)
			return
		}

		c.logf("← RECV: Type=0x%02X PayloadLen=%d", frame.Type, len(frame.Payload))

		message := string(frame.Payload)
		if frame.Type == protocol.TypeReturnMsg && message == protocol.RetHeartbeat {
			// Liveness probe: answer before anything else
			c.Send(protocol.InstructionFrame(protocol.InstructionHeartbeatAck))
		}

		c.invokeCallback(message, frame.Type)
	}
}

func (c *Connection) invokeCallback(message string, frameType uint8) {
	c.mu.RLock()
	fn := c.callback
	c.mu.RUnlock()
	if fn != nil {
		fn(message, frameType)
	}
}

// Login sends the login handshake frame.
func (c *Connection) Login(username, password string) error {
	return c.Send(protocol.LoginFrame(username, password))
}

// Register sends the register handshake frame.
func (c *Connection) Register(username, password string) error {
	return c.Send(protocol.RegisterFrame(username, password))
}

// SendMessage forwards a message to another user by name.
func (c *Connection) SendMessage(target, message string) error {
	return c.Send(protocol.ForwardFrame(target, message))
}

// ChangePassword requests a password change for the logged-in account.
func (c *Connection) ChangePassword(oldPassword, newPassword string) error {
	return c.Send(protocol.ChangePasswordFrame(oldPassword, newPassword))
}

// RequestAllUsers asks for the full registered-username list.
func (c *Connection) RequestAllUsers() error {
	return c.Send(protocol.InstructionFrame(protocol.InstructionGetAllUsers))
}

// RequestOnlineUsers asks for the currently online usernames.
func (c *Connection) RequestOnlineUsers() error {
	return c.Send(protocol.InstructionFrame(protocol.InstructionGetAllOnlineUsers))
}

// Logout tells the server to close this session.
func (c *Connection) Logout() error {
	return c.Send(protocol.InstructionFrame(protocol.InstructionLogout))
}

// DeleteSelf deletes the logged-in account and closes the session.
func (c *Connection) DeleteSelf() error {
	return c.Send(protocol.InstructionFrame(protocol.InstructionDeleteSelf))
}
