package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatapperro/chatserve/pkg/protocol"
)

// outboundQueueSize bounds the per-session send queue. A peer that cannot
// drain this many frames is treated as dead.
const outboundQueueSize = 64

// Session represents one authenticated client connection. It is created
// after a successful login handshake and owned by its handler goroutine;
// other sessions only ever touch its outbound queue.
type Session struct {
	ID       uint64
	Username string

	conn     net.Conn
	outbound chan *protocol.Frame
	closed   chan struct{}
	once     sync.Once

	// Heartbeat state, touched only by the owning read loop
	probeSentAt time.Time

	writeErr atomic.Bool
}

var nextSessionID atomic.Uint64

// NewSession wraps an authenticated connection.
func NewSession(username string, conn net.Conn) *Session {
	return &Session{
		ID:       nextSessionID.Add(1),
		Username: username,
		conn:     conn,
		outbound: make(chan *protocol.Frame, outboundQueueSize),
		closed:   make(chan struct{}),
	}
}

// Enqueue appends a frame to the session's outbound queue without blocking
// and without touching the socket. It reports false when the session is
// closing or its queue is full (a peer too slow to drain the queue).
func (s *Session) Enqueue(frame *protocol.Frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the session down. The write loop drains any queued frames to
// the socket before closing it; pending reads unblock with an error.
// Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

// Done reports a channel that is closed once the session is closing.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// WriteFailed reports whether the write loop hit a socket error.
func (s *Session) WriteFailed() bool {
	return s.writeErr.Load()
}

// writeLoop is the only goroutine that ever writes to the socket. Frames
// enqueued by other sessions (forwards, broadcasts) and by the owner are
// serialized here.
func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.outbound:
			if err := protocol.EncodeFrame(s.conn, frame); err != nil {
				s.writeErr.Store(true)
				s.Close()
				return
			}
		case <-s.closed:
			// Flush whatever is still queued, then release the socket
			for {
				select {
				case frame := <-s.outbound:
					if err := protocol.EncodeFrame(s.conn, frame); err != nil {
						s.writeErr.Store(true)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// markProbeSent records the time a heartbeat probe was queued.
func (s *Session) markProbeSent(now time.Time) {
	s.probeSentAt = now
}

// probeOutstanding reports whether a heartbeat probe awaits liveness
// evidence, and for how long.
func (s *Session) probeOutstanding(now time.Time) (time.Duration, bool) {
	if s.probeSentAt.IsZero() {
		return 0, false
	}
	return now.Sub(s.probeSentAt), true
}

// clearProbe resets heartbeat state. Called on every successful read; any
// inbound frame counts as liveness evidence, not just an explicit ack.
func (s *Session) clearProbe() {
	s.probeSentAt = time.Time{}
}
