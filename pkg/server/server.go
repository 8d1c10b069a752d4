package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatapperro/chatserve/pkg/database"
	"github.com/chatapperro/chatserve/pkg/protocol"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort     int
	HTTPPort    int // WebSocket transport, 0 disables
	MetricsPort int // Prometheus /metrics, 0 disables

	MaxAccounts int

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // read-wait bound before probing
	HeartbeatTimeout  time.Duration // grace after an unanswered probe
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           4567,
		HTTPPort:          0,
		MetricsPort:       0,
		MaxAccounts:       database.DefaultMaxAccounts,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  20 * time.Second,
	}
}

// Server accepts connections, authenticates them against the account store
// and relays frames between live sessions.
type Server struct {
	db       *database.DB
	registry *Registry
	config   ServerConfig
	metrics  *Metrics

	listener     net.Listener
	httpServer   *http.Server
	metricsSrv   *http.Server
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a server around an opened account store.
func NewServer(db *database.DB, config ServerConfig) *Server {
	db.SetMaxAccounts(config.MaxAccounts)
	return &Server{
		db:       db,
		registry: NewRegistry(),
		config:   config,
		shutdown: make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus metrics to the server and its registry.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
	s.registry.SetMetrics(m)
}

// Registry exposes the session registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the TCP listener (and the optional WebSocket and metrics
// listeners) and begins accepting connections. A bind failure aborts startup.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		if err := s.startWebSocketServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		log.Printf("Metrics available on :%d/metrics", s.config.MetricsPort)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound TCP address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}

	s.registry.CloseAll()
	s.wg.Wait()

	return s.db.Close()
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the handshake and, for a successful login, promotes
// the connection to a persistent session.
func (s *Server) handleConnection(conn net.Conn) {
	sess, ok := s.handshake(conn)
	if !ok {
		return
	}

	debugLog.Printf("Session %d: user %q online from %s", sess.ID, sess.Username, conn.RemoteAddr())
	s.registry.Broadcast(protocol.ReturnFrame(protocol.UserOnlineNotice(sess.Username)))

	s.activeLoop(sess)
	s.closeSession(sess)
}

// handshake reads exactly one frame from a fresh connection. Only login and
// register are accepted here; anything else closes the connection. A
// successful register still closes the connection (the client reconnects to
// log in), so only a successful login yields a session.
func (s *Server) handshake(conn net.Conn) (*Session, bool) {
	conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	frame, err := protocol.DecodeFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		debugLog.Printf("Handshake read from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return nil, false
	}

	if s.metrics != nil {
		s.metrics.RecordFrameReceived(frameTypeLabel(frame))
	}

	switch frame.Type {
	case protocol.TypeRegisterUser:
		s.handleRegister(conn, string(frame.Payload))
		conn.Close()
		return nil, false

	case protocol.TypeLogin:
		return s.handleLogin(conn, string(frame.Payload))

	default:
		debugLog.Printf("Unexpected handshake frame type 0x%02X from %s", frame.Type, conn.RemoteAddr())
		conn.Close()
		return nil, false
	}
}

// handleRegister answers a register handshake. Every outcome, success
// included, is final for this connection.
func (s *Server) handleRegister(conn net.Conn, payload string) {
	username, password, ok := protocol.SplitPair(payload)
	if !ok {
		s.replyDirect(conn, protocol.RetRegisterFailed)
		return
	}

	err := s.db.Register(username, password)
	switch {
	case err == nil:
		log.Printf("Registered account %q", username)
		s.replyDirect(conn, protocol.RetRegisterSuccess)
	case errors.Is(err, database.ErrInvalidUsername):
		s.replyDirect(conn, protocol.RetRegisterInvalidUsername)
	case errors.Is(err, database.ErrInvalidPassword):
		s.replyDirect(conn, protocol.RetRegisterInvalidPassword)
	case errors.Is(err, database.ErrAccountLimit):
		log.Printf("Registration of %q rejected: account limit reached", username)
		s.replyDirect(conn, protocol.RetRegisterLimitReached)
	case errors.Is(err, database.ErrUsernameTaken):
		s.replyDirect(conn, protocol.RetRegisterUsernameExists)
	default:
		log.Printf("Registration of %q failed: %v", username, err)
		s.replyDirect(conn, protocol.RetRegisterFailed)
	}
}

// handleLogin answers a login handshake and registers the session on
// success. Registration into the registry happens before the success reply,
// so a duplicate login never displaces the live session.
func (s *Server) handleLogin(conn net.Conn, payload string) (*Session, bool) {
	username, password, ok := protocol.SplitPair(payload)
	if !ok {
		s.replyDirect(conn, protocol.RetLoginFormatError)
		conn.Close()
		return nil, false
	}

	err := s.db.Authenticate(username, password)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrUserNotFound):
		s.replyDirect(conn, protocol.RetLoginNoSuchUser)
		conn.Close()
		return nil, false
	case errors.Is(err, database.ErrWrongPassword):
		log.Printf("Login of %q rejected: wrong password", username)
		s.replyDirect(conn, protocol.RetLoginWrongPassword)
		conn.Close()
		return nil, false
	default:
		log.Printf("Login of %q failed: %v", username, err)
		s.replyDirect(conn, protocol.RetLoginNoSuchUser)
		conn.Close()
		return nil, false
	}

	sess := NewSession(username, conn)
	if err := s.registry.Add(sess); err != nil {
		log.Printf("Login of %q rejected: already online", username)
		s.replyDirect(conn, protocol.RetLoginAlreadyOnline)
		conn.Close()
		return nil, false
	}

	go sess.writeLoop()
	s.enqueue(sess, protocol.ReturnFrame(protocol.RetLoginSuccess))
	log.Printf("User %q logged in (session %d)", username, sess.ID)
	return sess, true
}

// activeLoop alternates between waiting for inbound frames (bounded by the
// heartbeat interval) and dispatching them. It returns when the session must
// close.
func (s *Server) activeLoop(sess *Session) {
	reader := &trackingReader{r: sess.conn}

	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		sess.conn.SetReadDeadline(time.Now().Add(s.config.HeartbeatInterval))
		reader.n = 0
		frame, err := protocol.DecodeFrame(reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if reader.n > 0 {
					// Deadline expired mid-frame: the stream is desynced
					debugLog.Printf("Session %d: timed out mid-frame", sess.ID)
					return
				}
				if s.heartbeatTick(sess) {
					continue
				}
				return
			}
			if err != io.EOF {
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}

		// Any complete inbound frame is liveness evidence
		sess.clearProbe()

		if s.metrics != nil {
			s.metrics.RecordFrameReceived(frameTypeLabel(frame))
		}

		if s.dispatch(sess, frame) {
			return
		}
	}
}

// heartbeatTick handles one expiry of the read-wait deadline. It reports
// false when the session missed its heartbeat deadline and must close.
func (s *Server) heartbeatTick(sess *Session) bool {
	now := time.Now()
	if elapsed, outstanding := sess.probeOutstanding(now); outstanding {
		if elapsed >= s.config.HeartbeatTimeout {
			log.Printf("Session %d (%s): heartbeat timeout after %v", sess.ID, sess.Username, elapsed)
			if s.metrics != nil {
				s.metrics.RecordHeartbeatTimeout()
			}
			return false
		}
		return true
	}

	s.enqueue(sess, protocol.ReturnFrame(protocol.RetHeartbeat))
	sess.markProbeSent(now)
	if s.metrics != nil {
		s.metrics.RecordHeartbeatProbe()
	}
	debugLog.Printf("Session %d (%s): heartbeat probe sent", sess.ID, sess.Username)
	return true
}

// closeSession removes the session from the registry, announces the user
// offline and releases the socket. Terminal.
func (s *Server) closeSession(sess *Session) {
	sess.Close()
	if s.registry.Remove(sess) {
		log.Printf("User %q offline (session %d)", sess.Username, sess.ID)
		s.registry.Broadcast(protocol.ReturnFrame(protocol.UserOfflineNotice(sess.Username)))
	}
}

// enqueue queues a frame for a session, counting it and closing the session
// if its queue is saturated.
func (s *Server) enqueue(sess *Session, frame *protocol.Frame) {
	if !sess.Enqueue(frame) {
		debugLog.Printf("Session %d (%s): outbound queue full, closing", sess.ID, sess.Username)
		sess.Close()
		return
	}
	if s.metrics != nil {
		s.metrics.RecordFrameSent(frameTypeLabel(frame))
	}
}

// replyDirect writes a single return frame straight to a connection that has
// no session (handshake phase only, before any write loop exists).
func (s *Server) replyDirect(conn net.Conn, msg string) {
	if err := protocol.EncodeFrame(conn, protocol.ReturnFrame(msg)); err != nil {
		debugLog.Printf("Handshake reply to %s failed: %v", conn.RemoteAddr(), err)
	}
	if s.metrics != nil {
		s.metrics.RecordFrameSent("return_msg")
	}
}

// trackingReader counts bytes read so the active loop can tell a quiet
// socket (heartbeat territory) from a deadline that expired mid-frame.
type trackingReader struct {
	r io.Reader
	n int
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += n
	return n, err
}

func frameTypeLabel(f *protocol.Frame) string {
	switch f.Type {
	case protocol.TypeLogin:
		return "login"
	case protocol.TypeRegisterUser:
		return "register_user"
	case protocol.TypeForwardMsg:
		return "forward_msg"
	case protocol.TypeInstruction:
		return "instruction"
	case protocol.TypeReturnMsg:
		return "return_msg"
	default:
		return "unknown"
	}
}
