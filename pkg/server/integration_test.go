package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatapperro/chatserve/pkg/database"
	"github.com/chatapperro/chatserve/pkg/protocol"
)

// startTestServer runs a server on an ephemeral port. Heartbeats are slowed
// way down so they don't interfere with functional tests; heartbeat tests
// override the timings.
func startTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Minute
	cfg.HeartbeatTimeout = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(db, cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, frame *protocol.Frame) {
	t.Helper()
	require.NoError(t, protocol.EncodeFrame(conn, frame))
}

// readFrame reads one frame with a bounded wait.
func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.DecodeFrame(conn)
	require.NoError(t, err)
	return frame
}

// expectReturn reads one frame and asserts it is a return_msg with the
// given payload.
func expectReturn(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, uint8(protocol.TypeReturnMsg), frame.Type)
	assert.Equal(t, want, string(frame.Payload))
}

// awaitReturn reads frames until the wanted return payload shows up,
// acknowledging any heartbeat probes on the way.
func awaitReturn(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := protocol.DecodeFrame(conn)
		require.NoError(t, err)
		if frame.Type != protocol.TypeReturnMsg {
			continue
		}
		msg := string(frame.Payload)
		if msg == protocol.RetHeartbeat {
			send(t, conn, protocol.InstructionFrame(protocol.InstructionHeartbeatAck))
			continue
		}
		if msg == want {
			return
		}
	}
	t.Fatalf("never received %q", want)
}

// register runs one register handshake on a fresh connection. The server
// answers and closes the connection either way.
func register(t *testing.T, srv *Server, username, password string) string {
	t.Helper()
	conn := dialServer(t, srv)
	send(t, conn, protocol.RegisterFrame(username, password))
	frame := readFrame(t, conn)
	conn.Close()
	return string(frame.Payload)
}

// login runs a login handshake and returns the connection plus the server's
// verdict.
func login(t *testing.T, srv *Server, username, password string) (net.Conn, string) {
	t.Helper()
	conn := dialServer(t, srv)
	send(t, conn, protocol.LoginFrame(username, password))
	frame := readFrame(t, conn)
	return conn, string(frame.Payload)
}

// mustLogin logs in and consumes the caller's own user_online broadcast,
// which always directly follows the success verdict.
func mustLogin(t *testing.T, srv *Server, username, password string) net.Conn {
	t.Helper()
	conn, verdict := login(t, srv, username, password)
	require.Equal(t, protocol.RetLoginSuccess, verdict)
	expectReturn(t, conn, protocol.UserOnlineNotice(username))
	return conn
}

func TestRegisterLoginScenario(t *testing.T) {
	srv := startTestServer(t, nil)

	// register alice → success; again → already exists
	assert.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
	assert.Equal(t, protocol.RetRegisterUsernameExists, register(t, srv, "alice", "pass123"))

	// wrong password, then success
	conn, verdict := login(t, srv, "alice", "wrong")
	assert.Equal(t, protocol.RetLoginWrongPassword, verdict)
	conn.Close()

	conn, verdict = login(t, srv, "ghost", "pass123")
	assert.Equal(t, protocol.RetLoginNoSuchUser, verdict)
	conn.Close()

	mustLogin(t, srv, "alice", "pass123")
	assert.Equal(t, []string{"alice"}, srv.Registry().OnlineUsernames())
}

func TestRegisterValidationOverWire(t *testing.T) {
	srv := startTestServer(t, nil)

	assert.Equal(t, protocol.RetRegisterInvalidUsername, register(t, srv, "bad name", "pass123"))
	assert.Equal(t, protocol.RetRegisterInvalidPassword, register(t, srv, "goodname", "bad pass"))
	assert.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "小明", "pass123"))
}

func TestAccountLimitOverWire(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) { cfg.MaxAccounts = 2 })

	assert.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
	assert.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "bob", "pass123"))
	assert.Equal(t, protocol.RetRegisterLimitReached, register(t, srv, "carol", "pass123"))
}

func TestDuplicateLoginRejected(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	first := mustLogin(t, srv, "alice", "pass123")

	second, verdict := login(t, srv, "alice", "pass123")
	assert.Equal(t, protocol.RetLoginAlreadyOnline, verdict)
	second.Close()

	// The first session keeps working
	send(t, first, protocol.InstructionFrame(protocol.InstructionGetAllOnlineUsers))
	expectReturn(t, first, "all_online_users:alice|")
}

func TestForwardToOnlineTarget(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "bob", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")
	bob := mustLogin(t, srv, "bob", "pass123")

	// alice sees bob come online
	expectReturn(t, alice, protocol.UserOnlineNotice("bob"))

	send(t, alice, protocol.ForwardFrame("bob", "hello bob"))
	expectReturn(t, alice, protocol.RetForwardSuccess)

	frame := readFrame(t, bob)
	require.Equal(t, uint8(protocol.TypeForwardMsg), frame.Type)
	assert.Equal(t, "alice|hello bob", string(frame.Payload))
}

func TestForwardToOfflineTarget(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")

	send(t, alice, protocol.ForwardFrame("carol", "anyone there?"))
	expectReturn(t, alice, protocol.TargetOfflineNotice("carol"))
}

func TestMalformedForwardKeepsSessionAlive(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")

	send(t, alice, &protocol.Frame{Type: protocol.TypeForwardMsg, Payload: []byte("no separator here")})

	// Still active afterwards
	send(t, alice, protocol.InstructionFrame(protocol.InstructionGetAllOnlineUsers))
	expectReturn(t, alice, "all_online_users:alice|")
}

func TestInstructions(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "bob", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")

	send(t, alice, protocol.InstructionFrame(protocol.InstructionGetAllUsers))
	expectReturn(t, alice, "all_user:alice|bob|")

	send(t, alice, protocol.InstructionFrame(protocol.InstructionGetAllOnlineUsers))
	expectReturn(t, alice, "all_online_users:alice|")

	// change_password: wrong old, invalid new, then success
	send(t, alice, protocol.ChangePasswordFrame("nope", "newpass1"))
	expectReturn(t, alice, protocol.RetOldPasswordError)

	send(t, alice, protocol.ChangePasswordFrame("pass123", "bad pass"))
	expectReturn(t, alice, protocol.RetNewPasswordInvalid)

	send(t, alice, protocol.ChangePasswordFrame("pass123", "newpass1"))
	expectReturn(t, alice, protocol.RetChangePasswordSuccess)

	alice.Close()
	require.Eventually(t, func() bool {
		_, online := srv.Registry().Lookup("alice")
		return !online
	}, 2*time.Second, 10*time.Millisecond)

	relogged := mustLogin(t, srv, "alice", "newpass1")
	relogged.Close()
}

func TestUnknownInstructionKeepsSessionAlive(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")

	send(t, alice, protocol.InstructionFrame(99))
	expectReturn(t, alice, protocol.RetUnknownInstruction)

	send(t, alice, protocol.InstructionFrame(protocol.InstructionGetAllOnlineUsers))
	expectReturn(t, alice, "all_online_users:alice|")
}

func TestLogoutBroadcastsOffline(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "bob", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")
	bob := mustLogin(t, srv, "bob", "pass123")
	expectReturn(t, alice, protocol.UserOnlineNotice("bob"))

	send(t, bob, protocol.InstructionFrame(protocol.InstructionLogout))

	awaitReturn(t, alice, protocol.UserOfflineNotice("bob"))
	require.Eventually(t, func() bool {
		_, online := srv.Registry().Lookup("bob")
		return !online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteSelf(t *testing.T) {
	srv := startTestServer(t, nil)
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")
	send(t, alice, protocol.InstructionFrame(protocol.InstructionDeleteSelf))
	expectReturn(t, alice, protocol.RetDeleteSuccess)

	// Connection closes after the farewell frame
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.DecodeFrame(alice)
	assert.Error(t, err)

	// Account is gone; the name can register again
	conn, verdict := login(t, srv, "alice", "pass123")
	assert.Equal(t, protocol.RetLoginNoSuchUser, verdict)
	conn.Close()
	assert.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))
}

func TestHeartbeatProbeAndTimeout(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.HeartbeatTimeout = 300 * time.Millisecond
	})
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "bob", "pass123"))

	bob := mustLogin(t, srv, "bob", "pass123")

	// bob stays silent: exactly one probe arrives, which bob ignores
	expectReturn(t, bob, protocol.RetHeartbeat)

	// bob is forcibly closed after the grace period with no further frames
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.DecodeFrame(bob)
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, online := srv.Registry().Lookup("bob")
		return !online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatAckKeepsSessionAlive(t *testing.T) {
	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.HeartbeatTimeout = 300 * time.Millisecond
	})
	require.Equal(t, protocol.RetRegisterSuccess, register(t, srv, "alice", "pass123"))

	alice := mustLogin(t, srv, "alice", "pass123")

	// Keep acknowledging probes for several cycles
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		alice.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := protocol.DecodeFrame(alice)
		require.NoError(t, err)
		if string(frame.Payload) == protocol.RetHeartbeat {
			send(t, alice, protocol.InstructionFrame(protocol.InstructionHeartbeatAck))
		}
	}

	_, online := srv.Registry().Lookup("alice")
	assert.True(t, online, "acked session must stay registered")
}

func TestHandshakeRejectsNonAuthFrames(t *testing.T) {
	srv := startTestServer(t, nil)

	conn := dialServer(t, srv)
	send(t, conn, protocol.ForwardFrame("bob", "sneaky"))

	// Closed without a session ever existing
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.DecodeFrame(conn)
	assert.Error(t, err)
	assert.Equal(t, 0, srv.Registry().Count())
}
