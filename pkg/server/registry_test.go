package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatapperro/chatserve/pkg/protocol"
)

// pipeSession builds a session over a net.Pipe without starting its write
// loop, so enqueued frames stay observable in the queue.
func pipeSession(t *testing.T, username string) *Session {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return NewSession(username, serverSide)
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()

	first := pipeSession(t, "alice")
	require.NoError(t, reg.Add(first))

	second := pipeSession(t, "alice")
	assert.ErrorIs(t, reg.Add(second), ErrAlreadyOnline)

	// The first session must be undisturbed
	current, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, current)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistry()

	sess := pipeSession(t, "alice")
	require.NoError(t, reg.Add(sess))

	// Removing a session that lost its slot must not evict the replacement
	stale := pipeSession(t, "alice")
	assert.False(t, reg.Remove(stale))
	_, ok := reg.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, reg.Remove(sess))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)

	// Second removal is a no-op
	assert.False(t, reg.Remove(sess))
}

func TestRegistryOnlineUsernames(t *testing.T) {
	reg := NewRegistry()

	assert.Empty(t, reg.OnlineUsernames())

	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, reg.Add(pipeSession(t, name)))
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.OnlineUsernames())
}

func TestRegistryBroadcastEnqueuesToAll(t *testing.T) {
	reg := NewRegistry()

	alice := pipeSession(t, "alice")
	bob := pipeSession(t, "bob")
	require.NoError(t, reg.Add(alice))
	require.NoError(t, reg.Add(bob))

	frame := protocol.ReturnFrame(protocol.UserOnlineNotice("carol"))
	reg.Broadcast(frame)

	for _, sess := range []*Session{alice, bob} {
		select {
		case got := <-sess.outbound:
			assert.Equal(t, frame, got)
		default:
			t.Fatalf("broadcast did not reach %s", sess.Username)
		}
	}
}

func TestRegistryBroadcastSkipsClosedSessions(t *testing.T) {
	reg := NewRegistry()

	alice := pipeSession(t, "alice")
	bob := pipeSession(t, "bob")
	require.NoError(t, reg.Add(alice))
	require.NoError(t, reg.Add(bob))

	bob.Close()
	reg.Broadcast(protocol.ReturnFrame(protocol.RetHeartbeat))

	select {
	case <-alice.outbound:
	default:
		t.Fatal("broadcast did not reach alice")
	}
	select {
	case <-bob.outbound:
		t.Fatal("broadcast reached a closed session")
	default:
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()

	alice := pipeSession(t, "alice")
	bob := pipeSession(t, "bob")
	require.NoError(t, reg.Add(alice))
	require.NoError(t, reg.Add(bob))

	reg.CloseAll()

	assert.Equal(t, 0, reg.Count())
	select {
	case <-alice.Done():
	default:
		t.Fatal("alice not closed")
	}
	select {
	case <-bob.Done():
	default:
		t.Fatal("bob not closed")
	}
}
