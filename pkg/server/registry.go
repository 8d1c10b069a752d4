package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/chatapperro/chatserve/pkg/protocol"
)

// ErrAlreadyOnline indicates a live session already exists for the username.
var ErrAlreadyOnline = errors.New("user already online")

// Registry is the shared map of authenticated usernames to live sessions.
// At most one session exists per username. All mutation goes through its
// methods; no I/O ever happens while the lock is held.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Add registers a session for its username. The existence check and the
// insert are atomic: a second login for an online username fails without
// displacing the first session.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[sess.Username]; exists {
		r.mu.Unlock()
		return ErrAlreadyOnline
	}
	r.sessions[sess.Username] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionCreated()
	}
	return nil
}

// Remove drops the username's registration, but only if it still maps to the
// given session. Returns whether a removal happened.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[sess.Username]
	if !ok || current != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sess.Username)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionDisconnected()
	}
	return true
}

// Lookup returns the live session for a username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// OnlineUsernames returns a sorted snapshot of currently online usernames.
func (r *Registry) OnlineUsernames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast enqueues a frame on every live session's outbound queue. It
// performs no socket I/O; each session's own write loop drains its queue.
func (r *Registry) Broadcast(frame *protocol.Frame) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sess := range sessions {
		if sess.Enqueue(frame) {
			delivered++
		}
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcast(delivered)
	}
}

// CloseAll closes every live session. Used during server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
