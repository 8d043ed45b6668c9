package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrInvalidConnID is returned when registering an empty connection id.
	ErrInvalidConnID = errors.New("realtime: empty connection id")
	// ErrDuplicateConnID is returned when a connection id is already registered.
	ErrDuplicateConnID = errors.New("realtime: connection id already registered")
)

// Registry is the in-memory set of connection sessions, live and parked.
//
// Concurrency guarantees:
//   - Register/Unregister are safe under concurrent ForEach.
//   - ForEach callbacks run under the read lock; they must not block (Session.Offer never does).
//   - Unregister removes the session before closing it, so a broadcaster never races teardown.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Register creates and tracks a session for connID.
func (r *Registry) Register(connID string, initialSeq int64, resumable bool, queueSize int) (*Session, error) {
	if connID == "" {
		return nil, ErrInvalidConnID
	}
	s := NewSession(connID, initialSeq, resumable, queueSize)

	r.mu.Lock()
	if _, exists := r.sessions[connID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnID
	}
	r.sessions[connID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setSessions(n)
	r.log.Debug("registry.session.register", "conn_id", connID, "initial_seq", initialSeq, "resumable", resumable)
	return s, nil
}

// Unregister removes the session and signals its shutdown.
func (r *Registry) Unregister(connID string) {
	if connID == "" {
		return
	}

	r.mu.Lock()
	s := r.sessions[connID]
	delete(r.sessions, connID)
	n := len(r.sessions)
	r.mu.Unlock()

	if s != nil {
		s.Close("unregistered")
	}
	r.metrics.setSessions(n)
	r.log.Debug("registry.session.unregister", "conn_id", connID)
}

// ForEach calls fn for every tracked session that is not closed.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s == nil || s.Closed() {
			continue
		}
		fn(s)
	}
}

// Get returns the session for connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// Len returns the number of tracked sessions (live and parked).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Park keeps a disconnected session around until deadline so the client can resume it.
// Parked sessions keep receiving broadcasts into their queue.
func (r *Registry) Park(connID string, deadline time.Time) bool {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok || s.Closed() {
		r.Unregister(connID)
		return false
	}
	s.park(deadline)
	r.log.Debug("registry.session.park", "conn_id", connID, "until", deadline)
	return true
}

// Resume reattaches a parked session for a client that has seen everything up to lastSeq.
// On success the session is resumable and replay can be skipped. On failure any parked
// leftover for prevID is dropped.
func (r *Registry) Resume(prevID string, lastSeq int64, now time.Time) (*Session, bool) {
	if prevID == "" {
		return nil, false
	}

	r.mu.RLock()
	s, ok := r.sessions[prevID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	switch s.unpark(now, lastSeq) {
	case unparkOK:
	case unparkNotParked:
		// Still attached to a live connection; a second connection cannot take it over.
		return nil, false
	default:
		r.Unregister(prevID)
		return nil, false
	}
	r.log.Debug("registry.session.resume", "conn_id", prevID, "last_seq", s.LastDelivered())
	return s, true
}

// ReapParked drops parked sessions whose deadline passed and returns how many were dropped.
func (r *Registry) ReapParked(now time.Time) int {
	var expired []string

	r.mu.RLock()
	for id, s := range r.sessions {
		parked, until := s.parked()
		if parked && (now.After(until) || s.Closed()) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Unregister(id)
	}
	return len(expired)
}
