package ws

import (
	"errors"
	"sync"

	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/protocol"
)

var (
	// ErrRegistryFull reports an accept refused by the connection cap.
	ErrRegistryFull = errors.New("connection limit reached")

	// ErrUnknownConnection reports a send to a connection id that is not
	// registered, usually because the client already disconnected.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Registry tracks every live connection and the user index over them. It is
// the coordinator's Sender, so document fan-out reaches write queues without
// the sync package knowing about sockets.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
	userOf map[string]string
	limit  int

	metrics *metrics.Metrics
}

// NewRegistry builds a registry refusing connections beyond limit. A limit of
// zero or less means unbounded.
func NewRegistry(limit int, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		byID:    make(map[string]*Connection),
		byUser:  make(map[string]map[string]*Connection),
		userOf:  make(map[string]string),
		limit:   limit,
		metrics: m,
	}
}

// Add registers a connection, enforcing the connection cap.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.byID) >= r.limit {
		return ErrRegistryFull
	}
	r.byID[conn.ID] = conn
	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectionsActive.Inc()
	return nil
}

// Remove unregisters a connection and drops its user index entry. Returns the
// removed connection, or nil when the id was not registered; callers use the
// nil return to make teardown idempotent.
func (r *Registry) Remove(connectionID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[connectionID]
	if !ok {
		return nil
	}
	delete(r.byID, connectionID)
	r.dropUserLocked(connectionID)
	r.metrics.ConnectionsActive.Dec()
	return conn
}

// Get looks up a live connection by id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connectionID]
	return conn, ok
}

// AssociateUser indexes a connection under its authenticated user,
// re-indexing on re-authentication.
func (r *Registry) AssociateUser(connectionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[connectionID]
	if !ok {
		return
	}
	r.dropUserLocked(connectionID)
	r.userOf[connectionID] = userID
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]*Connection)
		r.byUser[userID] = set
	}
	set[connectionID] = conn
}

func (r *Registry) dropUserLocked(connectionID string) {
	userID, ok := r.userOf[connectionID]
	if !ok {
		return
	}
	delete(r.userOf, connectionID)
	if set := r.byUser[userID]; set != nil {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// ForUser returns the live connections authenticated as userID.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// All snapshots the live connections, for shutdown sweeps.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Send queues a message on one connection's write queue. It implements the
// sync package's Sender.
func (r *Registry) Send(connectionID string, msg *protocol.Message) error {
	conn, ok := r.Get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Send(msg)
}
