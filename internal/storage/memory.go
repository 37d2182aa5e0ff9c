package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/document"
)

// MemoryAdapter implements StorageAdapter entirely in process. It backs
// deployments that run without a database and doubles as the contract
// implementation the tests run against.
type MemoryAdapter struct {
	mu        sync.RWMutex
	connected bool

	documents map[string]*DocumentRecord
	clocks    map[string]clock.VectorClock
	deltas    map[string][]*document.StoredDelta
	sessions  map[string]*SessionRecord
	snapshots map[string][]*SnapshotRecord
	snapSeq   int64
	now       func() time.Time
}

// NewMemoryAdapter builds an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		documents: make(map[string]*DocumentRecord),
		clocks:    make(map[string]clock.VectorClock),
		deltas:    make(map[string][]*document.StoredDelta),
		sessions:  make(map[string]*SessionRecord),
		snapshots: make(map[string][]*SnapshotRecord),
		now:       time.Now,
	}
}

// Connect marks the adapter usable.
func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the adapter unusable. Data survives so a reconnect in
// tests sees the same state.
func (m *MemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports the Connect/Disconnect state.
func (m *MemoryAdapter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HealthCheck mirrors IsConnected.
func (m *MemoryAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

func (m *MemoryAdapter) GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	rec, ok := m.documents[documentID]
	if !ok {
		return nil, nil
	}
	out := &DocumentRecord{
		ID:          rec.ID,
		Cells:       copyCells(rec.Cells),
		VectorClock: m.clocks[documentID].Clone(),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	return out, nil
}

func (m *MemoryAdapter) SaveDocument(ctx context.Context, documentID string, cells map[string]document.FieldCell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	now := m.now()
	rec, ok := m.documents[documentID]
	if !ok {
		rec = &DocumentRecord{ID: documentID, CreatedAt: now}
		m.documents[documentID] = rec
	}
	rec.Cells = copyCells(cells)
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryAdapter) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	_, ok := m.documents[documentID]
	delete(m.documents, documentID)
	delete(m.clocks, documentID)
	delete(m.deltas, documentID)
	delete(m.snapshots, documentID)
	return ok, nil
}

func (m *MemoryAdapter) GetVectorClock(ctx context.Context, documentID string) (clock.VectorClock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	vc, ok := m.clocks[documentID]
	if !ok {
		return clock.New(), nil
	}
	return vc.Clone(), nil
}

func (m *MemoryAdapter) UpdateVectorClock(ctx context.Context, documentID, clientID string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	vc, ok := m.clocks[documentID]
	if !ok {
		vc = clock.New()
		m.clocks[documentID] = vc
	}
	// Entries only move forward, matching the SQL GREATEST upsert.
	if value > vc[clientID] {
		vc[clientID] = value
	}
	return nil
}

func (m *MemoryAdapter) MergeVectorClock(ctx context.Context, documentID string, other clock.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	vc, ok := m.clocks[documentID]
	if !ok {
		vc = clock.New()
		m.clocks[documentID] = vc
	}
	vc.Merge(other)
	return nil
}

func (m *MemoryAdapter) SaveDelta(ctx context.Context, delta *document.StoredDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	stored := *delta
	stored.Fields = copyFields(delta.Fields)
	stored.VectorClock = delta.VectorClock.Clone()
	m.deltas[delta.DocumentID] = append(m.deltas[delta.DocumentID], &stored)
	return nil
}

func (m *MemoryAdapter) GetDeltasSince(ctx context.Context, documentID string, since clock.VectorClock) ([]*document.StoredDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	var out []*document.StoredDelta
	for _, d := range m.deltas[documentID] {
		if missedBy(since, d.VectorClock) {
			copied := *d
			copied.Fields = copyFields(d.Fields)
			copied.VectorClock = d.VectorClock.Clone()
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryAdapter) SaveSession(ctx context.Context, session *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	now := m.now()
	if existing, ok := m.sessions[session.ID]; ok {
		session.ConnectedAt = existing.ConnectedAt
	} else {
		session.ConnectedAt = now
	}
	session.LastSeen = now
	stored := *session
	m.sessions[session.ID] = &stored
	return nil
}

func (m *MemoryAdapter) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	if s, ok := m.sessions[sessionID]; ok {
		s.LastSeen = lastSeen
	}
	return nil
}

func (m *MemoryAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return ok, nil
}

func (m *MemoryAdapter) SessionsForUser(ctx context.Context, userID string) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	var out []*SessionRecord
	for _, s := range m.sessions {
		if s.UserID == userID {
			copied := *s
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (m *MemoryAdapter) CleanupExpiredSessions(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, ErrNotConnected
	}

	deleted := 0
	for id, s := range m.sessions {
		if s.LastSeen.Before(olderThan) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryAdapter) SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	m.snapSeq++
	snap.ID = m.snapSeq
	snap.CreatedAt = m.now()
	stored := *snap
	stored.Cells = copyCells(snap.Cells)
	stored.VectorClock = snap.VectorClock.Clone()
	m.snapshots[snap.DocumentID] = append(m.snapshots[snap.DocumentID], &stored)
	return nil
}

func (m *MemoryAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	snaps := m.snapshots[documentID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	copied := *latest
	copied.Cells = copyCells(latest.Cells)
	copied.VectorClock = latest.VectorClock.Clone()
	return &copied, nil
}

func (m *MemoryAdapter) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	var result CleanupResult

	if opts.SessionIdleFor > 0 {
		n, err := m.CleanupExpiredSessions(ctx, m.now().Add(-opts.SessionIdleFor))
		if err != nil {
			return result, err
		}
		result.SessionsDeleted = n
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return result, ErrNotConnected
	}

	if opts.SnapshotsPerDocument > 0 {
		for docID, snaps := range m.snapshots {
			if surplus := len(snaps) - opts.SnapshotsPerDocument; surplus > 0 {
				m.snapshots[docID] = append([]*SnapshotRecord(nil), snaps[surplus:]...)
				result.SnapshotsDeleted += surplus
			}
		}
	}

	// The memory adapter keeps no per-row timestamps for deltas; retention
	// applies only to the durable backends.
	return result, nil
}

func copyCells(cells map[string]document.FieldCell) map[string]document.FieldCell {
	out := make(map[string]document.FieldCell, len(cells))
	for k, v := range cells {
		out[k] = v
	}
	return out
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
