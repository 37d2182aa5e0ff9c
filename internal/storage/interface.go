// Package storage persists documents, vector clocks, delta trails, sessions
// and snapshots behind a single adapter interface. The server is
// memory-authoritative: every method here is best effort from the caller's
// point of view, and a failure must never block in-memory progress.
package storage

import (
	"context"
	"time"

	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/document"
)

// DocumentRecord is a stored document: the per-field LWW cells plus the
// document's vector clock, exactly what a fresh instance needs to hydrate.
type DocumentRecord struct {
	ID          string                        `json:"id"`
	Cells       map[string]document.FieldCell `json:"cells"`
	VectorClock clock.VectorClock             `json:"vectorClock"`
	CreatedAt   time.Time                     `json:"createdAt"`
	UpdatedAt   time.Time                     `json:"updatedAt"`
}

// SessionRecord tracks one live connection. The session id is the
// connection id; rows are written on auth and deleted on teardown, so the
// table is a fleet-wide view of who is connected right now.
type SessionRecord struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"userId"`
	ClientID    string                 `json:"clientId,omitempty"`
	ConnectedAt time.Time              `json:"connectedAt"`
	LastSeen    time.Time              `json:"lastSeen"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SnapshotRecord is a point-in-time copy of a document, written when the
// in-memory delta log is compacted.
type SnapshotRecord struct {
	ID          int64                         `json:"id"`
	DocumentID  string                        `json:"documentId"`
	Cells       map[string]document.FieldCell `json:"cells"`
	VectorClock clock.VectorClock             `json:"vectorClock"`
	SizeBytes   int                           `json:"sizeBytes"`
	CreatedAt   time.Time                     `json:"createdAt"`
}

// CleanupOptions bounds what the maintenance pass removes. Zero values skip
// that category.
type CleanupOptions struct {
	SessionIdleFor       time.Duration // delete sessions not seen for this long
	DeltaRetention       time.Duration // delete delta rows older than this
	SnapshotsPerDocument int           // keep at most this many snapshots per document
}

// CleanupResult reports what a maintenance pass removed.
type CleanupResult struct {
	SessionsDeleted  int `json:"sessionsDeleted"`
	DeltasDeleted    int `json:"deltasDeleted"`
	SnapshotsDeleted int `json:"snapshotsDeleted"`
}

// StorageAdapter is the persistence contract. GetDocument returns (nil, nil)
// when the document has never been saved; absence is not an error.
type StorageAdapter interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Document state
	GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error)
	SaveDocument(ctx context.Context, documentID string, cells map[string]document.FieldCell) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)

	// Vector clocks
	GetVectorClock(ctx context.Context, documentID string) (clock.VectorClock, error)
	UpdateVectorClock(ctx context.Context, documentID, clientID string, value int64) error
	MergeVectorClock(ctx context.Context, documentID string, vc clock.VectorClock) error

	// Delta trail
	SaveDelta(ctx context.Context, delta *document.StoredDelta) error
	GetDeltasSince(ctx context.Context, documentID string, since clock.VectorClock) ([]*document.StoredDelta, error)

	// Sessions
	SaveSession(ctx context.Context, session *SessionRecord) error
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	SessionsForUser(ctx context.Context, userID string) ([]*SessionRecord, error)
	CleanupExpiredSessions(ctx context.Context, olderThan time.Time) (int, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error
	GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error)

	// Maintenance
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

// Config holds pool settings shared by adapters that dial out.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// missedBy reports whether a logged delta would be news to a client at
// `since`: true unless the delta's clock is dominated by or equal to it.
// Mirrors the in-memory log's filtering so a durable replay and a live
// replay return the same entries.
func missedBy(since, deltaClock clock.VectorClock) bool {
	return !deltaClock.HappensBefore(since) && !deltaClock.Equal(since)
}
