package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/document"
)

// schema is applied on Connect so a fresh database works out of the box.
// Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	cells      JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS vector_clocks (
	document_id TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	clock_value BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (document_id, client_id)
);

CREATE TABLE IF NOT EXISTS deltas (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	ts           BIGINT NOT NULL,
	fields       JSONB NOT NULL,
	vector_clock JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS deltas_document_seq ON deltas (document_id, seq);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	client_id    TEXT,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	metadata     JSONB
);
CREATE INDEX IF NOT EXISTS sessions_user ON sessions (user_id);

CREATE TABLE IF NOT EXISTS snapshots (
	id           BIGSERIAL PRIMARY KEY,
	document_id  TEXT NOT NULL,
	cells        JSONB NOT NULL,
	vector_clock JSONB NOT NULL,
	size_bytes   INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS snapshots_document_created ON snapshots (document_id, created_at DESC);
`

// deltaFetchLimit bounds how many trail rows a single GetDeltasSince scans.
// The in-memory log compacts around the same order of magnitude, so anything
// older is served as full state, not as a replay.
const deltaFetchLimit = 2048

// PostgresAdapter implements StorageAdapter on a pgx connection pool.
type PostgresAdapter struct {
	config    *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresAdapter builds an adapter; Connect must be called before use.
func NewPostgresAdapter(config *Config) *PostgresAdapter {
	if config == nil {
		config = DefaultConfig()
	}
	return &PostgresAdapter{config: config}
}

// Connect opens the pool, verifies connectivity and applies the schema.
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return NewQueryError("failed to apply schema", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the pool.
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck pings the database.
func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// GetDocument loads a document's cells and clock. Returns (nil, nil) when
// the document was never saved.
func (p *PostgresAdapter) GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	row := p.pool.QueryRow(ctx,
		`SELECT id, cells, created_at, updated_at FROM documents WHERE id = $1`, documentID)

	var rec DocumentRecord
	var cellsJSON []byte
	if err := row.Scan(&rec.ID, &cellsJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}
	if err := json.Unmarshal(cellsJSON, &rec.Cells); err != nil {
		return nil, NewQueryError("failed to unmarshal cells", err)
	}

	vc, err := p.GetVectorClock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	rec.VectorClock = vc
	return &rec, nil
}

// SaveDocument upserts a document's full cell map.
func (p *PostgresAdapter) SaveDocument(ctx context.Context, documentID string, cells map[string]document.FieldCell) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	cellsJSON, err := json.Marshal(cells)
	if err != nil {
		return NewQueryError("failed to marshal cells", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (id, cells)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET cells = $2, updated_at = NOW()
	`, documentID, cellsJSON)
	if err != nil {
		return NewQueryError("failed to save document", err)
	}
	return nil
}

// DeleteDocument removes a document and its clock and trail rows.
func (p *PostgresAdapter) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return false, NewQueryError("failed to delete document", err)
	}
	for _, q := range []string{
		`DELETE FROM vector_clocks WHERE document_id = $1`,
		`DELETE FROM deltas WHERE document_id = $1`,
		`DELETE FROM snapshots WHERE document_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, documentID); err != nil {
			return false, NewQueryError("failed to delete document rows", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, NewQueryError("failed to commit delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetVectorClock loads a document's clock. Missing documents yield an empty
// clock, never an error.
func (p *PostgresAdapter) GetVectorClock(ctx context.Context, documentID string) (clock.VectorClock, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx,
		`SELECT client_id, clock_value FROM vector_clocks WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, NewQueryError("failed to get vector clock", err)
	}
	defer rows.Close()

	vc := clock.New()
	for rows.Next() {
		var clientID string
		var value int64
		if err := rows.Scan(&clientID, &value); err != nil {
			return nil, NewQueryError("failed to scan vector clock", err)
		}
		vc[clientID] = value
	}
	return vc, nil
}

// UpdateVectorClock upserts one clock entry. Values only move forward.
func (p *PostgresAdapter) UpdateVectorClock(ctx context.Context, documentID, clientID string, value int64) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO vector_clocks (document_id, client_id, clock_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, client_id)
		DO UPDATE SET
			clock_value = GREATEST(vector_clocks.clock_value, $3),
			updated_at = NOW()
	`, documentID, clientID, value)
	if err != nil {
		return NewQueryError("failed to update vector clock", err)
	}
	return nil
}

// MergeVectorClock folds a whole clock into the stored one, entrywise max,
// atomically.
func (p *PostgresAdapter) MergeVectorClock(ctx context.Context, documentID string, vc clock.VectorClock) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO vector_clocks (document_id, client_id, clock_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, client_id)
		DO UPDATE SET
			clock_value = GREATEST(vector_clocks.clock_value, $3),
			updated_at = NOW()
	`
	for clientID, value := range vc {
		if _, err := tx.Exec(ctx, q, documentID, clientID, value); err != nil {
			return NewQueryError("failed to merge vector clock entry", err)
		}
	}
	return tx.Commit(ctx)
}

// SaveDelta appends one applied delta to the durable trail.
func (p *PostgresAdapter) SaveDelta(ctx context.Context, delta *document.StoredDelta) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	fieldsJSON, err := json.Marshal(delta.Fields)
	if err != nil {
		return NewQueryError("failed to marshal delta fields", err)
	}
	clockJSON, err := json.Marshal(delta.VectorClock)
	if err != nil {
		return NewQueryError("failed to marshal delta clock", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO deltas (id, document_id, client_id, ts, fields, vector_clock)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, delta.ID, delta.DocumentID, delta.ClientID, delta.Timestamp, fieldsJSON, clockJSON)
	if err != nil {
		return NewQueryError("failed to save delta", err)
	}
	return nil
}

// GetDeltasSince returns trail entries the given clock has not seen, oldest
// first. Only the most recent deltaFetchLimit rows are considered; clients
// further behind resync from full state.
func (p *PostgresAdapter) GetDeltasSince(ctx context.Context, documentID string, since clock.VectorClock) ([]*document.StoredDelta, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, client_id, ts, fields, vector_clock
		FROM (
			SELECT seq, id, document_id, client_id, ts, fields, vector_clock
			FROM deltas
			WHERE document_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, documentID, deltaFetchLimit)
	if err != nil {
		return nil, NewQueryError("failed to get deltas", err)
	}
	defer rows.Close()

	var out []*document.StoredDelta
	for rows.Next() {
		var d document.StoredDelta
		var fieldsJSON, clockJSON []byte
		if err := rows.Scan(&d.ID, &d.DocumentID, &d.ClientID, &d.Timestamp, &fieldsJSON, &clockJSON); err != nil {
			return nil, NewQueryError("failed to scan delta", err)
		}
		if err := json.Unmarshal(fieldsJSON, &d.Fields); err != nil {
			return nil, NewQueryError("failed to unmarshal delta fields", err)
		}
		if err := json.Unmarshal(clockJSON, &d.VectorClock); err != nil {
			return nil, NewQueryError("failed to unmarshal delta clock", err)
		}
		if missedBy(since, d.VectorClock) {
			out = append(out, &d)
		}
	}
	return out, nil
}

// SaveSession upserts a session row.
func (p *PostgresAdapter) SaveSession(ctx context.Context, session *SessionRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return NewQueryError("failed to marshal session metadata", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, client_id, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET user_id = $2, client_id = $3, metadata = $4, last_seen = NOW()
		RETURNING connected_at, last_seen
	`, session.ID, session.UserID, session.ClientID, metadataJSON)

	if err := row.Scan(&session.ConnectedAt, &session.LastSeen); err != nil {
		return NewQueryError("failed to save session", err)
	}
	return nil
}

// TouchSession advances a session's last-seen time.
func (p *PostgresAdapter) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_seen = $2 WHERE id = $1`, sessionID, lastSeen)
	if err != nil {
		return NewQueryError("failed to touch session", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (p *PostgresAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return false, NewQueryError("failed to delete session", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SessionsForUser lists a user's sessions, most recently seen first.
func (p *PostgresAdapter) SessionsForUser(ctx context.Context, userID string) ([]*SessionRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, client_id, connected_at, last_seen, metadata
		FROM sessions
		WHERE user_id = $1
		ORDER BY last_seen DESC
	`, userID)
	if err != nil {
		return nil, NewQueryError("failed to get sessions", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var s SessionRecord
		var metadataJSON []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.ClientID, &s.ConnectedAt, &s.LastSeen, &metadataJSON); err != nil {
			return nil, NewQueryError("failed to scan session", err)
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
				return nil, NewQueryError("failed to unmarshal session metadata", err)
			}
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// CleanupExpiredSessions deletes sessions last seen before the cutoff.
func (p *PostgresAdapter) CleanupExpiredSessions(ctx context.Context, olderThan time.Time) (int, error) {
	if !p.IsConnected() {
		return 0, ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE last_seen < $1`, olderThan)
	if err != nil {
		return 0, NewQueryError("failed to cleanup sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveSnapshot stores a compaction snapshot.
func (p *PostgresAdapter) SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	cellsJSON, err := json.Marshal(snap.Cells)
	if err != nil {
		return NewQueryError("failed to marshal snapshot cells", err)
	}
	clockJSON, err := json.Marshal(snap.VectorClock)
	if err != nil {
		return NewQueryError("failed to marshal snapshot clock", err)
	}
	if snap.SizeBytes == 0 {
		snap.SizeBytes = len(cellsJSON)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO snapshots (document_id, cells, vector_clock, size_bytes)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, snap.DocumentID, cellsJSON, clockJSON, snap.SizeBytes)

	if err := row.Scan(&snap.ID, &snap.CreatedAt); err != nil {
		return NewQueryError("failed to save snapshot", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recent snapshot of a document, or
// (nil, nil) when none exists.
func (p *PostgresAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	row := p.pool.QueryRow(ctx, `
		SELECT id, document_id, cells, vector_clock, size_bytes, created_at
		FROM snapshots
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, documentID)

	var snap SnapshotRecord
	var cellsJSON, clockJSON []byte
	err := row.Scan(&snap.ID, &snap.DocumentID, &cellsJSON, &clockJSON, &snap.SizeBytes, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to get snapshot", err)
	}
	if err := json.Unmarshal(cellsJSON, &snap.Cells); err != nil {
		return nil, NewQueryError("failed to unmarshal snapshot cells", err)
	}
	if err := json.Unmarshal(clockJSON, &snap.VectorClock); err != nil {
		return nil, NewQueryError("failed to unmarshal snapshot clock", err)
	}
	return &snap, nil
}

// Cleanup removes idle sessions, old trail rows and surplus snapshots.
func (p *PostgresAdapter) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if !p.IsConnected() {
		return CleanupResult{}, ErrNotConnected
	}

	var result CleanupResult

	if opts.SessionIdleFor > 0 {
		n, err := p.CleanupExpiredSessions(ctx, time.Now().Add(-opts.SessionIdleFor))
		if err != nil {
			return result, err
		}
		result.SessionsDeleted = n
	}

	if opts.DeltaRetention > 0 {
		cutoff := time.Now().Add(-opts.DeltaRetention)
		tag, err := p.pool.Exec(ctx, `DELETE FROM deltas WHERE created_at < $1`, cutoff)
		if err != nil {
			return result, NewQueryError("failed to cleanup deltas", err)
		}
		result.DeltasDeleted = int(tag.RowsAffected())
	}

	if opts.SnapshotsPerDocument > 0 {
		tag, err := p.pool.Exec(ctx, `
			DELETE FROM snapshots
			WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY document_id ORDER BY created_at DESC, id DESC) AS rn
					FROM snapshots
				) ranked
				WHERE rn > $1
			)
		`, opts.SnapshotsPerDocument)
		if err != nil {
			return result, NewQueryError("failed to cleanup snapshots", err)
		}
		result.SnapshotsDeleted = int(tag.RowsAffected())
	}

	return result, nil
}
