// Package document holds the authoritative in-memory state of every
// synchronized document and resolves concurrent field writes with
// last-writer-wins.
package document

import (
	"sort"
	"sync"

	"github.com/synckit-dev/syncserver/internal/clock"
)

// Tombstone is the sentinel value that encodes a field delete inside deltas
// and the delta log.
const Tombstone = "__synckit_tombstone__"

// IsTombstone reports whether a delta value encodes a delete.
func IsTombstone(v interface{}) bool {
	s, ok := v.(string)
	return ok && s == Tombstone
}

// FieldCell is the authoritative value of one field path together with the
// write metadata last-writer-wins compares. Deleted cells stay in the cell
// map so stale writes cannot resurrect a removed field; they are filtered
// out of the projected state.
type FieldCell struct {
	Value     interface{} `json:"value"`
	ClientID  string      `json:"clientId"`
	Clock     int64       `json:"clock"`
	Timestamp int64       `json:"timestamp"`
	Deleted   bool        `json:"deleted,omitempty"`
}

// tripleWins reports whether an incoming write strictly dominates the
// existing cell. Wall timestamp decides first; the client id breaks
// cross-writer timestamp ties so the outcome is identical on every replica;
// the per-writer clock orders a single writer's same-timestamp writes.
func tripleWins(timestamp, clockValue int64, clientID string, existing FieldCell) bool {
	if timestamp != existing.Timestamp {
		return timestamp > existing.Timestamp
	}
	if clientID != existing.ClientID {
		return clientID > existing.ClientID
	}
	return clockValue > existing.Clock
}

// StoredDelta is one applied write as recorded in the delta log and handed
// to the storage adapter. Deleted fields carry the tombstone sentinel.
type StoredDelta struct {
	ID          string                 `json:"id"`
	DocumentID  string                 `json:"documentId"`
	ClientID    string                 `json:"clientId"`
	Timestamp   int64                  `json:"timestamp"`
	Fields      map[string]interface{} `json:"fields"`
	VectorClock clock.VectorClock      `json:"vectorClock"`
}

// WriteResult reports what last-writer-wins decided for one field.
type WriteResult struct {
	Field    string
	Accepted bool
	Cell     FieldCell // authoritative cell after the write
}

// ApplyResult is the outcome of applying one inbound delta.
type ApplyResult struct {
	Results     []WriteResult
	Delta       StoredDelta            // entry appended to the delta log
	VectorClock clock.VectorClock      // post-apply clock snapshot
	Cells       map[string]FieldCell   // post-apply cell snapshot
	State       map[string]interface{} // post-apply live values
	Compacted   bool                   // delta log was trimmed by this apply
}

// Document is one synchronized document. All exported methods are safe for
// concurrent use; each takes the document's own lock and never another
// document's.
type Document struct {
	ID string

	mu           sync.Mutex
	cells        map[string]FieldCell
	vclock       clock.VectorClock
	deltaLog     []StoredDelta
	subscribers  map[string]struct{}
	lastModified int64

	hydrate sync.Once
}

// New builds an empty document.
func New(id string) *Document {
	return &Document{
		ID:          id,
		cells:       make(map[string]FieldCell),
		vclock:      clock.New(),
		subscribers: make(map[string]struct{}),
	}
}

// seed installs hydrated state. Only called through the hydrate Once, before
// the document is visible to writers.
func (d *Document) seed(cells map[string]FieldCell, vc clock.VectorClock, lastModified int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for field, cell := range cells {
		d.cells[field] = cell
	}
	d.vclock.Merge(vc)
	if lastModified > d.lastModified {
		d.lastModified = lastModified
	}
}

// ApplyDelta merges the sender's vector clock, runs last-writer-wins over
// every field of the delta, and appends the delta to the log. The merge
// precedes the per-field clock ticks so the recorded log entry carries a
// clock that dominates the sender's view. Fields are applied in sorted order
// so replicas assign identical per-field clock values when replaying the
// same delta. logLimit <= 0 disables trimming.
func (d *Document) ApplyDelta(deltaID, clientID string, timestamp int64, fields map[string]interface{}, incoming clock.VectorClock, logLimit int) ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vclock.Merge(incoming)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]WriteResult, 0, len(names))
	accepted := false
	for _, name := range names {
		res := d.applyField(name, fields[name], clientID, timestamp)
		if res.Accepted {
			accepted = true
		}
		results = append(results, res)
	}

	if accepted && timestamp > d.lastModified {
		d.lastModified = timestamp
	}

	entry := StoredDelta{
		ID:          deltaID,
		DocumentID:  d.ID,
		ClientID:    clientID,
		Timestamp:   timestamp,
		Fields:      copyFields(fields),
		VectorClock: d.vclock.Clone(),
	}
	d.deltaLog = append(d.deltaLog, entry)

	compacted := false
	if logLimit > 1 && len(d.deltaLog) > logLimit {
		// Drop the oldest half. Late subscribers beyond the retained window
		// converge through the full state carried on every sync_response.
		keep := len(d.deltaLog) - len(d.deltaLog)/2
		trimmed := make([]StoredDelta, keep)
		copy(trimmed, d.deltaLog[len(d.deltaLog)-keep:])
		d.deltaLog = trimmed
		compacted = true
	}

	return ApplyResult{
		Results:     results,
		Delta:       entry,
		VectorClock: d.vclock.Clone(),
		Cells:       d.cellsLocked(),
		State:       d.stateLocked(),
		Compacted:   compacted,
	}
}

// applyField implements the per-field LWW step. The caller holds d.mu.
func (d *Document) applyField(field string, value interface{}, clientID string, timestamp int64) WriteResult {
	newClock := d.vclock.Increment(clientID)

	incoming := FieldCell{
		Value:     value,
		ClientID:  clientID,
		Clock:     newClock,
		Timestamp: timestamp,
	}
	if IsTombstone(value) {
		incoming.Value = nil
		incoming.Deleted = true
	}

	existing, ok := d.cells[field]
	if ok && !tripleWins(timestamp, newClock, clientID, existing) {
		return WriteResult{Field: field, Accepted: false, Cell: existing}
	}

	d.cells[field] = incoming
	return WriteResult{Field: field, Accepted: true, Cell: incoming}
}

// MergeClock folds another clock into the document's clock.
func (d *Document) MergeClock(other clock.VectorClock) clock.VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vclock.Merge(other)
	return d.vclock.Clone()
}

// Snapshot returns the live field values and a clock copy.
func (d *Document) Snapshot() (map[string]interface{}, clock.VectorClock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked(), d.vclock.Clone()
}

// CellSnapshot returns a copy of the full cell map, deleted cells included.
func (d *Document) CellSnapshot() map[string]FieldCell {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cellsLocked()
}

// DeltasSince returns every log entry not already covered by the given
// clock: entries strictly after it plus entries concurrent with it, in
// append order.
func (d *Document) DeltasSince(since clock.VectorClock) []StoredDelta {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []StoredDelta
	for _, entry := range d.deltaLog {
		if entry.VectorClock.HappensBefore(since) || entry.VectorClock.Equal(since) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// LogLen reports the delta log length.
func (d *Document) LogLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deltaLog)
}

// Subscribe records a connection as a subscriber and reports whether it was
// newly added. The result drives bus reference counting, so callers must not
// discard it when a subscription side effect hangs off it.
func (d *Document) Subscribe(connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribers[connectionID]
	d.subscribers[connectionID] = struct{}{}
	return !ok
}

// Unsubscribe removes a connection from the subscriber set and reports
// whether it was present.
func (d *Document) Unsubscribe(connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribers[connectionID]
	delete(d.subscribers, connectionID)
	return ok
}

// Subscribers returns the current subscriber connection ids.
func (d *Document) Subscribers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		out = append(out, id)
	}
	return out
}

// SubscriberCount reports how many connections subscribe to this document.
func (d *Document) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// LastModified returns the wall-clock time of the last accepted write.
func (d *Document) LastModified() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastModified
}

func (d *Document) stateLocked() map[string]interface{} {
	state := make(map[string]interface{}, len(d.cells))
	for field, cell := range d.cells {
		if cell.Deleted {
			continue
		}
		state[field] = cell.Value
	}
	return state
}

func (d *Document) cellsLocked() map[string]FieldCell {
	cells := make(map[string]FieldCell, len(d.cells))
	for field, cell := range d.cells {
		cells[field] = cell
	}
	return cells
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
