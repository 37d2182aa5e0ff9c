package document

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/clock"
)

// DefaultSnapshotThreshold is the delta-log length that triggers compaction
// when the deployment does not override it.
const DefaultSnapshotThreshold = 1000

// LoaderFunc hydrates a document from durable storage on first reference.
// Implementations handle their own errors and return found=false on any
// failure; the server is memory-authoritative either way.
type LoaderFunc func(documentID string) (cells map[string]FieldCell, vc clock.VectorClock, lastModified int64, found bool)

// SnapshotFunc receives the state snapshot taken when a document's delta log
// is compacted. Called outside the document lock; best effort.
type SnapshotFunc func(documentID string, cells map[string]FieldCell, vc clock.VectorClock)

// StoreOptions configures a Store.
type StoreOptions struct {
	Loader            LoaderFunc
	OnSnapshot        SnapshotFunc
	SnapshotThreshold int
	Logger            zerolog.Logger
}

// Store owns every resident Document. Documents are created on first
// reference and live until an explicit Delete. All methods are safe for
// concurrent use and take at most one document lock at a time.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Document

	loader     LoaderFunc
	onSnapshot SnapshotFunc
	threshold  int
	logger     zerolog.Logger
}

// NewStore builds a Store.
func NewStore(opts StoreOptions) *Store {
	threshold := opts.SnapshotThreshold
	if threshold < 2 {
		threshold = DefaultSnapshotThreshold
	}
	return &Store{
		docs:       make(map[string]*Document),
		loader:     opts.Loader,
		onSnapshot: opts.OnSnapshot,
		threshold:  threshold,
		logger:     opts.Logger.With().Str("component", "docstore").Logger(),
	}
}

// GetOrCreate returns the document, creating it if absent. The first
// reference hydrates from storage when a loader is configured; concurrent
// callers block until hydration finishes.
func (s *Store) GetOrCreate(documentID string) *Document {
	s.mu.RLock()
	doc, ok := s.docs[documentID]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		doc, ok = s.docs[documentID]
		if !ok {
			doc = New(documentID)
			s.docs[documentID] = doc
		}
		s.mu.Unlock()
	}

	if s.loader != nil {
		doc.hydrate.Do(func() {
			cells, vc, lastModified, found := s.loader(documentID)
			if !found {
				return
			}
			doc.seed(cells, vc, lastModified)
			s.logger.Debug().
				Str("documentId", documentID).
				Int("fields", len(cells)).
				Msg("document hydrated from storage")
		})
	}
	return doc
}

// ApplyDelta applies an inbound delta to the document, compacting the delta
// log when it outgrows the snapshot threshold.
func (s *Store) ApplyDelta(documentID, deltaID, clientID string, timestamp int64, fields map[string]interface{}, incoming clock.VectorClock) ApplyResult {
	doc := s.GetOrCreate(documentID)
	res := doc.ApplyDelta(deltaID, clientID, timestamp, fields, incoming, s.threshold)
	if res.Compacted {
		s.logger.Debug().
			Str("documentId", documentID).
			Int("retained", doc.LogLen()).
			Msg("delta log compacted")
		if s.onSnapshot != nil {
			s.onSnapshot(documentID, res.Cells, res.VectorClock)
		}
	}
	return res
}

// Snapshot returns the live state and clock of a document.
func (s *Store) Snapshot(documentID string) (map[string]interface{}, clock.VectorClock) {
	return s.GetOrCreate(documentID).Snapshot()
}

// MergeClock folds a client's clock into the document's clock.
func (s *Store) MergeClock(documentID string, other clock.VectorClock) clock.VectorClock {
	return s.GetOrCreate(documentID).MergeClock(other)
}

// DeltasSince returns the log entries a client with the given clock is
// missing, in append order.
func (s *Store) DeltasSince(documentID string, since clock.VectorClock) []StoredDelta {
	return s.GetOrCreate(documentID).DeltasSince(since)
}

// Subscribe adds a connection to the document's subscriber set and reports
// whether it was newly added.
func (s *Store) Subscribe(documentID, connectionID string) bool {
	return s.GetOrCreate(documentID).Subscribe(connectionID)
}

// Unsubscribe removes a connection from the document's subscriber set and
// reports whether it was present. It never creates the document.
func (s *Store) Unsubscribe(documentID, connectionID string) bool {
	if doc := s.lookup(documentID); doc != nil {
		return doc.Unsubscribe(connectionID)
	}
	return false
}

// UnsubscribeAll scrubs a connection from every resident document and
// returns the ids of the documents it was subscribed to.
func (s *Store) UnsubscribeAll(connectionID string) []string {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	var affected []string
	for _, doc := range docs {
		if doc.Unsubscribe(connectionID) {
			affected = append(affected, doc.ID)
		}
	}
	return affected
}

// Subscribers returns the subscriber connection ids of a document without
// creating it.
func (s *Store) Subscribers(documentID string) []string {
	if doc := s.lookup(documentID); doc != nil {
		return doc.Subscribers()
	}
	return nil
}

// Len reports how many documents are resident.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Delete drops a document from memory. Administrative surface; subscribers
// are not notified.
func (s *Store) Delete(documentID string) {
	s.mu.Lock()
	delete(s.docs, documentID)
	s.mu.Unlock()
}

func (s *Store) lookup(documentID string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[documentID]
}
