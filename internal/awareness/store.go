// Package awareness tracks ephemeral per-client presence state (cursors,
// selections) per document. Entries expire on a TTL and are never persisted.
package awareness

import (
	"sync"
	"time"
)

// DefaultTTL is how long an entry stays active without a refresh.
const DefaultTTL = 30 * time.Second

// Entry is one client's presence on one document. A nil State never occurs
// in the store; leaves remove the entry instead.
type Entry struct {
	DocumentID  string
	ClientID    string
	State       interface{}
	Clock       int64
	LastUpdated int64 // unix ms
	ExpiresAt   int64 // unix ms
}

// Store owns every awareness entry and the per-document awareness subscriber
// sets. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]map[string]*Entry   // documentId -> clientId -> entry
	subs    map[string]map[string]struct{} // documentId -> connectionIds
	now     func() time.Time
}

// NewStore builds a Store with the given TTL; zero or negative falls back to
// the default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		entries: make(map[string]map[string]*Entry),
		subs:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Set inserts or refreshes an entry. Updates are accepted only when their
// clock is strictly greater than the stored one, so stale or replayed
// updates never regress presence. A nil state is a leave: it removes the
// entry under the same clock gate. Returns whether the update took effect.
func (s *Store) Set(documentID, clientID string, state interface{}, clock int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.entries[documentID]
	existing := doc[clientID]
	if existing != nil && clock <= existing.Clock {
		return false
	}

	if state == nil {
		if existing == nil {
			return false
		}
		delete(doc, clientID)
		if len(doc) == 0 {
			delete(s.entries, documentID)
		}
		return true
	}

	nowMs := s.now().UnixMilli()
	entry := &Entry{
		DocumentID:  documentID,
		ClientID:    clientID,
		State:       state,
		Clock:       clock,
		LastUpdated: nowMs,
		ExpiresAt:   nowMs + s.ttl.Milliseconds(),
	}
	if doc == nil {
		doc = make(map[string]*Entry)
		s.entries[documentID] = doc
	}
	doc[clientID] = entry
	return true
}

// Get returns a client's entry. Expired entries read as absent.
func (s *Store) Get(documentID, clientID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[documentID][clientID]
	if entry == nil || entry.ExpiresAt <= s.now().UnixMilli() {
		return Entry{}, false
	}
	return *entry, true
}

// ListActive returns every unexpired entry for a document.
func (s *Store) ListActive(documentID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	var out []Entry
	for _, entry := range s.entries[documentID] {
		if entry.ExpiresAt > nowMs {
			out = append(out, *entry)
		}
	}
	return out
}

// ListExpired returns every entry whose TTL has lapsed, across documents.
func (s *Store) ListExpired() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	var out []Entry
	for _, doc := range s.entries {
		for _, entry := range doc {
			if entry.ExpiresAt <= nowMs {
				out = append(out, *entry)
			}
		}
	}
	return out
}

// PruneExpired removes every expired entry and returns what was removed.
func (s *Store) PruneExpired() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	var removed []Entry
	for docID, doc := range s.entries {
		for clientID, entry := range doc {
			if entry.ExpiresAt <= nowMs {
				removed = append(removed, *entry)
				delete(doc, clientID)
			}
		}
		if len(doc) == 0 {
			delete(s.entries, docID)
		}
	}
	return removed
}

// Remove deletes one client's entry from one document and returns it.
func (s *Store) Remove(documentID, clientID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.entries[documentID]
	entry := doc[clientID]
	if entry == nil {
		return Entry{}, false
	}
	delete(doc, clientID)
	if len(doc) == 0 {
		delete(s.entries, documentID)
	}
	return *entry, true
}

// RemoveClient deletes a client's entries from every document and returns
// them.
func (s *Store) RemoveClient(clientID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Entry
	for docID, doc := range s.entries {
		if entry := doc[clientID]; entry != nil {
			removed = append(removed, *entry)
			delete(doc, clientID)
			if len(doc) == 0 {
				delete(s.entries, docID)
			}
		}
	}
	return removed
}

// ActiveCount reports the number of unexpired entries across documents.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	count := 0
	for _, doc := range s.entries {
		for _, entry := range doc {
			if entry.ExpiresAt > nowMs {
				count++
			}
		}
	}
	return count
}

// Subscribe adds a connection to a document's awareness subscriber set and
// reports whether it was newly added.
func (s *Store) Subscribe(documentID, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.subs[documentID]
	if set == nil {
		set = make(map[string]struct{})
		s.subs[documentID] = set
	}
	_, ok := set[connectionID]
	set[connectionID] = struct{}{}
	return !ok
}

// Unsubscribe removes a connection from a document's awareness subscribers
// and reports whether it was present.
func (s *Store) Unsubscribe(documentID, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.subs[documentID]
	_, ok := set[connectionID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(s.subs, documentID)
	}
	return ok
}

// IsSubscribed reports whether a connection subscribes to a document's
// awareness updates.
func (s *Store) IsSubscribed(documentID, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[documentID][connectionID]
	return ok
}

// Subscribers returns the awareness subscriber connection ids of a document.
func (s *Store) Subscribers(documentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.subs[documentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RemoveConnection scrubs a connection from every awareness subscriber set
// and returns the document ids it was subscribed to.
func (s *Store) RemoveConnection(connectionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for docID, set := range s.subs {
		if _, ok := set[connectionID]; ok {
			affected = append(affected, docID)
			delete(set, connectionID)
			if len(set) == 0 {
				delete(s.subs, docID)
			}
		}
	}
	return affected
}
