package pubsub

import (
	"sync"
	"time"
)

// publishedTTL bounds how long a published message id is held for loopback
// suppression. Anything older than this has long since round-tripped.
const publishedTTL = 5 * time.Minute

// publishedSet remembers the envelope ids this instance published so the
// receive path can drop its own messages when the bus loops them back.
// Entries expire by age; a sweep piggybacks on remember at most once per
// half TTL so no janitor goroutine is needed.
type publishedSet struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	ttl     time.Duration
	sweepAt time.Time
	now     func() time.Time
}

func newPublishedSet(ttl time.Duration) *publishedSet {
	if ttl <= 0 {
		ttl = publishedTTL
	}
	now := time.Now
	return &publishedSet{
		ids:     make(map[string]time.Time),
		ttl:     ttl,
		sweepAt: now().Add(ttl / 2),
		now:     now,
	}
}

// remember records an outbound envelope id before the publish, so the
// suppression window covers even an instant loopback.
func (p *publishedSet) remember(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.ids[id] = now.Add(p.ttl)
	if now.After(p.sweepAt) {
		p.sweepLocked(now)
	}
}

// consume reports whether the id was published by this instance and forgets
// it, so at most one inbound copy is suppressed per publish.
func (p *publishedSet) consume(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	expiry, ok := p.ids[id]
	if !ok {
		return false
	}
	delete(p.ids, id)
	return p.now().Before(expiry)
}

func (p *publishedSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

func (p *publishedSet) sweepLocked(now time.Time) {
	for id, expiry := range p.ids {
		if now.After(expiry) {
			delete(p.ids, id)
		}
	}
	p.sweepAt = now.Add(p.ttl / 2)
}
