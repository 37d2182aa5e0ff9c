// Package security holds the edge limits: document id validation and the
// per-IP throttle applied before the WebSocket upgrade.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxDocumentIDLength bounds document ids; longer ids are refused before they
// reach storage keys and bus channel names.
const MaxDocumentIDLength = 256

// ErrInvalidDocumentID reports a document id failing validation.
var ErrInvalidDocumentID = errors.New("invalid document id")

var documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidateDocumentID checks a document id against the allowed charset and
// length. Ids flow into storage keys and bus channel names, so the charset
// excludes separators those namespaces reserve.
func ValidateDocumentID(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(documentID) > MaxDocumentIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDocumentID, MaxDocumentIDLength)
	}
	if !documentIDPattern.MatchString(documentID) {
		return fmt.Errorf("%w: characters outside [a-zA-Z0-9_:-]", ErrInvalidDocumentID)
	}
	return nil
}

const (
	throttleEvictAfter    = 10 * time.Minute
	throttleEvictInterval = time.Minute
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPThrottle applies a per-IP token bucket to connection attempts. Buckets
// idle past the eviction window are dropped, so the map stays bounded by
// recently active clients rather than every address ever seen.
type IPThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewIPThrottle builds a throttle allowing perSecond sustained attempts per
// IP with the given burst, and starts its eviction loop.
func NewIPThrottle(perSecond float64, burst int) *IPThrottle {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	t := &IPThrottle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*ipBucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go t.evictLoop()
	return t
}

// Allow reports whether ip may attempt a connection now, consuming a token
// when it may.
func (t *IPThrottle) Allow(ip string) bool {
	t.mu.Lock()
	b := t.buckets[ip]
	if b == nil {
		b = &ipBucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = t.now()
	t.mu.Unlock()

	return b.limiter.Allow()
}

// Tracked reports how many IPs currently hold a bucket.
func (t *IPThrottle) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Stop ends the eviction loop. Safe to call twice.
func (t *IPThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *IPThrottle) evictLoop() {
	ticker := time.NewTicker(throttleEvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.evict()
		case <-t.stop:
			return
		}
	}
}

func (t *IPThrottle) evict() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-throttleEvictAfter)
	for ip, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, ip)
		}
	}
}
