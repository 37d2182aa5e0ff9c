package awareness

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/metrics"
)

// LeaveFunc broadcasts a TTL-expiry leave for an entry to the document's
// local subscribers. Implementations must not publish to the cross-instance
// bus; peer instances run their own reapers.
type LeaveFunc func(entry Entry)

// Reaper periodically prunes expired awareness entries and announces their
// departure to local subscribers.
type Reaper struct {
	store    *Store
	interval time.Duration
	onLeave  LeaveFunc
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewReaper builds a Reaper. The interval should be on the order of the
// store's TTL.
func NewReaper(store *Store, interval time.Duration, onLeave LeaveFunc, m *metrics.Metrics, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultTTL
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Reaper{
		store:    store,
		interval: interval,
		onLeave:  onLeave,
		metrics:  m,
		logger:   logger.With().Str("component", "awareness-reaper").Logger(),
	}
}

// Run sweeps on every tick until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep prunes expired entries and announces each as a leave. Pruning first
// guarantees a refresh that races the sweep is never announced as departed.
// A panicking leave callback is trapped so one bad subscriber cannot stop
// the reaper.
func (r *Reaper) Sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("sweep recovered")
		}
	}()

	removed := r.store.PruneExpired()
	for _, entry := range removed {
		r.onLeave(entry)
	}

	if len(removed) > 0 {
		r.metrics.AwarenessReaped.Add(float64(len(removed)))
		r.logger.Debug().Int("reaped", len(removed)).Msg("expired awareness entries pruned")
	}
	r.metrics.AwarenessEntries.Set(float64(r.store.ActiveCount()))
}
