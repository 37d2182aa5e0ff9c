package sync

import (
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/protocol"
)

// ackKey identifies one pending delivery. Acknowledgements match on
// connection and message id together, so an ack arriving on the wrong
// connection never resolves another connection's slot.
type ackKey struct {
	connectionID string
	messageID    string
}

// ackSlot is one fanned-out message awaiting acknowledgement.
type ackSlot struct {
	documentID string
	msg        *protocol.Message
	attempts   int
	timer      *time.Timer
}

// ackTable tracks pending deliveries and redelivers them on timeout. The
// initial send counts as the first attempt; after maxAttempts deliveries go
// unacknowledged the slot is dropped.
type ackTable struct {
	mu    stdsync.Mutex
	slots map[ackKey]*ackSlot

	timeout     time.Duration
	maxAttempts int
	send        func(connectionID string, msg *protocol.Message) error
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func newAckTable(timeout time.Duration, maxAttempts int, send func(string, *protocol.Message) error, m *metrics.Metrics, logger zerolog.Logger) *ackTable {
	return &ackTable{
		slots:       make(map[ackKey]*ackSlot),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		send:        send,
		metrics:     m,
		logger:      logger,
	}
}

// track registers a slot and performs the first delivery. A failed send means
// the connection is already gone, so the slot is dropped on the spot instead
// of burning retries on it.
func (t *ackTable) track(connectionID string, msg *protocol.Message, documentID string) {
	key := ackKey{connectionID: connectionID, messageID: msg.ID}
	slot := &ackSlot{documentID: documentID, msg: msg, attempts: 1}

	t.mu.Lock()
	if _, exists := t.slots[key]; exists {
		t.mu.Unlock()
		return
	}
	t.slots[key] = slot
	slot.timer = time.AfterFunc(t.timeout, func() { t.redeliver(key) })
	t.mu.Unlock()

	t.metrics.AcksPending.Inc()

	if err := t.send(connectionID, msg); err != nil {
		t.drop(key)
		t.logger.Debug().
			Err(err).
			Str("connectionId", connectionID).
			Str("messageId", msg.ID).
			Msg("delivery target gone, slot dropped")
	}
}

// redeliver fires on ack timeout: resend and re-arm, or give up once the
// attempt budget is spent. It runs on a timer goroutine, so a panic here must
// not take the process down.
func (t *ackTable) redeliver(key ackKey) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("messageId", key.messageID).Msg("redelivery recovered")
		}
	}()

	t.mu.Lock()
	slot, ok := t.slots[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if slot.attempts >= t.maxAttempts {
		delete(t.slots, key)
		t.mu.Unlock()
		t.metrics.AcksPending.Dec()
		t.logger.Warn().
			Str("connectionId", key.connectionID).
			Str("messageId", key.messageID).
			Str("documentId", slot.documentID).
			Int("attempts", slot.attempts).
			Msg("delivery unacknowledged, giving up")
		return
	}
	slot.attempts++
	slot.timer = time.AfterFunc(t.timeout, func() { t.redeliver(key) })
	msg := slot.msg
	t.mu.Unlock()

	t.metrics.AckRetries.Inc()
	if err := t.send(key.connectionID, msg); err != nil {
		t.drop(key)
	}
}

// resolve clears the slot for an acknowledged message. Unknown slots report
// false and are otherwise ignored.
func (t *ackTable) resolve(connectionID, messageID string) bool {
	return t.drop(ackKey{connectionID: connectionID, messageID: messageID})
}

// drop removes a slot and stops its timer.
func (t *ackTable) drop(key ackKey) bool {
	t.mu.Lock()
	slot, ok := t.slots[key]
	if ok {
		delete(t.slots, key)
		slot.timer.Stop()
	}
	t.mu.Unlock()

	if ok {
		t.metrics.AcksPending.Dec()
	}
	return ok
}

// cancelConnection drops every slot addressed to a connection, called on
// teardown so no timer fires for a socket that no longer exists.
func (t *ackTable) cancelConnection(connectionID string) int {
	t.mu.Lock()
	dropped := 0
	for key, slot := range t.slots {
		if key.connectionID == connectionID {
			slot.timer.Stop()
			delete(t.slots, key)
			dropped++
		}
	}
	t.mu.Unlock()

	if dropped > 0 {
		t.metrics.AcksPending.Sub(float64(dropped))
	}
	return dropped
}

// stop cancels every timer and empties the table.
func (t *ackTable) stop() {
	t.mu.Lock()
	dropped := len(t.slots)
	for key, slot := range t.slots {
		slot.timer.Stop()
		delete(t.slots, key)
	}
	t.mu.Unlock()

	if dropped > 0 {
		t.metrics.AcksPending.Sub(float64(dropped))
	}
}

// pending reports how many deliveries await acknowledgement.
func (t *ackTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
