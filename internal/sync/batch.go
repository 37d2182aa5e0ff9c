package sync

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/document"
	"github.com/synckit-dev/syncserver/internal/protocol"
	"github.com/synckit-dev/syncserver/internal/pubsub"
)

// protocolDelta builds the fan-out message for one coalesced field write.
func protocolDelta(documentID, field string, entry batchEntry, vc clock.VectorClock) *protocol.Message {
	fields := map[string]interface{}{field: entry.value}
	return protocol.NewDelta(documentID, fields, vc, entry.clientID, entry.timestamp)
}

// batchEntry is the coalesced authoritative write for one field. Later writes
// within the window overwrite earlier ones, so the flushed value is always
// the current cell. connectionID names the writer to exclude from fan-out; it
// is empty when the latest write lost last-writer-wins, which re-broadcasts
// the winning value to everyone, the stale writer included.
type batchEntry struct {
	value        interface{}
	clientID     string
	timestamp    int64
	connectionID string
}

// pendingBatch accumulates one document's writes for the current window.
type pendingBatch struct {
	fields map[string]batchEntry
	vclock clock.VectorClock
	timer  *time.Timer
}

// enqueueBatch folds an apply result into the document's pending batch,
// opening a window if none is running.
func (c *Coordinator) enqueueBatch(documentID, connectionID string, res document.ApplyResult) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	b := c.batches[documentID]
	if b == nil {
		b = &pendingBatch{fields: make(map[string]batchEntry)}
		b.timer = time.AfterFunc(c.batchWindow, func() { c.flushDocument(documentID) })
		c.batches[documentID] = b
	}

	for _, wr := range res.Results {
		entry := batchEntry{
			value:     wr.Cell.Value,
			clientID:  wr.Cell.ClientID,
			timestamp: wr.Cell.Timestamp,
		}
		if wr.Cell.Deleted {
			entry.value = document.Tombstone
		}
		if wr.Accepted {
			entry.connectionID = connectionID
		}
		b.fields[wr.Field] = entry
	}
	b.vclock = res.VectorClock
}

// flushDocument closes a document's window: one delta message per coalesced
// field to every local subscriber except that field's writer, and a single
// bus publish carrying all of them for peer instances. It runs on the window
// timer, so a panic here must not take the process down.
func (c *Coordinator) flushDocument(documentID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("documentId", documentID).Msg("batch flush recovered")
		}
	}()

	c.batchMu.Lock()
	b := c.batches[documentID]
	delete(c.batches, documentID)
	c.batchMu.Unlock()
	if b == nil {
		return
	}
	b.timer.Stop()

	subscribers := c.docs.Subscribers(documentID)
	writes := make([]pubsub.FieldWrite, 0, len(b.fields))
	for field, entry := range b.fields {
		msg := protocolDelta(documentID, field, entry, b.vclock)
		for _, connectionID := range subscribers {
			if connectionID == entry.connectionID {
				continue
			}
			c.acks.track(connectionID, msg, documentID)
		}
		writes = append(writes, pubsub.FieldWrite{
			Field:     field,
			Value:     entry.value,
			ClientID:  entry.clientID,
			Timestamp: entry.timestamp,
		})
	}

	env := &pubsub.Envelope{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Origin:      c.origin,
		Writes:      writes,
		VectorClock: b.vclock,
	}
	if err := c.bus.PublishDelta(c.ctx, env); err != nil && !errors.Is(err, pubsub.ErrBusClosed) {
		c.logger.Warn().Err(err).Str("documentId", documentID).Msg("delta publish failed")
	}

	c.metrics.BatchFlushes.Inc()
	c.logger.Debug().
		Str("documentId", documentID).
		Int("fields", len(writes)).
		Int("subscribers", len(subscribers)).
		Msg("batch flushed")
}

// flushAll closes every open window, used at shutdown so coalesced writes are
// not lost with the process.
func (c *Coordinator) flushAll() {
	c.batchMu.Lock()
	ids := make([]string, 0, len(c.batches))
	for id := range c.batches {
		ids = append(ids, id)
	}
	c.batchMu.Unlock()

	for _, id := range ids {
		c.flushDocument(id)
	}
}

// pendingBatches reports how many documents have an open window.
func (c *Coordinator) pendingBatches() int {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	return len(c.batches)
}
