// Package sync orchestrates the delta pipeline between connections,
// documents, storage and the cross-instance bus: last-writer-wins
// application, windowed fan-out batching, acknowledgement tracking with
// redelivery, awareness propagation, and replay of envelopes arriving from
// peer instances.
package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/awareness"
	"github.com/synckit-dev/syncserver/internal/clock"
	"github.com/synckit-dev/syncserver/internal/document"
	"github.com/synckit-dev/syncserver/internal/metrics"
	"github.com/synckit-dev/syncserver/internal/protocol"
	"github.com/synckit-dev/syncserver/internal/pubsub"
	"github.com/synckit-dev/syncserver/internal/storage"
)

// Sender delivers an outbound message to one connection's write queue. The
// connection registry implements it; tests substitute a recorder. Send must
// not block on the remote peer.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
}

const (
	defaultBatchWindow  = 50 * time.Millisecond
	defaultAckTimeout   = 5 * time.Second
	defaultAckAttempts  = 3
	defaultPersistQueue = 1024

	// persistOpTimeout bounds each write-behind storage call so a stalled
	// backend cannot wedge the worker.
	persistOpTimeout = 5 * time.Second
)

// Options tune the coordinator. Zero values fall back to the defaults above.
type Options struct {
	// Origin stamps outbound bus envelopes with this instance's identity.
	Origin string
	// BatchWindow is how long per-document writes coalesce before fan-out.
	BatchWindow time.Duration
	// AckTimeout and MaxAckAttempts govern redelivery of unacknowledged
	// fan-out messages.
	AckTimeout     time.Duration
	MaxAckAttempts int
	// PersistQueue bounds the write-behind queue; overflow drops writes.
	PersistQueue int
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = defaultBatchWindow
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.MaxAckAttempts < 1 {
		o.MaxAckAttempts = defaultAckAttempts
	}
	if o.PersistQueue < 1 {
		o.PersistQueue = defaultPersistQueue
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	return o
}

// persistJob is one write handed to the write-behind worker.
type persistJob struct {
	delta document.StoredDelta
	cells map[string]document.FieldCell
}

// Coordinator runs the sync pipeline for one server instance.
type Coordinator struct {
	docs    *document.Store
	aware   *awareness.Store
	bus     pubsub.Bus
	adapter storage.StorageAdapter // nil disables persistence
	sender  Sender

	origin      string
	batchWindow time.Duration
	acks        *ackTable
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	batchMu stdsync.Mutex
	batches map[string]*pendingBatch

	persistMu stdsync.Mutex
	persistCh chan persistJob
	stopped   bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       stdsync.WaitGroup
	stopOnce stdsync.Once
}

// New wires a coordinator. A nil adapter disables the write-behind worker;
// every other dependency must be non-nil.
func New(docs *document.Store, aware *awareness.Store, bus pubsub.Bus, adapter storage.StorageAdapter, sender Sender, opts Options) *Coordinator {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		docs:        docs,
		aware:       aware,
		bus:         bus,
		adapter:     adapter,
		sender:      sender,
		origin:      opts.Origin,
		batchWindow: opts.BatchWindow,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "coordinator").Logger(),
		batches:     make(map[string]*pendingBatch),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.acks = newAckTable(opts.AckTimeout, opts.MaxAckAttempts, sender.Send, opts.Metrics, c.logger)

	if adapter != nil {
		c.persistCh = make(chan persistJob, opts.PersistQueue)
		c.wg.Add(1)
		go c.persistLoop()
	}
	return c
}

// Origin returns the instance identity stamped on bus envelopes.
func (c *Coordinator) Origin() string { return c.origin }

// ApplyDelta runs the local write path: last-writer-wins application, the
// immediate acknowledgement to the sender, batch enqueue for fan-out, and a
// write-behind persist. The ack is hop-by-hop ("the server accepted your
// write") and is sent even when fan-out will reach nobody; rejected fields
// still ack, the client converges through the re-broadcast winning value.
func (c *Coordinator) ApplyDelta(connectionID, clientID string, p *protocol.DeltaPayload, messageID string) document.ApplyResult {
	res := c.docs.ApplyDelta(p.DocumentID, messageID, clientID, p.Timestamp, p.Fields, p.VectorClock)

	if n := acceptedWrites(res); n > 0 {
		c.metrics.DeltasApplied.Add(float64(n))
	}

	c.deliver(connectionID, protocol.NewAck(messageID, p.DocumentID))
	c.enqueueBatch(p.DocumentID, connectionID, res)
	c.enqueuePersist(persistJob{delta: res.Delta, cells: res.Cells})

	return res
}

// SyncState returns a document's snapshot for a sync_response. A non-nil
// client clock is merged into the document clock and the reply includes the
// log entries that clock has not seen; a nil clock asks for the snapshot
// alone. Entries older than the retained log are covered by the snapshot.
func (c *Coordinator) SyncState(documentID string, since clock.VectorClock) (map[string]interface{}, clock.VectorClock, []document.StoredDelta) {
	if since == nil {
		state, vc := c.docs.Snapshot(documentID)
		return state, vc, nil
	}
	c.docs.MergeClock(documentID, since)
	state, vc := c.docs.Snapshot(documentID)
	return state, vc, c.docs.DeltasSince(documentID, since)
}

// SubscribeDocument adds a connection to a document's subscriber set. The
// first local subscriber takes the bus reference for the document's channels.
func (c *Coordinator) SubscribeDocument(documentID, connectionID string) {
	if c.docs.Subscribe(documentID, connectionID) {
		c.busSubscribe(documentID)
	}
}

// UnsubscribeDocument removes a connection from a document's subscriber set,
// releasing its bus reference when it was subscribed.
func (c *Coordinator) UnsubscribeDocument(documentID, connectionID string) {
	if c.docs.Unsubscribe(documentID, connectionID) {
		c.busUnsubscribe(documentID)
	}
}

// SubscribeAwareness adds a connection to a document's awareness subscriber
// set, taking a bus reference like a document subscription does.
func (c *Coordinator) SubscribeAwareness(documentID, connectionID string) {
	if c.aware.Subscribe(documentID, connectionID) {
		c.busSubscribe(documentID)
	}
}

// UnsubscribeAwareness removes a connection from a document's awareness
// subscribers.
func (c *Coordinator) UnsubscribeAwareness(documentID, connectionID string) {
	if c.aware.Unsubscribe(documentID, connectionID) {
		c.busUnsubscribe(documentID)
	}
}

// AwarenessStates lists a document's active presence entries.
func (c *Coordinator) AwarenessStates(documentID string) []awareness.Entry {
	return c.aware.ListActive(documentID)
}

// AwarenessSubscribed reports whether a connection subscribes to a document's
// awareness updates.
func (c *Coordinator) AwarenessSubscribed(documentID, connectionID string) bool {
	return c.aware.IsSubscribed(documentID, connectionID)
}

// ApplyAwareness runs the local presence path: clock-gated store update,
// fan-out to the document's other awareness subscribers, and a bus publish
// for peer instances. A nil state is a leave. Reports whether the update took
// effect; stale clocks change nothing and stay silent.
func (c *Coordinator) ApplyAwareness(connectionID, documentID, clientID string, state interface{}, clockValue int64) bool {
	if !c.aware.Set(documentID, clientID, state, clockValue) {
		return false
	}
	c.metrics.AwarenessEntries.Set(float64(c.aware.ActiveCount()))

	msg := protocol.NewAwarenessUpdate(documentID, clientID, state, clockValue)
	for _, subscriberID := range c.aware.Subscribers(documentID) {
		if subscriberID == connectionID {
			continue
		}
		c.deliver(subscriberID, msg)
	}

	c.publishAwareness(&pubsub.Envelope{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Origin:     c.origin,
		ClientID:   clientID,
		State:      state,
		Leave:      state == nil,
		Clock:      clockValue,
	})
	return true
}

// BroadcastExpiry announces a TTL-reaped entry as a leave to the document's
// local awareness subscribers. Peer instances reap on their own, so the leave
// never touches the bus. The clock bumps past the expired entry's so clients'
// stale-update gates accept it.
func (c *Coordinator) BroadcastExpiry(entry awareness.Entry) {
	msg := protocol.NewAwarenessUpdate(entry.DocumentID, entry.ClientID, nil, entry.Clock+1)
	for _, subscriberID := range c.aware.Subscribers(entry.DocumentID) {
		c.deliver(subscriberID, msg)
	}
}

// HandleAck resolves the pending slot for an acknowledged message. An ack
// arriving on a different connection than the delivery never matches.
func (c *Coordinator) HandleAck(connectionID, messageID string) bool {
	return c.acks.resolve(connectionID, messageID)
}

// TeardownConnection scrubs every trace of a connection: document and
// awareness subscriptions with their bus references, the client's presence
// entries (announced as leaves locally and to peers), and pending ack slots.
func (c *Coordinator) TeardownConnection(connectionID, clientID string) {
	for _, documentID := range c.docs.UnsubscribeAll(connectionID) {
		c.busUnsubscribe(documentID)
	}
	for _, documentID := range c.aware.RemoveConnection(connectionID) {
		c.busUnsubscribe(documentID)
	}

	if clientID != "" {
		for _, entry := range c.aware.RemoveClient(clientID) {
			leaveClock := entry.Clock + 1
			msg := protocol.NewAwarenessUpdate(entry.DocumentID, entry.ClientID, nil, leaveClock)
			for _, subscriberID := range c.aware.Subscribers(entry.DocumentID) {
				c.deliver(subscriberID, msg)
			}
			c.publishAwareness(&pubsub.Envelope{
				ID:         uuid.NewString(),
				DocumentID: entry.DocumentID,
				Origin:     c.origin,
				ClientID:   entry.ClientID,
				Leave:      true,
				Clock:      leaveClock,
			})
		}
		c.metrics.AwarenessEntries.Set(float64(c.aware.ActiveCount()))
	}

	if n := c.acks.cancelConnection(connectionID); n > 0 {
		c.logger.Debug().
			Str("connectionId", connectionID).
			Int("slots", n).
			Msg("pending acks cancelled")
	}
}

// PendingAcks reports deliveries awaiting acknowledgement.
func (c *Coordinator) PendingAcks() int { return c.acks.pending() }

// PendingBatches reports documents with an open batch window.
func (c *Coordinator) PendingBatches() int { return c.pendingBatches() }

// Stop flushes open batch windows, stops redelivery timers, drains the
// persist queue, and releases the bus publish context. Safe to call twice.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.flushAll()
		c.acks.stop()

		if c.adapter != nil {
			c.persistMu.Lock()
			c.stopped = true
			close(c.persistCh)
			c.persistMu.Unlock()
			c.wg.Wait()
		}

		c.cancel()
	})
}

// handleEnvelope dispatches envelopes arriving from peer instances. It runs
// on the bus receive goroutine, so work here is limited to in-memory
// application and write-queue enqueues.
func (c *Coordinator) handleEnvelope(env *pubsub.Envelope) {
	switch env.Kind {
	case pubsub.KindDelta:
		c.applyRemoteDelta(env)
	case pubsub.KindAwareness:
		c.applyRemoteAwareness(env)
	default:
		c.logger.Warn().Str("kind", string(env.Kind)).Msg("envelope with unknown kind dropped")
	}
}

// applyRemoteDelta replays a peer's coalesced writes through the ordinary
// apply path, folds in the peer's clock, and fans out to local subscribers
// immediately; the peer already spent a batch window on these writes.
// Per-writer clock numbers may differ across instances, but cross-writer ties
// resolve on (timestamp, clientId), which travel with each write, so replicas
// converge and bus redeliveries are harmless. The origin instance already
// persisted the delta, so none is queued here.
func (c *Coordinator) applyRemoteDelta(env *pubsub.Envelope) {
	if len(env.Writes) == 0 {
		return
	}

	type writer struct {
		clientID  string
		timestamp int64
	}
	grouped := make(map[writer]map[string]interface{})
	for _, w := range env.Writes {
		key := writer{clientID: w.ClientID, timestamp: w.Timestamp}
		fields := grouped[key]
		if fields == nil {
			fields = make(map[string]interface{})
			grouped[key] = fields
		}
		fields[w.Field] = w.Value
	}

	accepted := 0
	for key, fields := range grouped {
		res := c.docs.ApplyDelta(env.DocumentID, uuid.NewString(), key.clientID, key.timestamp, fields, nil)
		accepted += acceptedWrites(res)
	}
	if accepted > 0 {
		c.metrics.DeltasApplied.Add(float64(accepted))
	}

	vc := c.docs.MergeClock(env.DocumentID, env.VectorClock)

	subscribers := c.docs.Subscribers(env.DocumentID)
	if len(subscribers) == 0 {
		return
	}
	for _, w := range env.Writes {
		fields := map[string]interface{}{w.Field: w.Value}
		msg := protocol.NewDelta(env.DocumentID, fields, vc, w.ClientID, w.Timestamp)
		for _, connectionID := range subscribers {
			c.acks.track(connectionID, msg, env.DocumentID)
		}
	}
}

// applyRemoteAwareness mirrors a peer's presence update into the local store
// and echoes it to local awareness subscribers when it takes effect.
func (c *Coordinator) applyRemoteAwareness(env *pubsub.Envelope) {
	state := env.State
	if env.Leave {
		state = nil
	}
	if !c.aware.Set(env.DocumentID, env.ClientID, state, env.Clock) {
		return
	}
	c.metrics.AwarenessEntries.Set(float64(c.aware.ActiveCount()))

	msg := protocol.NewAwarenessUpdate(env.DocumentID, env.ClientID, state, env.Clock)
	for _, subscriberID := range c.aware.Subscribers(env.DocumentID) {
		c.deliver(subscriberID, msg)
	}
}

// deliver sends without ack tracking, logging undeliverable targets at debug.
func (c *Coordinator) deliver(connectionID string, msg *protocol.Message) {
	if err := c.sender.Send(connectionID, msg); err != nil {
		c.logger.Debug().
			Err(err).
			Str("connectionId", connectionID).
			Str("type", msg.Type).
			Msg("message undeliverable")
	}
}

// busSubscribe takes one bus reference for a document. Failures are logged,
// not surfaced; the server is memory-authoritative and a bus reconnect
// re-issues wire subscriptions.
func (c *Coordinator) busSubscribe(documentID string) {
	if err := c.bus.Subscribe(c.ctx, documentID, c.handleEnvelope); err != nil && !errors.Is(err, pubsub.ErrBusClosed) {
		c.logger.Warn().Err(err).Str("documentId", documentID).Msg("bus subscribe failed")
	}
}

func (c *Coordinator) busUnsubscribe(documentID string) {
	if err := c.bus.Unsubscribe(c.ctx, documentID); err != nil && !errors.Is(err, pubsub.ErrBusClosed) {
		c.logger.Warn().Err(err).Str("documentId", documentID).Msg("bus unsubscribe failed")
	}
}

func (c *Coordinator) publishAwareness(env *pubsub.Envelope) {
	if err := c.bus.PublishAwareness(c.ctx, env); err != nil && !errors.Is(err, pubsub.ErrBusClosed) {
		c.logger.Warn().Err(err).Str("documentId", env.DocumentID).Msg("awareness publish failed")
	}
}

// enqueuePersist hands a write to the write-behind worker. A full queue drops
// the job; memory is authoritative and the next write or snapshot catches
// durable storage up.
func (c *Coordinator) enqueuePersist(job persistJob) {
	if c.adapter == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.persistCh <- job:
	default:
		c.metrics.StorageErrors.WithLabelValues("enqueue").Inc()
		c.logger.Warn().Str("documentId", job.delta.DocumentID).Msg("persist queue full, write dropped")
	}
}

// persistLoop drains the write-behind queue until Stop closes it.
func (c *Coordinator) persistLoop() {
	defer c.wg.Done()
	for job := range c.persistCh {
		c.persist(job)
	}
}

// persist saves the delta row, the document cells, and the merged clock.
// Failures are logged and counted, never propagated.
func (c *Coordinator) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()

	if err := c.adapter.SaveDelta(ctx, &job.delta); err != nil {
		c.storageError("save_delta", job.delta.DocumentID, err)
	}
	if err := c.adapter.SaveDocument(ctx, job.delta.DocumentID, job.cells); err != nil {
		c.storageError("save_document", job.delta.DocumentID, err)
	}
	if err := c.adapter.MergeVectorClock(ctx, job.delta.DocumentID, job.delta.VectorClock); err != nil {
		c.storageError("merge_clock", job.delta.DocumentID, err)
	}
}

func (c *Coordinator) storageError(op, documentID string, err error) {
	c.metrics.StorageErrors.WithLabelValues(op).Inc()
	c.logger.Warn().
		Err(err).
		Str("op", op).
		Str("documentId", documentID).
		Msg("write-behind persist failed")
}

func acceptedWrites(res document.ApplyResult) int {
	n := 0
	for _, wr := range res.Results {
		if wr.Accepted {
			n++
		}
	}
	return n
}
