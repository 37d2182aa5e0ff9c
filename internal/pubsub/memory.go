package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/metrics"
)

// Broker is an in-process message exchange. Every MemoryBus attached to the
// same Broker sees every publish, including its own, so single-instance
// deployments and tests run the exact delivery and suppression path the
// networked backends use.
type Broker struct {
	mu      sync.RWMutex
	members map[*MemoryBus]struct{}
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{members: make(map[*MemoryBus]struct{})}
}

func (b *Broker) attach(bus *MemoryBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[bus] = struct{}{}
}

func (b *Broker) detach(bus *MemoryBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, bus)
}

func (b *Broker) publish(channel string, payload []byte) {
	b.mu.RLock()
	members := make([]*MemoryBus, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.RUnlock()

	for _, m := range members {
		m.deliver(channel, payload)
	}
}

type delivery struct {
	channel string
	payload []byte
}

// Options configures a bus backend.
type Options struct {
	// Prefix namespaces the channel families, e.g. "synckit:".
	Prefix  string
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (o *Options) normalize() {
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// MemoryBus is the Bus backend for single-instance deployments and tests.
// Delivery is asynchronous through a per-bus inbox drained by one goroutine,
// mirroring the receive loop of the networked backends.
type MemoryBus struct {
	broker  *Broker
	prefix  string
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.RWMutex
	subs      *subscriptions
	published *publishedSet

	inbox     chan delivery
	done      chan struct{}
	closeOnce sync.Once

	connected       atomic.Bool
	publishedCount  atomic.Int64
	receivedCount   atomic.Int64
	suppressedCount atomic.Int64
}

// NewMemoryBus builds a bus attached to broker. Connect must be called
// before publishing.
func NewMemoryBus(broker *Broker, opts Options) *MemoryBus {
	opts.normalize()
	return &MemoryBus{
		broker:    broker,
		prefix:    opts.Prefix,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "pubsub").Str("backend", "memory").Logger(),
		subs:      newSubscriptions(),
		published: newPublishedSet(0),
		inbox:     make(chan delivery, 256),
		done:      make(chan struct{}),
	}
}

// Connect attaches to the broker and starts the dispatch goroutine.
func (b *MemoryBus) Connect(ctx context.Context) error {
	b.broker.attach(b)
	b.connected.Store(true)
	go b.dispatchLoop()
	return nil
}

// Disconnect detaches from the broker and stops dispatch.
func (b *MemoryBus) Disconnect(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.connected.Store(false)
		b.broker.detach(b)
		close(b.done)
	})
	return nil
}

// IsConnected reports whether the bus is attached.
func (b *MemoryBus) IsConnected() bool {
	return b.connected.Load()
}

// PublishDelta publishes a delta envelope to the document's delta channel.
func (b *MemoryBus) PublishDelta(ctx context.Context, env *Envelope) error {
	env.Kind = KindDelta
	return b.publish(env)
}

// PublishAwareness publishes an awareness envelope.
func (b *MemoryBus) PublishAwareness(ctx context.Context, env *Envelope) error {
	env.Kind = KindAwareness
	return b.publish(env)
}

func (b *MemoryBus) publish(env *Envelope) error {
	if !b.connected.Load() {
		return ErrBusClosed
	}
	data, err := env.encode()
	if err != nil {
		return err
	}
	b.published.remember(env.ID)
	b.publishedCount.Add(1)
	b.metrics.PubSubPublished.WithLabelValues(string(env.Kind)).Inc()
	b.broker.publish(channelFor(b.prefix, env.Kind, env.DocumentID), data)
	return nil
}

// Subscribe adds a reference to the document's channels.
func (b *MemoryBus) Subscribe(ctx context.Context, documentID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs.add(documentID, h)
	return nil
}

// Unsubscribe drops a reference to the document's channels.
func (b *MemoryBus) Unsubscribe(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs.remove(documentID)
	return nil
}

// Stats reports counters for /health.
func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	channels := b.subs.count()
	b.mu.RUnlock()
	return Stats{
		Backend:    "memory",
		Connected:  b.connected.Load(),
		Channels:   channels,
		Published:  b.publishedCount.Load(),
		Received:   b.receivedCount.Load(),
		Suppressed: b.suppressedCount.Load(),
	}
}

func (b *MemoryBus) deliver(channel string, payload []byte) {
	select {
	case b.inbox <- delivery{channel: channel, payload: payload}:
	case <-b.done:
	}
}

func (b *MemoryBus) dispatchLoop() {
	for {
		select {
		case d := <-b.inbox:
			b.dispatch(d.channel, d.payload)
		case <-b.done:
			return
		}
	}
}

func (b *MemoryBus) dispatch(channel string, payload []byte) {
	kind, documentID, ok := parseChannel(b.prefix, channel)
	if !ok {
		return
	}

	b.mu.RLock()
	handler := b.subs.get(documentID)
	b.mu.RUnlock()
	if handler == nil {
		return
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable bus message")
		return
	}
	if b.published.consume(env.ID) {
		b.suppressedCount.Add(1)
		return
	}

	b.receivedCount.Add(1)
	b.metrics.PubSubReceived.WithLabelValues(string(kind)).Inc()
	runHandler(b.logger, handler, env)
}
