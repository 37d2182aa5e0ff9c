package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/metrics"
)

// redisReconnectWait paces the receive loop after an error so a dead Redis
// is retried instead of hammered.
const redisReconnectWait = time.Second

// RedisBus implements Bus on Redis pub/sub. It holds two clients: one for
// publishing and one dedicated to the blocking SUBSCRIBE connection, the
// usual split since a subscribed Redis connection cannot run other commands.
type RedisBus struct {
	url     string
	prefix  string
	metrics *metrics.Metrics
	logger  zerolog.Logger

	publisher  *redis.Client
	subscriber *redis.Client
	pubsub     *redis.PubSub

	mu        sync.RWMutex
	subs      *subscriptions
	published *publishedSet

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	connected       atomic.Bool
	publishedCount  atomic.Int64
	receivedCount   atomic.Int64
	suppressedCount atomic.Int64
	reconnectCount  atomic.Int64
}

// NewRedisBus builds a bus for the given redis:// URL. Connect must be
// called before use.
func NewRedisBus(url string, opts Options) *RedisBus {
	opts.normalize()
	return &RedisBus{
		url:       url,
		prefix:    opts.Prefix,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "pubsub").Str("backend", "redis").Logger(),
		subs:      newSubscriptions(),
		published: newPublishedSet(0),
	}
}

// Connect dials both clients, opens the multiplexed subscription and starts
// the receive loop.
func (b *RedisBus) Connect(ctx context.Context) error {
	opt, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	b.publisher = redis.NewClient(opt)
	if err := b.publisher.Ping(ctx).Err(); err != nil {
		b.publisher.Close()
		return fmt.Errorf("ping redis (publisher): %w", err)
	}

	subOpt := *opt
	b.subscriber = redis.NewClient(&subOpt)
	if err := b.subscriber.Ping(ctx).Err(); err != nil {
		b.publisher.Close()
		b.subscriber.Close()
		return fmt.Errorf("ping redis (subscriber): %w", err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	// One PubSub multiplexes every document channel; channels are added and
	// removed as references come and go.
	b.pubsub = b.subscriber.Subscribe(b.ctx)
	b.connected.Store(true)

	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

// Disconnect stops the receive loop and closes both clients.
func (b *RedisBus) Disconnect(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.connected.Store(false)
		b.cancel()
		if b.pubsub != nil {
			err = b.pubsub.Close()
		}
		b.wg.Wait()
		if b.publisher != nil {
			b.publisher.Close()
		}
		if b.subscriber != nil {
			b.subscriber.Close()
		}
	})
	return err
}

// IsConnected reports whether Connect succeeded and Disconnect has not run.
func (b *RedisBus) IsConnected() bool {
	return b.connected.Load()
}

// PublishDelta publishes a delta envelope to the document's delta channel.
func (b *RedisBus) PublishDelta(ctx context.Context, env *Envelope) error {
	env.Kind = KindDelta
	return b.publish(ctx, env)
}

// PublishAwareness publishes an awareness envelope.
func (b *RedisBus) PublishAwareness(ctx context.Context, env *Envelope) error {
	env.Kind = KindAwareness
	return b.publish(ctx, env)
}

func (b *RedisBus) publish(ctx context.Context, env *Envelope) error {
	if !b.connected.Load() {
		return ErrBusClosed
	}
	data, err := env.encode()
	if err != nil {
		return err
	}

	// Remember before publishing so even an instant loopback is caught.
	b.published.remember(env.ID)
	channel := channelFor(b.prefix, env.Kind, env.DocumentID)
	if err := b.publisher.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	b.publishedCount.Add(1)
	b.metrics.PubSubPublished.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// Subscribe adds a reference to the document's channels, joining them on the
// wire only for the first reference.
func (b *RedisBus) Subscribe(ctx context.Context, documentID string, h Handler) error {
	b.mu.Lock()
	first := b.subs.add(documentID, h)
	b.mu.Unlock()
	if !first {
		return nil
	}

	if err := b.pubsub.Subscribe(ctx, b.channelsFor(documentID)...); err != nil {
		b.mu.Lock()
		b.subs.remove(documentID)
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", documentID, err)
	}
	return nil
}

// Unsubscribe drops a reference, leaving the wire channels on the last one.
func (b *RedisBus) Unsubscribe(ctx context.Context, documentID string) error {
	b.mu.Lock()
	last := b.subs.remove(documentID)
	b.mu.Unlock()
	if !last {
		return nil
	}

	if err := b.pubsub.Unsubscribe(ctx, b.channelsFor(documentID)...); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", documentID, err)
	}
	return nil
}

// Stats reports counters for /health.
func (b *RedisBus) Stats() Stats {
	b.mu.RLock()
	channels := b.subs.count()
	b.mu.RUnlock()
	return Stats{
		Backend:    "redis",
		Connected:  b.connected.Load(),
		Channels:   channels,
		Published:  b.publishedCount.Load(),
		Received:   b.receivedCount.Load(),
		Suppressed: b.suppressedCount.Load(),
		Reconnects: b.reconnectCount.Load(),
	}
}

func (b *RedisBus) channelsFor(documentID string) []string {
	return []string{
		channelFor(b.prefix, KindDelta, documentID),
		channelFor(b.prefix, KindAwareness, documentID),
	}
}

// receiveLoop pumps the subscription. go-redis heals the underlying
// connection itself; on any receive error we count a reconnect, pause, and
// re-issue SUBSCRIBE for every referenced document so a healed connection is
// guaranteed to carry the full channel set again.
func (b *RedisBus) receiveLoop() {
	defer b.wg.Done()

	for {
		msg, err := b.pubsub.Receive(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || !b.connected.Load() {
				return
			}
			b.reconnectCount.Add(1)
			b.metrics.PubSubReconnects.Inc()
			b.logger.Warn().Err(err).Msg("bus receive failed, resubscribing")

			select {
			case <-time.After(redisReconnectWait):
			case <-b.ctx.Done():
				return
			}
			b.resubscribeAll()
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			b.dispatch(m.Channel, []byte(m.Payload))
		case *redis.Subscription:
			b.logger.Debug().Str("channel", m.Channel).Str("kind", m.Kind).Msg("subscription state changed")
		}
	}
}

func (b *RedisBus) resubscribeAll() {
	b.mu.RLock()
	docs := b.subs.documents()
	b.mu.RUnlock()

	var channels []string
	for _, id := range docs {
		channels = append(channels, b.channelsFor(id)...)
	}
	if len(channels) == 0 {
		return
	}
	if err := b.pubsub.Subscribe(b.ctx, channels...); err != nil {
		b.logger.Error().Err(err).Int("channels", len(channels)).Msg("resubscribe failed")
	}
}

func (b *RedisBus) dispatch(channel string, payload []byte) {
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
