package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/metrics"
)

// natsReconnectWait paces the client's reconnect attempts.
const natsReconnectWait = 2 * time.Second

// NATSBus implements Bus on core NATS. The client library re-establishes
// subscriptions after a reconnect on its own, so unlike the Redis backend
// there is no explicit resubscribe pass; the reconnect handler only counts.
type NATSBus struct {
	url     string
	prefix  string
	metrics *metrics.Metrics
	logger  zerolog.Logger

	conn *nats.Conn

	mu        sync.RWMutex
	subs      *subscriptions
	wire      map[string][]*nats.Subscription
	published *publishedSet

	closeOnce sync.Once

	connected       atomic.Bool
	publishedCount  atomic.Int64
	receivedCount   atomic.Int64
	suppressedCount atomic.Int64
	reconnectCount  atomic.Int64
}

// NewNATSBus builds a bus for the given nats:// URL. Connect must be called
// before use.
func NewNATSBus(url string, opts Options) *NATSBus {
	opts.normalize()
	return &NATSBus{
		url:       url,
		prefix:    opts.Prefix,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "pubsub").Str("backend", "nats").Logger(),
		subs:      newSubscriptions(),
		wire:      make(map[string][]*nats.Subscription),
		published: newPublishedSet(0),
	}
}

// Connect dials the NATS server. Reconnection is delegated to the client:
// it retries forever and replays subscriptions once the server is back.
func (b *NATSBus) Connect(ctx context.Context) error {
	conn, err := nats.Connect(b.url,
		nats.Name("syncserver"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.reconnectCount.Add(1)
			b.metrics.PubSubReconnects.Inc()
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("bus disconnected")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	b.conn = conn
	b.connected.Store(true)
	return nil
}

// Disconnect drains in-flight messages and closes the connection.
func (b *NATSBus) Disconnect(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.connected.Store(false)
		if b.conn != nil {
			if err = b.conn.Drain(); err != nil {
				b.conn.Close()
			}
		}
	})
	return err
}

// IsConnected reports whether the client currently holds a live connection.
func (b *NATSBus) IsConnected() bool {
	return b.connected.Load() && b.conn != nil && b.conn.IsConnected()
}

// PublishDelta publishes a delta envelope to the document's delta subject.
func (b *NATSBus) PublishDelta(ctx context.Context, env *Envelope) error {
	env.Kind = KindDelta
	return b.publish(env)
}

// PublishAwareness publishes an awareness envelope.
func (b *NATSBus) PublishAwareness(ctx context.Context, env *Envelope) error {
	env.Kind = KindAwareness
	return b.publish(env)
}

func (b *NATSBus) publish(env *Envelope) error {
	if !b.connected.Load() {
		return ErrBusClosed
	}
	data, err := env.encode()
	if err != nil {
		return err
	}

	b.published.remember(env.ID)
	subject := b.subjectFor(env.Kind, env.DocumentID)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.publishedCount.Add(1)
	b.metrics.PubSubPublished.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

// Subscribe adds a reference to the document's subjects, joining them on the
// wire only for the first reference.
func (b *NATSBus) Subscribe(ctx context.Context, documentID string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subs.add(documentID, h) {
		return nil
	}

	var wired []*nats.Subscription
	for _, kind := range []Kind{KindDelta, KindAwareness} {
		sub, err := b.conn.Subscribe(b.subjectFor(kind, documentID), func(msg *nats.Msg) {
			b.dispatch(kind, documentID, msg.Data)
		})
		if err != nil {
			for _, s := range wired {
				s.Unsubscribe()
			}
			b.subs.remove(documentID)
			return fmt.Errorf("subscribe %s/%s: %w", documentID, kind, err)
		}
		wired = append(wired, sub)
	}
	b.wire[documentID] = wired
	return nil
}

// Unsubscribe drops a reference, leaving the wire subjects on the last one.
func (b *NATSBus) Unsubscribe(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subs.remove(documentID) {
		return nil
	}
	var firstErr error
	for _, sub := range b.wire[documentID] {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s: %w", documentID, err)
		}
	}
	delete(b.wire, documentID)
	return firstErr
}

// Stats reports counters for /health.
func (b *NATSBus) Stats() Stats {
	b.mu.RLock()
	channels := b.subs.count()
	b.mu.RUnlock()
	return Stats{
		Backend:    "nats",
		Connected:  b.IsConnected(),
		Channels:   channels,
		Published:  b.publishedCount.Load(),
		Received:   b.receivedCount.Load(),
		Suppressed: b.suppressedCount.Load(),
		Reconnects: b.reconnectCount.Load(),
	}
}

// subjectFor maps the channel naming onto NATS subjects: dots separate
// tokens, so "synckit:" + "delta" + docID becomes "synckit.delta.<docId>"
// with any subject-unsafe rune in the document id mapped to '_'.
func (b *NATSBus) subjectFor(kind Kind, documentID string) string {
	prefix := sanitizeToken(strings.TrimSuffix(b.prefix, ":"))
	if prefix == "" {
		prefix = "synckit"
	}
	return prefix + "." + string(kind) + "." + sanitizeToken(documentID)
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func (b *NATSBus) dispatch(kind Kind, documentID string, payload []byte) {
	b.mu.RLock()
	handler := b.subs.get(documentID)
	b.mu.RUnlock()
	if handler == nil {
		return
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("documentId", documentID).Msg("dropping undecodable bus message")
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
