package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/synckit-dev/syncserver/internal/clock"
)

// collector records envelopes a handler receives.
type collector struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (c *collector) handler() Handler {
	return func(env *Envelope) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.envs = append(c.envs, env)
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) first() *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		return nil
	}
	return c.envs[0]
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestBus(t *testing.T, broker *Broker) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(broker, Options{Prefix: "synckit:"})
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { bus.Disconnect(context.Background()) })
	return bus
}

func TestMemoryBus_CrossInstanceDelivery(t *testing.T) {
	broker := NewBroker()
	a := newTestBus(t, broker)
	b := newTestBus(t, broker)

	var got collector
	if err := b.Subscribe(context.Background(), "doc-1", got.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := &Envelope{
		ID:         "env-1",
		DocumentID: "doc-1",
		Writes: []FieldWrite{
			{Field: "title", Value: "Hello", ClientID: "A", Timestamp: 1000},
		},
		VectorClock: clock.VectorClock{"A": 1},
	}
	if err := a.PublishDelta(context.Background(), env); err != nil {
		t.Fatalf("PublishDelta: %v", err)
	}

	waitFor(t, "delivery to the other instance", func() bool { return got.count() == 1 })

	received := got.first()
	if received.Kind != KindDelta {
		t.Errorf("kind = %s, want delta", received.Kind)
	}
	if len(received.Writes) != 1 || received.Writes[0].Field != "title" || received.Writes[0].Value != "Hello" {
		t.Errorf("writes = %+v, want the published title write", received.Writes)
	}
	if received.VectorClock.Get("A") != 1 {
		t.Errorf("clock A = %d, want 1", received.VectorClock.Get("A"))
	}
}

func TestMemoryBus_SuppressesOwnPublishes(t *testing.T) {
	broker := NewBroker()
	a := newTestBus(t, broker)
	b := newTestBus(t, broker)

	var atA, atB collector
	if err := a.Subscribe(context.Background(), "doc-1", atA.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(context.Background(), "doc-1", atB.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := a.PublishDelta(context.Background(), &Envelope{ID: "env-1", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("PublishDelta: %v", err)
	}

	waitFor(t, "delivery to instance b", func() bool { return atB.count() == 1 })
	waitFor(t, "suppression counter on instance a", func() bool { return a.Stats().Suppressed == 1 })
	if atA.count() != 0 {
		t.Errorf("publisher received its own message %d times, want 0", atA.count())
	}
}

func TestMemoryBus_AwarenessEnvelopeRoundTrip(t *testing.T) {
	broker := NewBroker()
	a := newTestBus(t, broker)
	b := newTestBus(t, broker)

	var got collector
	if err := b.Subscribe(context.Background(), "doc-1", got.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := &Envelope{
		ID:         "aw-1",
		DocumentID: "doc-1",
		ClientID:   "A",
		Leave:      true,
		Clock:      7,
	}
	if err := a.PublishAwareness(context.Background(), env); err != nil {
		t.Fatalf("PublishAwareness: %v", err)
	}

	waitFor(t, "awareness delivery", func() bool { return got.count() == 1 })
	received := got.first()
	if received.Kind != KindAwareness {
		t.Errorf("kind = %s, want awareness", received.Kind)
	}
	if !received.Leave || received.State != nil {
		t.Errorf("leave envelope decoded as %+v, want nil state with leave set", received)
	}
	if received.Clock != 7 {
		t.Errorf("clock = %d, want 7", received.Clock)
	}
}

func TestMemoryBus_ReferenceCounting(t *testing.T) {
	broker := NewBroker()
	a := newTestBus(t, broker)
	b := newTestBus(t, broker)
	ctx := context.Background()

	var got collector
	// Two references from two local connections.
	if err := b.Subscribe(ctx, "doc-1", got.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe(ctx, "doc-1", got.handler()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Unsubscribe(ctx, "doc-1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := a.PublishDelta(ctx, &Envelope{ID: "env-1", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("PublishDelta: %v", err)
	}
	waitFor(t, "delivery while one reference remains", func() bool { return got.count() == 1 })

	if err := b.Unsubscribe(ctx, "doc-1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := a.PublishDelta(ctx, &Envelope{ID: "env-2", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("PublishDelta: %v", err)
	}

	// env-2 must not arrive; give the dispatch loop a moment to prove it.
	time.Sleep(50 * time.Millisecond)
	if got.count() != 1 {
		t.Errorf("received %d envelopes after full unsubscribe, want 1", got.count())
	}
	if b.Stats().Channels != 0 {
		t.Errorf("channels = %d after full unsubscribe, want 0", b.Stats().Channels)
	}
}

func TestMemoryBus_PublishAfterDisconnect(t *testing.T) {
	broker := NewBroker()
	bus := NewMemoryBus(broker, Options{Prefix: "synckit:"})
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := bus.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	err := bus.PublishDelta(context.Background(), &Envelope{ID: "env-1", DocumentID: "doc-1"})
	if err != ErrBusClosed {
		t.Errorf("publish after disconnect: err = %v, want ErrBusClosed", err)
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		kind    Kind
		docID   string
		ok      bool
	}{
		{"delta channel", "synckit:delta:doc-1", KindDelta, "doc-1", true},
		{"awareness channel", "synckit:awareness:doc-1", KindAwareness, "doc-1", true},
		{"doc id with colons", "synckit:delta:org:42:doc", KindDelta, "org:42:doc", true},
		{"wrong prefix", "other:delta:doc-1", "", "", false},
		{"unknown kind", "synckit:gossip:doc-1", "", "", false},
		{"missing doc id", "synckit:delta:", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, docID, ok := parseChannel("synckit:", tt.channel)
			if ok != tt.ok || kind != tt.kind || docID != tt.docID {
				t.Errorf("parseChannel(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.channel, kind, docID, ok, tt.kind, tt.docID, tt.ok)
			}
		})
	}
}

func TestNATSSubjectMapping(t *testing.T) {
	bus := NewNATSBus("nats://localhost:4222", Options{Prefix: "synckit:"})

	tests := []struct {
		docID string
		want  string
	}{
		{"doc-1", "synckit.delta.doc-1"},
		{"org:42:doc", "synckit.delta.org_42_doc"},
		{"plain_doc", "synckit.delta.plain_doc"},
	}
	for _, tt := range tests {
		if got := bus.subjectFor(KindDelta, tt.docID); got != tt.want {
			t.Errorf("subjectFor(delta, %q) = %q, want %q", tt.docID, got, tt.want)
		}
	}
}
