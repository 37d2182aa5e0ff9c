package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
	m.MessagesReceived.WithLabelValues("delta").Inc()
	m.MessagesReceived.WithLabelValues("delta").Inc()
	m.PubSubPublished.WithLabelValues("awareness").Inc()

	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 1 {
		t.Errorf("connections_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("delta")); got != 2 {
		t.Errorf("messages_received_total{type=delta} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PubSubPublished.WithLabelValues("awareness")); got != 1 {
		t.Errorf("pubsub_published_total{kind=awareness} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestNew_NilRegisterer(t *testing.T) {
	m := New(nil)

	// Instruments must still be usable without a shared registry.
	m.DeltasApplied.Inc()
	m.AcksPending.Set(3)

	if got := testutil.ToFloat64(m.DeltasApplied); got != 1 {
		t.Errorf("deltas_applied_total = %v, want 1", got)
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.ConnectionsTotal.Inc()

	if got := testutil.ToFloat64(b.ConnectionsTotal); got != 0 {
		t.Errorf("second collector saw %v increments, want 0", got)
	}
}
