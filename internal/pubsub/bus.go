// Package pubsub fans deltas and awareness updates out across server
// instances. Every backend carries the same JSON envelope on two channel
// families per document and suppresses messages the local instance published
// itself, so the coordinator never re-applies its own writes.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/synckit-dev/syncserver/internal/clock"
)

// ErrBusClosed is returned by publishes after Disconnect or before Connect.
var ErrBusClosed = errors.New("pubsub: bus not connected")

// Kind tags the two channel families a document owns on the bus.
type Kind string

const (
	KindDelta     Kind = "delta"
	KindAwareness Kind = "awareness"
)

// FieldWrite is one accepted field write inside a delta envelope. Each write
// keeps its own attribution so the receiving instance replays it through the
// same last-writer-wins path the origin used.
type FieldWrite struct {
	Field     string      `json:"field"`
	Value     interface{} `json:"value"`
	ClientID  string      `json:"clientId"`
	Timestamp int64       `json:"timestamp"`
}

// Envelope is the unit every backend publishes. Delta envelopes carry Writes
// and VectorClock; awareness envelopes carry ClientID, State (nil plus Leave
// for a departure) and Clock.
type Envelope struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	DocumentID string `json:"documentId"`
	Origin     string `json:"origin,omitempty"`

	Writes      []FieldWrite      `json:"writes,omitempty"`
	VectorClock clock.VectorClock `json:"vectorClock,omitempty"`

	ClientID string      `json:"clientId,omitempty"`
	State    interface{} `json:"state,omitempty"`
	Leave    bool        `json:"leave,omitempty"`
	Clock    int64       `json:"clock,omitempty"`
}

func (e *Envelope) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Handler consumes envelopes published by other instances. Handlers run on
// the bus receive goroutine and must not block.
type Handler func(env *Envelope)

// Stats is a point-in-time view of a bus, surfaced on /health.
type Stats struct {
	Backend    string `json:"backend"`
	Connected  bool   `json:"connected"`
	Channels   int    `json:"channels"`
	Published  int64  `json:"published"`
	Received   int64  `json:"received"`
	Suppressed int64  `json:"suppressed"`
	Reconnects int64  `json:"reconnects"`
}

// Bus is the cross-instance fan-out contract. Subscribe is reference
// counted: only a document's first subscriber joins the underlying channels
// and only its last Unsubscribe leaves them. The handler given first wins
// until the document is fully unsubscribed.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	PublishDelta(ctx context.Context, env *Envelope) error
	PublishAwareness(ctx context.Context, env *Envelope) error

	Subscribe(ctx context.Context, documentID string, h Handler) error
	Unsubscribe(ctx context.Context, documentID string) error

	Stats() Stats
}

// channelFor builds "{prefix}{kind}:{documentId}", the channel naming both
// the Redis backend and the in-process broker share.
func channelFor(prefix string, kind Kind, documentID string) string {
	return prefix + string(kind) + ":" + documentID
}

// parseChannel inverts channelFor.
func parseChannel(prefix, channel string) (Kind, string, bool) {
	rest, ok := strings.CutPrefix(channel, prefix)
	if !ok {
		return "", "", false
	}
	kind, documentID, ok := strings.Cut(rest, ":")
	if !ok || documentID == "" {
		return "", "", false
	}
	switch Kind(kind) {
	case KindDelta, KindAwareness:
		return Kind(kind), documentID, true
	default:
		return "", "", false
	}
}

// subscriptions is the reference-counted handler table the backends share.
type subscriptions struct {
	handlers map[string]Handler
	refs     map[string]int
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		handlers: make(map[string]Handler),
		refs:     make(map[string]int),
	}
}

// add registers a reference and reports whether this was the first one.
func (s *subscriptions) add(documentID string, h Handler) bool {
	s.refs[documentID]++
	if s.refs[documentID] > 1 {
		return false
	}
	s.handlers[documentID] = h
	return true
}

// remove drops a reference and reports whether it was the last one.
func (s *subscriptions) remove(documentID string) bool {
	n, ok := s.refs[documentID]
	if !ok {
		return false
	}
	if n > 1 {
		s.refs[documentID] = n - 1
		return false
	}
	delete(s.refs, documentID)
	delete(s.handlers, documentID)
	return true
}

func (s *subscriptions) get(documentID string) Handler {
	return s.handlers[documentID]
}

func (s *subscriptions) documents() []string {
	out := make([]string, 0, len(s.refs))
	for id := range s.refs {
		out = append(out, id)
	}
	return out
}

func (s *subscriptions) count() int {
	return len(s.refs)
}

// runHandler shields the receive loop from a panicking handler; one bad
// message must not take the whole subscription down.
func runHandler(logger zerolog.Logger, h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("documentId", env.DocumentID).
				Str("kind", string(env.Kind)).
				Msg("bus handler panicked")
		}
	}()
	h(env)
}
