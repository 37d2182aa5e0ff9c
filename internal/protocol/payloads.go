package protocol

import (
	"github.com/synckit-dev/syncserver/internal/clock"
)

// Typed views over the flattened payload map, one per inbound variant.
// Extraction validates required fields and normalizes the aliases older SDK
// builds still send (docId for documentId, changes for delta, clock for
// vectorClock).

// AuthPayload carries the credential material of an auth message.
type AuthPayload struct {
	Token    string
	APIKey   string
	ClientID string
	UserID   string
}

// Auth extracts the auth payload. All fields are optional at this layer;
// the gate decides whether the combination authenticates.
func (m *Message) Auth() *AuthPayload {
	return &AuthPayload{
		Token:    getString(m.Payload, "token"),
		APIKey:   getString(m.Payload, "apiKey"),
		ClientID: getString(m.Payload, "clientId"),
		UserID:   getString(m.Payload, "userId"),
	}
}

// SubscribePayload identifies the document of a subscribe, unsubscribe or
// awareness_subscribe message.
type SubscribePayload struct {
	DocumentID string
}

// Subscribe extracts the document id, accepting the docId alias.
func (m *Message) Subscribe() (*SubscribePayload, error) {
	docID := documentID(m.Payload)
	if docID == "" {
		return nil, &PayloadError{Reason: "missing documentId"}
	}
	return &SubscribePayload{DocumentID: docID}, nil
}

// SyncRequestPayload carries the client's clock for a sync_request.
type SyncRequestPayload struct {
	DocumentID  string
	VectorClock clock.VectorClock
}

// SyncRequest extracts the sync_request payload. The clock is optional; a nil
// clock means the client wants the full snapshot.
func (m *Message) SyncRequest() (*SyncRequestPayload, error) {
	docID := documentID(m.Payload)
	if docID == "" {
		return nil, &PayloadError{Reason: "missing documentId"}
	}
	return &SyncRequestPayload{
		DocumentID:  docID,
		VectorClock: vectorClock(m.Payload),
	}, nil
}

// DeltaPayload carries one or more field writes. The wire accepts both the
// object-shaped form (delta: {field: value, ...}) and the field-shaped form
// (field + value), the latter being a degenerate single-field delta.
type DeltaPayload struct {
	DocumentID  string
	Fields      map[string]interface{}
	VectorClock clock.VectorClock
	ClientID    string
	Timestamp   int64
}

// Delta extracts and normalizes a delta payload.
func (m *Message) Delta() (*DeltaPayload, error) {
	docID := documentID(m.Payload)
	if docID == "" {
		return nil, &PayloadError{Reason: "missing documentId"}
	}

	fields := getMap(m.Payload, "delta")
	if fields == nil {
		fields = getMap(m.Payload, "changes")
	}
	if fields == nil {
		if field := getString(m.Payload, "field"); field != "" {
			value, ok := m.Payload["value"]
			if !ok {
				return nil, &PayloadError{Reason: "field without value"}
			}
			fields = map[string]interface{}{field: value}
		}
	}
	if len(fields) == 0 {
		return nil, &PayloadError{Reason: "delta carries no fields"}
	}

	ts := getInt64(m.Payload, "timestamp")
	if ts == 0 {
		ts = m.Timestamp
	}

	return &DeltaPayload{
		DocumentID:  docID,
		Fields:      fields,
		VectorClock: vectorClock(m.Payload),
		ClientID:    getString(m.Payload, "clientId"),
		Timestamp:   ts,
	}, nil
}

// AwarenessUpdatePayload carries ephemeral presence state. A JSON null state
// is an explicit leave; Leave distinguishes it from a missing state field.
type AwarenessUpdatePayload struct {
	DocumentID string
	ClientID   string
	State      interface{}
	Leave      bool
	Clock      int64
}

// AwarenessUpdate extracts an awareness_update payload.
func (m *Message) AwarenessUpdate() (*AwarenessUpdatePayload, error) {
	docID := documentID(m.Payload)
	if docID == "" {
		return nil, &PayloadError{Reason: "missing documentId"}
	}
	state, ok := m.Payload["state"]
	if !ok {
		return nil, &PayloadError{Reason: "missing state"}
	}
	return &AwarenessUpdatePayload{
		DocumentID: docID,
		ClientID:   getString(m.Payload, "clientId"),
		State:      state,
		Leave:      state == nil,
		Clock:      getInt64(m.Payload, "clock"),
	}, nil
}

// AckPayload carries the optional document id of an ack. The acknowledged
// message is identified by the ack frame's own id.
type AckPayload struct {
	DocumentID string
}

// Ack extracts the ack payload.
func (m *Message) Ack() *AckPayload {
	return &AckPayload{DocumentID: documentID(m.Payload)}
}

// Outbound builders. Every builder returns a Message with a minted id and
// current timestamp unless the reply must reuse the inbound id.

// NewError builds an error message.
func NewError(code, reason string) *Message {
	return New(TypeError, map[string]interface{}{
		"error": reason,
		"code":  code,
	})
}

// NewAuthSuccess builds the auth_success reply.
func NewAuthSuccess(inReplyTo, userID string, canRead, canWrite []string, isAdmin bool) *Message {
	return NewWithID(TypeAuthSuccess, inReplyTo, map[string]interface{}{
		"userId": userID,
		"permissions": map[string]interface{}{
			"canRead":  canRead,
			"canWrite": canWrite,
			"isAdmin":  isAdmin,
		},
	})
}

// NewAuthError builds the auth_error reply.
func NewAuthError(inReplyTo, code, reason string) *Message {
	return NewWithID(TypeAuthError, inReplyTo, map[string]interface{}{
		"error": reason,
		"code":  code,
	})
}

// NewSyncResponse builds a sync_response carrying the current snapshot, the
// document's vector clock and any deltas the client is missing.
func NewSyncResponse(inReplyTo, docID string, state map[string]interface{}, vc clock.VectorClock, deltas []interface{}) *Message {
	payload := map[string]interface{}{
		"documentId":  docID,
		"state":       state,
		"vectorClock": vc,
	}
	if len(deltas) > 0 {
		payload["deltas"] = deltas
	}
	return NewWithID(TypeSyncResponse, inReplyTo, payload)
}

// NewDelta builds an outbound delta fan-out message.
func NewDelta(docID string, fields map[string]interface{}, vc clock.VectorClock, clientID string, timestamp int64) *Message {
	msg := New(TypeDelta, map[string]interface{}{
		"documentId":  docID,
		"delta":       fields,
		"vectorClock": vc,
		"clientId":    clientID,
	})
	if timestamp != 0 {
		msg.Timestamp = timestamp
	}
	return msg
}

// NewAck builds the ack for a processed message.
func NewAck(inReplyTo, docID string) *Message {
	payload := map[string]interface{}{}
	if docID != "" {
		payload["documentId"] = docID
	}
	return NewWithID(TypeAck, inReplyTo, payload)
}

// NewPing builds a server heartbeat ping.
func NewPing() *Message {
	return New(TypePing, map[string]interface{}{})
}

// NewPong builds the pong reply echoing the ping's id.
func NewPong(inReplyTo string) *Message {
	return NewWithID(TypePong, inReplyTo, map[string]interface{}{})
}

// NewAwarenessUpdate builds an awareness fan-out message. A nil state encodes
// a leave.
func NewAwarenessUpdate(docID, clientID string, state interface{}, clockValue int64) *Message {
	return New(TypeAwarenessUpdate, map[string]interface{}{
		"documentId": docID,
		"clientId":   clientID,
		"state":      state,
		"clock":      clockValue,
	})
}

// NewAwarenessState builds the awareness_state reply listing active entries.
func NewAwarenessState(inReplyTo, docID string, states []interface{}) *Message {
	return NewWithID(TypeAwarenessState, inReplyTo, map[string]interface{}{
		"documentId": docID,
		"states":     states,
	})
}

// Payload map accessors. Inbound payloads come from encoding/json, so numbers
// arrive as float64 and nested objects as map[string]interface{}.

func documentID(p map[string]interface{}) string {
	if id := getString(p, "documentId"); id != "" {
		return id
	}
	return getString(p, "docId")
}

func vectorClock(p map[string]interface{}) clock.VectorClock {
	raw := getMap(p, "vectorClock")
	if raw == nil {
		raw = getMap(p, "clock")
	}
	if raw == nil {
		return nil
	}
	vc := clock.New()
	for id, v := range raw {
		vc.Set(id, toInt64(v))
	}
	return vc
}

func getString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func getMap(p map[string]interface{}, key string) map[string]interface{} {
	if p == nil {
		return nil
	}
	m, _ := p[key].(map[string]interface{})
	return m
}

func getInt64(p map[string]interface{}, key string) int64 {
	if p == nil {
		return 0
	}
	return toInt64(p[key])
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}
