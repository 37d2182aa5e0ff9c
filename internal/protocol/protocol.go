// Package protocol implements the sync wire protocol: a closed set of fifteen
// message types carried in either a binary framing or a JSON text framing.
// Both framings share one message model; the framing a client speaks is
// detected from its first frame and pinned for the connection's lifetime.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageTypeCode is the binary wire code for a message type.
// Codes must match the SDK client exactly.
type MessageTypeCode byte

const (
	AUTH                MessageTypeCode = 0x01
	AUTH_SUCCESS        MessageTypeCode = 0x02
	AUTH_ERROR          MessageTypeCode = 0x03
	SUBSCRIBE           MessageTypeCode = 0x10
	UNSUBSCRIBE         MessageTypeCode = 0x11
	SYNC_REQUEST        MessageTypeCode = 0x12
	SYNC_RESPONSE       MessageTypeCode = 0x13
	DELTA               MessageTypeCode = 0x20
	ACK                 MessageTypeCode = 0x21
	PING                MessageTypeCode = 0x30
	PONG                MessageTypeCode = 0x31
	AWARENESS_UPDATE    MessageTypeCode = 0x40
	AWARENESS_SUBSCRIBE MessageTypeCode = 0x41
	AWARENESS_STATE     MessageTypeCode = 0x42
	ERROR               MessageTypeCode = 0xFF
)

// Message type names used by the JSON text framing.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypeDelta        = "delta"
	TypeAck          = "ack"

	TypePing = "ping"
	TypePong = "pong"

	TypeAwarenessUpdate    = "awareness_update"
	TypeAwarenessSubscribe = "awareness_subscribe"
	TypeAwarenessState     = "awareness_state"

	TypeError = "error"
)

var typeCodeToName = map[MessageTypeCode]string{
	AUTH:                TypeAuth,
	AUTH_SUCCESS:        TypeAuthSuccess,
	AUTH_ERROR:          TypeAuthError,
	SUBSCRIBE:           TypeSubscribe,
	UNSUBSCRIBE:         TypeUnsubscribe,
	SYNC_REQUEST:        TypeSyncRequest,
	SYNC_RESPONSE:       TypeSyncResponse,
	DELTA:               TypeDelta,
	ACK:                 TypeAck,
	PING:                TypePing,
	PONG:                TypePong,
	AWARENESS_UPDATE:    TypeAwarenessUpdate,
	AWARENESS_SUBSCRIBE: TypeAwarenessSubscribe,
	AWARENESS_STATE:     TypeAwarenessState,
	ERROR:               TypeError,
}

var typeNameToCode = map[string]MessageTypeCode{
	TypeAuth:               AUTH,
	TypeAuthSuccess:        AUTH_SUCCESS,
	TypeAuthError:          AUTH_ERROR,
	TypeSubscribe:          SUBSCRIBE,
	TypeUnsubscribe:        UNSUBSCRIBE,
	TypeSyncRequest:        SYNC_REQUEST,
	TypeSyncResponse:       SYNC_RESPONSE,
	TypeDelta:              DELTA,
	TypeAck:                ACK,
	TypePing:               PING,
	TypePong:               PONG,
	TypeAwarenessUpdate:    AWARENESS_UPDATE,
	TypeAwarenessSubscribe: AWARENESS_SUBSCRIBE,
	TypeAwarenessState:     AWARENESS_STATE,
	TypeError:              ERROR,
}

// KnownType reports whether name is one of the fifteen wire types.
func KnownType(name string) bool {
	_, ok := typeNameToCode[name]
	return ok
}

// Framing identifies the wire framing of a connection.
type Framing int

const (
	FramingUnknown Framing = iota
	FramingBinary
	FramingJSON
)

func (f Framing) String() string {
	switch f {
	case FramingBinary:
		return "binary"
	case FramingJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Message is a parsed wire message. Payload holds every field beyond the
// envelope (type, id, timestamp); the envelope fields are injected into the
// serialized form by Encode and stripped back out by Decode.
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"-"`
}

// New builds an outbound message with a fresh id and the current wall clock.
func New(msgType string, payload map[string]interface{}) *Message {
	return NewWithID(msgType, uuid.NewString(), payload)
}

// NewWithID builds an outbound message reusing a caller-chosen id, typically
// to reply in reference to an inbound message (ack, pong, sync_response).
func NewWithID(msgType, id string, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Message{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}
