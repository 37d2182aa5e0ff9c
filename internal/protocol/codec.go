package protocol

import (
	"encoding/binary"
	"encoding/json"
	"unicode/utf8"
)

// Binary framing: type(u8) | timestamp(i64 BE) | payloadLen(u32 BE) | payload JSON.
const binaryHeaderLen = 13

// Encode serializes msg under the given framing. FramingUnknown encodes as
// JSON; it only occurs before a client's first frame has pinned a framing.
func Encode(msg *Message, framing Framing) ([]byte, error) {
	if framing == FramingBinary {
		return EncodeBinary(msg)
	}
	return EncodeJSON(msg)
}

// EncodeBinary serializes msg into the binary framing. The type and timestamp
// travel in the header; the id and all payload fields travel in the JSON body.
func EncodeBinary(msg *Message) ([]byte, error) {
	code, ok := typeNameToCode[msg.Type]
	if !ok {
		return nil, &UnknownTypeError{Name: msg.Type}
	}

	body := make(map[string]interface{}, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		body[k] = v
	}
	body["id"] = msg.ID

	payloadJSON, err := json.Marshal(body)
	if err != nil {
		return nil, &PayloadError{Reason: "marshal payload", Cause: err}
	}

	buf := make([]byte, binaryHeaderLen+len(payloadJSON))
	buf[0] = byte(code)
	binary.BigEndian.PutUint64(buf[1:9], uint64(msg.Timestamp))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payloadJSON)))
	copy(buf[binaryHeaderLen:], payloadJSON)

	return buf, nil
}

// EncodeJSON serializes msg into the text framing: one JSON object carrying
// type, id, timestamp and all payload fields at the top level.
func EncodeJSON(msg *Message) ([]byte, error) {
	if _, ok := typeNameToCode[msg.Type]; !ok {
		return nil, &UnknownTypeError{Name: msg.Type}
	}

	body := make(map[string]interface{}, len(msg.Payload)+3)
	for k, v := range msg.Payload {
		body[k] = v
	}
	body["type"] = msg.Type
	body["id"] = msg.ID
	body["timestamp"] = msg.Timestamp

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &PayloadError{Reason: "marshal message", Cause: err}
	}
	return data, nil
}

// Decode parses a frame in whichever framing it carries and reports the
// framing it detected. A frame opening with '{' or '[' is JSON; anything else
// is treated as binary first, falling back to JSON only when the bytes are
// valid UTF-8 JSON. The returned framing is meaningful even on error so the
// caller can pin a connection from its first decodable frame.
func Decode(data []byte) (*Message, Framing, error) {
	if len(data) == 0 {
		return nil, FramingUnknown, newFrameError("empty frame")
	}

	if data[0] == '{' || data[0] == '[' {
		msg, err := decodeJSON(data)
		return msg, FramingJSON, err
	}

	msg, err := decodeBinary(data)
	if err != nil {
		if _, isFrame := err.(*FrameError); isFrame && utf8.Valid(data) && json.Valid(data) {
			if msg, jsonErr := decodeJSON(data); jsonErr == nil {
				return msg, FramingJSON, nil
			}
		}
		return nil, FramingBinary, err
	}
	return msg, FramingBinary, nil
}

func decodeBinary(data []byte) (*Message, error) {
	if len(data) < binaryHeaderLen {
		return nil, newFrameError("frame too short: %d bytes, header needs %d", len(data), binaryHeaderLen)
	}

	code := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint32(len(data)-binaryHeaderLen) < payloadLen {
		return nil, newFrameError("declared payload length %d exceeds remaining %d bytes", payloadLen, len(data)-binaryHeaderLen)
	}

	typeName, ok := typeCodeToName[code]
	if !ok {
		return nil, &UnknownTypeError{Code: code}
	}

	payloadBytes := data[binaryHeaderLen : binaryHeaderLen+int(payloadLen)]
	payload := make(map[string]interface{})
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			return nil, &PayloadError{Reason: "unmarshal payload", Cause: err}
		}
	}

	msg := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok {
		msg.ID = id
		delete(payload, "id")
	}
	return msg, nil
}

func decodeJSON(data []byte) (*Message, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		if json.Valid(data) {
			return nil, &PayloadError{Reason: "frame is not a JSON object", Cause: err}
		}
		return nil, newFrameError("invalid JSON frame: %v", err)
	}

	typeName, _ := body["type"].(string)
	if typeName == "" {
		return nil, &PayloadError{Reason: "missing type field"}
	}
	if _, ok := typeNameToCode[typeName]; !ok {
		return nil, &UnknownTypeError{Name: typeName}
	}

	msg := &Message{
		Type:    typeName,
		Payload: body,
	}
	delete(body, "type")
	if id, ok := body["id"].(string); ok {
		msg.ID = id
		delete(body, "id")
	}
	if ts, ok := body["timestamp"].(float64); ok {
		msg.Timestamp = int64(ts)
		delete(body, "timestamp")
	}
	return msg, nil
}
