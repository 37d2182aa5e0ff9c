package protocol

import "fmt"

// FrameError reports framing-level corruption: a frame that cannot be decoded
// under either framing. Connections receiving one must close with a protocol
// error; nothing after the corruption can be trusted.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Reason
}

// PayloadError reports a well-framed message whose payload is malformed.
// The connection stays open; the router answers with an error message.
type PayloadError struct {
	Reason string
	Cause  error
}

func (e *PayloadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("payload error: %s: %v", e.Reason, e.Cause)
	}
	return "payload error: " + e.Reason
}

func (e *PayloadError) Unwrap() error {
	return e.Cause
}

// UnknownTypeError reports a well-framed message carrying a type outside the
// fifteen-type set. The frame is dropped and an error message is emitted; the
// connection stays open.
type UnknownTypeError struct {
	Name string
	Code MessageTypeCode
}

func (e *UnknownTypeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown message type %q", e.Name)
	}
	return fmt.Sprintf("unknown message type code 0x%02x", byte(e.Code))
}

func newFrameError(format string, args ...interface{}) *FrameError {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}
