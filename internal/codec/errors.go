package codec

import "fmt"

// maxPayloadEcho bounds how much of an offending payload a DecodeError keeps.
const maxPayloadEcho = 256

// EncodeError reports a sample that cannot be put on the wire.
type EncodeError struct {
	Field  string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode %s: %s", e.Field, e.Reason)
}

// DecodeError reports a server payload that is malformed or unrecognised.
type DecodeError struct {
	Reason  string
	Payload string // truncated copy of the offending payload
}

func (e *DecodeError) Error() string {
	return "codec: decode: " + e.Reason
}

// ServerReportedError is a well-formed "error" message from the server. It is
// not a local fault and does not affect the connection.
type ServerReportedError struct {
	Message string
}

func (e *ServerReportedError) Error() string {
	return "server: " + e.Message
}

func decodeErr(data []byte, format string, args ...any) *DecodeError {
	payload := string(data)
	if len(payload) > maxPayloadEcho {
		payload = payload[:maxPayloadEcho] + "…"
	}
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Payload: payload}
}
