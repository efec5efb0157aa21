package bridge

import "fmt"

// HandshakeError reports a BRIDGE_HANDSHAKE_ERROR received from the relay
// (spec.md §4.E "duplicate tabID").
type HandshakeError struct {
	Code    ErrorCode
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("bridge handshake rejected: %s: %s", e.Code, e.Message)
}
