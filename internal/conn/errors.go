package conn

import "errors"

// ErrProtocol is returned when a decoded message is not legal in the
// connection's current phase (spec.md §4.2's gating table).
var ErrProtocol = errors.New("conn: message not valid in current phase")

// ErrAuthRejected is returned when the auth oracle rejects a client's
// Auth message.
var ErrAuthRejected = errors.New("conn: authentication rejected")

// CloseCode is the domain-level error kind a connection was closed for,
// per spec.md §7's error kinds (Decode, ProtocolViolation, AuthRejected,
// NameConflict, NotFound, SendFailed, Internal). Transports map it onto
// their own close signaling (a WebSocket close code, a WebTransport
// session error code).
type CloseCode string

const (
	CloseDecodeError  CloseCode = "Error"
	CloseInvalid      CloseCode = "Invalid"
	CloseProtocol     CloseCode = "ProtocolViolation"
	CloseAuthRejected CloseCode = "AuthRejected"
	CloseNameConflict CloseCode = "NameConflict"
	CloseNotFound     CloseCode = "NotFound"
	CloseSendFailed   CloseCode = "SendFailed"
	CloseInternal     CloseCode = "Internal"
)

// CloseError pairs the wire-visible close reason string spec.md §4.2
// mandates with the domain CloseCode that categorizes it. HandleFrame
// returns *CloseError for every connection-terminating condition so
// callers can relay both onto the transport's own close frame.
type CloseError struct {
	Code   CloseCode
	Reason string
	err    error
}

func (e *CloseError) Error() string { return e.Reason }
func (e *CloseError) Unwrap() error { return e.err }

func newCloseError(code CloseCode, reason string, wrapped error) *CloseError {
	return &CloseError{Code: code, Reason: reason, err: wrapped}
}
