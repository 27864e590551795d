package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure classes shared by both ends of the OCPP link.
var (
	// ErrCallTimeout means no reply arrived within the per-call deadline.
	ErrCallTimeout = errors.New("ocpp: call timed out")
	// ErrCancelled means a local stop interrupted an in-flight operation.
	ErrCancelled = errors.New("ocpp: call cancelled")
	// ErrStationDisconnected means a CSMS-originated call was issued while
	// no session exists for the station.
	ErrStationDisconnected = errors.New("ocpp: station disconnected")
	// ErrDuplicateStation means a station id is already registered.
	ErrDuplicateStation = errors.New("ocpp: station already connected")
)

// CALLERROR codes used on the wire.
const (
	ErrorCodeInternalError      = "InternalError"
	ErrorCodeNotImplemented     = "NotImplemented"
	ErrorCodeFormationViolation = "FormationViolation"
)

// TransportError wraps socket-level failures. Recoverable via reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ocpp: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallError is a CALLERROR returned by the peer.
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp: call error %s: %s", e.Code, e.Description)
}

// ProtocolError marks a malformed envelope, unknown action, or duplicate
// reply. The offending frame is dropped; the session may close with 1002.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ocpp: protocol violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ocpp: protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RejectedError means the peer accepted the frame but refused the request.
type RejectedError struct {
	Action string
	Status string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ocpp: %s rejected with status %s", e.Action, e.Status)
}
