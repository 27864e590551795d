package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType values as per OCPP 1.6J.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// newMessageID generates unique ids for outgoing CALLs. Tests may override it.
var newMessageID = func() string {
	return uuid.NewString()
}

// NewMessageID returns a fresh unique id for an outgoing CALL.
func NewMessageID() string {
	return newMessageID()
}

// Message represents a parsed OCPP frame of any of the three envelope shapes.
type Message struct {
	MessageType      int
	UniqueID         string
	Action           string          // CALL only
	Payload          json.RawMessage // CALL and CALLRESULT
	ErrorCode        string          // CALLERROR only
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Parser decodes raw JSON OCPP frames.
type Parser struct{}

// NewParser returns parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes []byte into Message struct. A frame that is not a valid
// envelope yields a *ProtocolError.
func (p *Parser) Parse(data []byte) (*Message, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		return nil, &ProtocolError{Reason: "not a JSON array", Err: err}
	}

	if len(array) < 3 {
		return nil, &ProtocolError{Reason: "frame too short"}
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, &ProtocolError{Reason: "non-numeric message type", Err: err}
	}

	msg := &Message{MessageType: msgType}
	if err := json.Unmarshal(array[1], &msg.UniqueID); err != nil {
		return nil, &ProtocolError{Reason: "unreadable unique id", Err: err}
	}

	switch msgType {
	case MessageTypeCall:
		if len(array) < 4 {
			return nil, &ProtocolError{Reason: "incomplete CALL frame"}
		}
		if err := json.Unmarshal(array[2], &msg.Action); err != nil {
			return nil, &ProtocolError{Reason: "unreadable action", Err: err}
		}
		msg.Payload = array[3]
	case MessageTypeCallResult:
		msg.Payload = array[2]
	case MessageTypeCallError:
		if len(array) < 5 {
			return nil, &ProtocolError{Reason: "incomplete CALLERROR frame"}
		}
		if err := json.Unmarshal(array[2], &msg.ErrorCode); err != nil {
			return nil, &ProtocolError{Reason: "unreadable error code", Err: err}
		}
		if err := json.Unmarshal(array[3], &msg.ErrorDescription); err != nil {
			return nil, &ProtocolError{Reason: "unreadable error description", Err: err}
		}
		msg.ErrorDetails = array[4]
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported message type %d", msgType)}
	}

	return msg, nil
}

// BuildCall builds a CALL frame.
func BuildCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{MessageTypeCall, uniqueID, action, json.RawMessage(body)}
	return json.Marshal(frame)
}

// BuildCallResult builds standard CALLRESULT payload.
func BuildCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := []interface{}{MessageTypeCallResult, uniqueID, json.RawMessage(body)}
	return json.Marshal(frame)
}

// BuildCallError builds CALLERROR payload.
func BuildCallError(uniqueID, code, description string) ([]byte, error) {
	frame := []interface{}{MessageTypeCallError, uniqueID, code, description, map[string]string{}}
	return json.Marshal(frame)
}

// Decode convenience helper for handlers.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if len(payload) == 0 {
		return target, errors.New("ocpp: empty payload")
	}
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
