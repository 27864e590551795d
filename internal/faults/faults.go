// Package faults injects protocol and connection failures into a running
// fleet for resilience testing.
package faults

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/csms"
	"voltfleet/internal/manager"
	"voltfleet/internal/ocpp"
)

const (
	maxEvents    = 100
	spoofTimeout = 5 * time.Second
)

// Event records one injection and its outcome.
type Event struct {
	Time      time.Time `json:"time"`
	StationID string    `json:"station_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Injector performs fault injections and keeps a bounded event log.
type Injector struct {
	logger  *zap.Logger
	csmsURL string // ws base, station id appended
	backend *csms.Backend
	fleet   *manager.Manager
	dialer  *websocket.Dialer
	now     func() time.Time

	mu     sync.Mutex
	events []Event
}

// NewInjector builds an injector against the CSMS endpoint and the fleet.
func NewInjector(csmsURL string, backend *csms.Backend, fleet *manager.Manager, logger *zap.Logger) *Injector {
	return &Injector{
		logger:  logger.With(zap.String("component", "faults")),
		csmsURL: csmsURL,
		backend: backend,
		fleet:   fleet,
		dialer: &websocket.Dialer{
			Subprotocols:     []string{"ocpp1.6"},
			HandshakeTimeout: spoofTimeout,
		},
		now: time.Now,
	}
}

func (i *Injector) record(ev Event) {
	ev.Time = i.now().UTC()

	i.mu.Lock()
	if len(i.events) == maxEvents {
		copy(i.events, i.events[1:])
		i.events = i.events[:maxEvents-1]
	}
	i.events = append(i.events, ev)
	i.mu.Unlock()

	i.logger.Info("fault injected",
		zap.String("kind", ev.Kind),
		zap.String("station_id", ev.StationID),
		zap.String("detail", ev.Detail),
		zap.String("error", ev.Error))
}

// Events returns a copy of the event log, newest last.
func (i *Injector) Events() []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Event, len(i.events))
	copy(out, i.events)
	return out
}

// SpoofCall connects a short-lived client under the station's id and issues
// a single CALL, recording the CSMS reply.
func (i *Injector) SpoofCall(ctx context.Context, stationID, action string, payload json.RawMessage) error {
	ev := Event{StationID: stationID, Kind: "spoof_call", Detail: action}

	reply, err := i.oneShot(ctx, stationID, func(conn *websocket.Conn) error {
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		frame, err := ocpp.BuildCall(ocpp.NewMessageID(), action, payload)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, frame)
	})
	if err != nil {
		ev.Error = err.Error()
		i.record(ev)
		return err
	}

	ev.Detail = fmt.Sprintf("%s -> %s", action, reply)
	i.record(ev)
	return nil
}

// SendMalformed connects a short-lived client under the station's id and
// writes a frame that is not OCPP. The CSMS is expected to close with 1002.
func (i *Injector) SendMalformed(ctx context.Context, stationID string) error {
	ev := Event{StationID: stationID, Kind: "send_malformed"}

	reply, err := i.oneShot(ctx, stationID, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, []byte("garbage frame, not ocpp"))
	})
	if err != nil {
		ev.Error = err.Error()
		i.record(ev)
		return err
	}

	ev.Detail = reply
	i.record(ev)
	return nil
}

// oneShot dials, runs write, and returns a description of what came back:
// the first frame, the close code, or the read error.
func (i *Injector) oneShot(ctx context.Context, stationID string, write func(*websocket.Conn) error) (string, error) {
	conn, _, err := i.dialer.DialContext(ctx, i.csmsURL+"/"+stationID, nil)
	if err != nil {
		return "", &ocpp.TransportError{Op: "spoof dial", Err: err}
	}
	defer conn.Close()

	if err := write(conn); err != nil {
		return "", &ocpp.TransportError{Op: "spoof write", Err: err}
	}

	_ = conn.SetReadDeadline(i.now().Add(spoofTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		// a close frame is a legitimate outcome of an injection
		if closeErr, ok := err.(*websocket.CloseError); ok {
			return fmt.Sprintf("closed with %d", closeErr.Code), nil
		}
		return "", err
	}
	return string(data), nil
}

// DropConnection closes the station's CSMS-side session.
func (i *Injector) DropConnection(stationID string) error {
	ev := Event{StationID: stationID, Kind: "drop_connection"}
	if !i.backend.DropStation(stationID) {
		ev.Error = "station not connected"
		i.record(ev)
		return ocpp.ErrStationDisconnected
	}
	ev.Detail = "session closed"
	i.record(ev)
	return nil
}

// AbortTransaction makes the station stop its active transaction with
// reason PowerLoss.
func (i *Injector) AbortTransaction(stationID string) error {
	ev := Event{StationID: stationID, Kind: "abort_transaction"}

	agent, ok := i.fleet.Agent(stationID)
	if !ok {
		ev.Error = manager.ErrUnknownStation.Error()
		i.record(ev)
		return manager.ErrUnknownStation
	}
	if !agent.AbortTransaction() {
		ev.Error = "no active transaction"
		i.record(ev)
		return fmt.Errorf("faults: no active transaction on %s", stationID)
	}
	ev.Detail = "stop requested (PowerLoss)"
	i.record(ev)
	return nil
}
