package csms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
)

const sessionSendBuffer = 16

// session is one connected station. The read pump runs on the accepting
// goroutine; writes are serialized through the send channel.
type session struct {
	stationID    string
	conn         *websocket.Conn
	send         chan []byte
	pending      *ocpp.PendingCalls
	backend      *Backend
	logger       *zap.Logger
	callTimeout  time.Duration
	writeTimeout time.Duration

	// one server-originated call in flight per station
	callMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(b *Backend, stationID string, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		stationID:    stationID,
		conn:         conn,
		send:         make(chan []byte, sessionSendBuffer),
		pending:      ocpp.NewPendingCalls(),
		backend:      b,
		logger:       b.logger.With(zap.String("station_id", stationID)),
		callTimeout:  b.cfg.CallTimeout,
		writeTimeout: b.cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// run serves the session until the socket dies.
func (s *session) run() {
	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	defer s.cleanup()
	s.conn.SetReadLimit(1024 * 1024)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("station read closed", zap.Error(err))
			return
		}

		msg, err := s.backend.parser.Parse(data)
		if err != nil {
			s.logger.Warn("protocol violation, closing session", zap.Error(err))
			frame := websocket.FormatCloseMessage(websocket.CloseProtocolError, "malformed frame")
			_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
			return
		}

		switch msg.MessageType {
		case ocpp.MessageTypeCall:
			reply, err := s.backend.processor.Process(s.ctx, s.stationID, msg)
			if err != nil {
				s.logger.Warn("failed to process call",
					zap.String("action", msg.Action), zap.Error(err))
				continue
			}
			s.enqueue(reply)
		case ocpp.MessageTypeCallResult:
			if _, ok := s.pending.Resolve(msg.UniqueID, msg.Payload); !ok {
				s.logger.Warn("unmatched call result dropped", zap.String("unique_id", msg.UniqueID))
			}
		case ocpp.MessageTypeCallError:
			callErr := &ocpp.CallError{
				Code:        msg.ErrorCode,
				Description: msg.ErrorDescription,
				Details:     msg.ErrorDetails,
			}
			if _, ok := s.pending.Fail(msg.UniqueID, callErr); !ok {
				s.logger.Warn("unmatched call error dropped", zap.String("unique_id", msg.UniqueID))
			}
		}
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.ctx.Done():
	}
}

// call issues one CALL to the station and waits for the matching reply.
func (s *session) call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	id := ocpp.NewMessageID()
	frame, err := ocpp.BuildCall(id, action, payload)
	if err != nil {
		return nil, err
	}

	outcome := s.pending.Add(id, action)
	s.enqueue(frame)

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		return out.Payload, out.Err
	case <-timer.C:
		s.pending.Fail(id, ocpp.ErrCallTimeout)
		return nil, ocpp.ErrCallTimeout
	case <-ctx.Done():
		s.pending.Fail(id, ocpp.ErrCancelled)
		return nil, ocpp.ErrCancelled
	case <-s.ctx.Done():
		s.pending.Fail(id, ocpp.ErrStationDisconnected)
		return nil, ocpp.ErrStationDisconnected
	}
}

// closeWithCode sends a close frame and tears the session down.
func (s *session) closeWithCode(code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	s.cleanup()
}

func (s *session) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		s.pending.FailAll(ocpp.ErrStationDisconnected)
		s.backend.registry.Remove(s)
		s.logger.Info("station disconnected")
	})
}
