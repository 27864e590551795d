package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// HandlerFunc processes a CALL payload and returns the response body.
type HandlerFunc func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error)

var errUnknownAction = errors.New("ocpp: unknown action")

// Router dispatches OCPP actions to handlers. The table is built once at
// initialization and read-only afterwards.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register attaches handler to action.
func (r *Router) Register(action string, handler HandlerFunc) {
	r.handlers[action] = handler
}

// Route executes handler for message.
func (r *Router) Route(ctx context.Context, stationID string, msg *Message) (interface{}, error) {
	handler, ok := r.handlers[msg.Action]
	if !ok {
		return nil, fmt.Errorf("%w %s", errUnknownAction, msg.Action)
	}
	return handler(ctx, stationID, msg.Payload)
}

// Processor routes parsed CALL frames and encodes the reply frame.
type Processor struct {
	router *Router
	logger *zap.Logger
}

// NewProcessor builds Processor.
func NewProcessor(router *Router, logger *zap.Logger) *Processor {
	return &Processor{router: router, logger: logger}
}

// Process handles one inbound CALL and returns the CALLRESULT or CALLERROR
// frame to send back. Handler failures become CALLERRORs, never a dropped
// reply.
func (p *Processor) Process(ctx context.Context, stationID string, msg *Message) ([]byte, error) {
	responsePayload, err := p.router.Route(ctx, stationID, msg)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("ocpp handler failed",
				zap.String("station_id", stationID),
				zap.String("action", msg.Action),
				zap.Error(err))
		}
		if errors.Is(err, errUnknownAction) {
			return BuildCallError(msg.UniqueID, ErrorCodeNotImplemented, err.Error())
		}
		return BuildCallError(msg.UniqueID, ErrorCodeInternalError, err.Error())
	}

	respBytes, err := BuildCallResult(msg.UniqueID, responsePayload)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("encode ocpp response failed", zap.Error(err))
		}
		return nil, err
	}

	return respBytes, nil
}
