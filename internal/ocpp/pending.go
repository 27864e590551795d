package ocpp

import (
	"encoding/json"
	"sync"
)

// Outcome is the terminal result of an in-flight CALL.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

type pendingCall struct {
	action string
	done   chan Outcome
}

// PendingCalls correlates outgoing CALLs with their replies. Entries are
// removed on matching reply, call-error, or timeout.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

// NewPendingCalls returns an empty table.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]*pendingCall)}
}

// Add registers an in-flight CALL and returns the channel its outcome will
// be delivered on. The channel is buffered; resolvers never block.
func (p *PendingCalls) Add(uniqueID, action string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	p.mu.Lock()
	p.calls[uniqueID] = &pendingCall{action: action, done: ch}
	p.mu.Unlock()
	return ch
}

// Resolve completes a pending CALL with a CALLRESULT payload. Returns the
// action name and false when no call with that id is in flight.
func (p *PendingCalls) Resolve(uniqueID string, payload json.RawMessage) (string, bool) {
	return p.complete(uniqueID, Outcome{Payload: payload})
}

// Fail completes a pending CALL with an error.
func (p *PendingCalls) Fail(uniqueID string, err error) (string, bool) {
	return p.complete(uniqueID, Outcome{Err: err})
}

func (p *PendingCalls) complete(uniqueID string, out Outcome) (string, bool) {
	p.mu.Lock()
	call, ok := p.calls[uniqueID]
	if ok {
		delete(p.calls, uniqueID)
	}
	p.mu.Unlock()

	if !ok {
		return "", false
	}
	call.done <- out
	return call.action, true
}

// FailAll completes every pending CALL with err. Used on disconnect.
func (p *PendingCalls) FailAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.done <- Outcome{Err: err}
	}
}

// Len reports the number of in-flight CALLs.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
