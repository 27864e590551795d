// Package station implements the charge-point side of the simulator: a
// per-station OCPP 1.6J WebSocket client with its lifecycle loop, pending
// call table, charging-profile manager, and bounded log buffer.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/smartcharging"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 60 * time.Second
	defaultBlockedRetry = 60 * time.Second
	stopGracePeriod     = 5 * time.Second
	sendBufferSize      = 16
)

// Config carries the immutable settings of one agent.
type Config struct {
	ID          string
	CSMSURL     string // base endpoint, station id is appended
	Profile     Profile
	ConnectorID int
	Voltage     float64

	CallTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	BlockedRetry time.Duration // retry window after a policy block
}

func (c *Config) applyDefaults() {
	if c.ConnectorID <= 0 {
		c.ConnectorID = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BlockedRetry <= 0 {
		c.BlockedRetry = defaultBlockedRetry
	}
}

// Snapshot is the introspection view consumed by the fleet manager.
type Snapshot struct {
	ID              string  `json:"id"`
	Profile         string  `json:"profile"`
	Running         bool    `json:"running"`
	Status          string  `json:"status"`
	UsageKW         float64 `json:"usage_kw"`
	EnergyKWh       float64 `json:"energy_kwh"`
	EnergyPercent   float64 `json:"energy_percent"`
	MaxEnergyKWh    float64 `json:"max_energy_kwh"`
	PriceThreshold  float64 `json:"price_threshold"`
	AllowPeak       bool    `json:"allow_peak"`
	OCPPControlMode string  `json:"ocpp_control_mode"`
	OCPPLimitW      float64 `json:"ocpp_limit_w,omitempty"`
}

// OCPP control modes reported on snapshots.
const (
	ControlModePolicy = "policy"
	ControlModeOCPP   = "ocpp"
)

type sessionState struct {
	transactionID int
	txStart       time.Time
	energyWh      float64
	lastStepWh    float64
	lastInterval  time.Duration
	status        string
	controlMode   string
	ocppLimitW    float64
}

// Agent is one simulated charge point. It owns exactly one WebSocket
// session at a time; reconnection opens a new session under the same id.
type Agent struct {
	cfg       Config
	logger    *zap.Logger
	profiles  *smartcharging.Manager
	pending   *ocpp.PendingCalls
	parser    *ocpp.Parser
	router    *ocpp.Router
	processor *ocpp.Processor
	ring      *LogRing

	price        atomic.Uint64 // float64 bits
	hbInterval   atomic.Int64  // seconds, adopted from BootNotification
	offlineUntil atomic.Int64  // unix nano, simulated outage window
	unavailable  atomic.Bool

	// test seams
	now      func() time.Time
	randIntN func(n int) int
	randF    func() float64
	dialer   *websocket.Dialer

	remoteStart chan string // id tag
	stopRequest chan string // StopTransaction reason

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	connMu     sync.Mutex
	conn       *websocket.Conn
	writeCh    chan []byte
	connCtx    context.Context
	connCancel context.CancelFunc

	stMu sync.RWMutex
	st   sessionState
}

// NewAgent builds an agent. Start must be called to connect.
func NewAgent(cfg Config, initialPrice float64, logger *zap.Logger) *Agent {
	cfg.applyDefaults()

	a := &Agent{
		cfg:      cfg,
		logger:   logger.With(zap.String("station_id", cfg.ID)),
		profiles: smartcharging.NewManager(cfg.Voltage),
		pending:  ocpp.NewPendingCalls(),
		parser:   ocpp.NewParser(),
		router:   ocpp.NewRouter(),
		ring:     NewLogRing(),
		now:      time.Now,
		randIntN: rand.Intn,
		randF:    rand.Float64,
		dialer: &websocket.Dialer{
			Subprotocols:     []string{"ocpp1.6"},
			HandshakeTimeout: 10 * time.Second,
		},
		remoteStart: make(chan string, 1),
		stopRequest: make(chan string, 1),
	}
	a.processor = ocpp.NewProcessor(a.router, a.logger)
	a.st.status = protocol.ConnectorAvailable
	a.st.controlMode = ControlModePolicy
	a.ApplyPrice(initialPrice)
	a.registerHandlers()
	a.ring.Append("Station initialized")
	a.ring.Append("SmartCharging profile manager initialized")
	return a
}

// ID returns the station identifier.
func (a *Agent) ID() string { return a.cfg.ID }

// Profile returns the behavior preset the agent runs with.
func (a *Agent) Profile() Profile { return a.cfg.Profile }

// Start launches the agent's connection and lifecycle tasks. Idempotent.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop cancels the lifecycle, finishes any in-flight transaction, and
// closes the socket with a clean close frame. Returns after the close
// handshake completes or the grace period elapses. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		a.logger.Warn("stop grace period elapsed before clean close")
	}
	a.ring.Append("Station shutting down")
}

// Running reports whether the agent's tasks are active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ApplyPrice atomically updates the agent's observed electricity price.
func (a *Agent) ApplyPrice(price float64) {
	a.price.Store(math.Float64bits(price))
}

// Price returns the last observed electricity price.
func (a *Agent) Price() float64 {
	return math.Float64frombits(a.price.Load())
}

// Logs returns a copy of the agent's log buffer, newest last.
func (a *Agent) Logs() []string {
	return a.ring.Entries()
}

// Profiles exposes the agent's charging-profile manager.
func (a *Agent) Profiles() *smartcharging.Manager {
	return a.profiles
}

// Snapshot returns the agent's introspection view.
func (a *Agent) Snapshot() Snapshot {
	a.stMu.RLock()
	st := a.st
	a.stMu.RUnlock()

	usageKW := 0.0
	if st.lastInterval > 0 {
		usageKW = st.lastStepWh / 1000 / st.lastInterval.Hours()
	}
	maxKWh := a.cfg.Profile.MaxEnergyKWh
	percent := 0.0
	if maxKWh > 0 {
		percent = st.energyWh / 10 / maxKWh // Wh / (kWh*1000) * 100
	}

	return Snapshot{
		ID:              a.cfg.ID,
		Profile:         a.cfg.Profile.Name,
		Running:         a.Running(),
		Status:          st.status,
		UsageKW:         usageKW,
		EnergyKWh:       st.energyWh / 1000,
		EnergyPercent:   percent,
		MaxEnergyKWh:    maxKWh,
		PriceThreshold:  a.cfg.Profile.ChargeIfPriceBelow,
		AllowPeak:       a.cfg.Profile.AllowPeak,
		OCPPControlMode: st.controlMode,
		OCPPLimitW:      st.ocppLimitW,
	}
}

// run is the outer connection loop: dial with exponential backoff, serve
// the session, reconnect on loss.
func (a *Agent) run(ctx context.Context) {
	defer close(a.done)

	attempt := 0
	for ctx.Err() == nil {
		if !a.waitOutOfflineWindow(ctx) {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := a.backoffDelay(attempt)
			attempt++
			a.logger.Warn("csms dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		a.serveSession(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, a.backoffDelay(0)) {
			return
		}
	}
}

// backoffDelay returns the reconnect delay for the attempt: base doubled
// per attempt, capped, with 20 percent jitter either way.
func (a *Agent) backoffDelay(attempt int) time.Duration {
	delay := a.cfg.BackoffBase << uint(min(attempt, 30))
	if delay > a.cfg.BackoffMax || delay <= 0 {
		delay = a.cfg.BackoffMax
	}
	jitter := 0.8 + 0.4*a.randF()
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > a.cfg.BackoffMax {
		jittered = a.cfg.BackoffMax
	}
	return jittered
}

func (a *Agent) waitOutOfflineWindow(ctx context.Context) bool {
	until := time.Unix(0, a.offlineUntil.Load())
	if wait := until.Sub(a.now()); wait > 0 {
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
	return true
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	url := a.cfg.CSMSURL + "/" + a.cfg.ID
	conn, _, err := a.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ocpp.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// serveSession runs the three per-session tasks: the read loop (this
// goroutine), the serialized writer, and the lifecycle loop. Returns when
// the socket dies or the context is cancelled.
//
// The session context is deliberately detached from the agent context:
// cancelling the agent first drains the graceful-stop sequence (stop the
// transaction, report Available, close 1000) and only then tears the
// session down.
func (a *Agent) serveSession(ctx context.Context, conn *websocket.Conn) {
	connCtx, connCancel := context.WithCancel(context.Background())
	writeCh := make(chan []byte, sendBufferSize)

	a.connMu.Lock()
	a.conn = conn
	a.writeCh = writeCh
	a.connCtx = connCtx
	a.connCancel = connCancel
	a.connMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.writePump(connCtx, conn, writeCh)
	}()
	go func() {
		defer wg.Done()
		a.lifecycle(connCtx)
	}()

	sessionOver := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.gracefulShutdown()
			connCancel()
			_ = conn.Close()
		case <-sessionOver:
		}
	}()

	a.readLoop(conn)

	close(sessionOver)
	connCancel()
	a.pending.FailAll(&ocpp.TransportError{Op: "read", Err: errors.New("session closed")})
	_ = conn.Close()
	wg.Wait()

	a.connMu.Lock()
	a.conn = nil
	a.writeCh = nil
	a.connMu.Unlock()
}

// gracefulShutdown closes out an in-flight transaction during Stop: it
// sends StopTransaction with reason HardReset and a final Available status
// within the stop grace period.
func (a *Agent) gracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	a.finishTransaction(ctx, protocol.ReasonHardReset)
}

// readLoop pulls frames off the socket, resolves pending calls, and
// dispatches inbound CALLs. A malformed frame closes the session with 1002.
func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Debug("read loop closed", zap.Error(err))
			return
		}

		msg, err := a.parser.Parse(data)
		if err != nil {
			a.logger.Warn("protocol violation, closing session", zap.Error(err))
			msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "malformed frame")
			_ = conn.WriteControl(websocket.CloseMessage, msg, a.now().Add(time.Second))
			return
		}

		switch msg.MessageType {
		case ocpp.MessageTypeCallResult:
			if _, ok := a.pending.Resolve(msg.UniqueID, msg.Payload); !ok {
				a.logger.Warn("unmatched call result dropped", zap.String("unique_id", msg.UniqueID))
			}
		case ocpp.MessageTypeCallError:
			callErr := &ocpp.CallError{
				Code:        msg.ErrorCode,
				Description: msg.ErrorDescription,
				Details:     msg.ErrorDetails,
			}
			if _, ok := a.pending.Fail(msg.UniqueID, callErr); !ok {
				a.logger.Warn("unmatched call error dropped", zap.String("unique_id", msg.UniqueID))
			}
		case ocpp.MessageTypeCall:
			a.handleInboundCall(msg)
		}
	}
}

func (a *Agent) handleInboundCall(msg *ocpp.Message) {
	reply, err := a.processor.Process(context.Background(), a.cfg.ID, msg)
	if err != nil {
		a.logger.Error("failed to build reply", zap.String("action", msg.Action), zap.Error(err))
		return
	}
	if err := a.enqueue(reply); err != nil {
		a.logger.Warn("failed to enqueue reply", zap.String("action", msg.Action), zap.Error(err))
	}
}

func (a *Agent) writePump(ctx context.Context, conn *websocket.Conn, writeCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, a.now().Add(time.Second))
			return
		case frame := <-writeCh:
			conn.SetWriteDeadline(a.now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				a.logger.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (a *Agent) enqueue(frame []byte) error {
	a.connMu.Lock()
	writeCh := a.writeCh
	connCtx := a.connCtx
	a.connMu.Unlock()

	if writeCh == nil {
		return &ocpp.TransportError{Op: "write", Err: errors.New("not connected")}
	}
	select {
	case writeCh <- frame:
		return nil
	case <-connCtx.Done():
		return &ocpp.TransportError{Op: "write", Err: connCtx.Err()}
	}
}

// call issues one OCPP CALL and waits for the matching reply, the per-call
// timeout, or cancellation.
func (a *Agent) call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	id := ocpp.NewMessageID()
	frame, err := ocpp.BuildCall(id, action, payload)
	if err != nil {
		return nil, err
	}

	outcome := a.pending.Add(id, action)
	if err := a.enqueue(frame); err != nil {
		a.pending.Fail(id, err)
		<-outcome
		return nil, err
	}

	timer := time.NewTimer(a.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case out := <-outcome:
		return out.Payload, out.Err
	case <-timer.C:
		a.pending.Fail(id, ocpp.ErrCallTimeout)
		return nil, ocpp.ErrCallTimeout
	case <-ctx.Done():
		a.pending.Fail(id, ocpp.ErrCancelled)
		return nil, ocpp.ErrCancelled
	}
}

// AbortTransaction asks the active session to stop with reason PowerLoss.
// Reports whether a transaction was active.
func (a *Agent) AbortTransaction() bool {
	txID, _, _ := a.sessionSnapshot()
	if txID == 0 {
		return false
	}
	select {
	case a.stopRequest <- protocol.ReasonPowerLoss:
		a.ring.Append("Transaction aborted (power loss)")
		return true
	default:
		return false
	}
}

// closeSession forces the current socket shut, letting run reconnect.
func (a *Agent) closeSession() {
	a.connMu.Lock()
	cancel := a.connCancel
	conn := a.conn
	a.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (a *Agent) setStatusField(status string) {
	a.stMu.Lock()
	a.st.status = status
	a.stMu.Unlock()
}

func (a *Agent) sessionSnapshot() (txID int, txStart time.Time, energyWh float64) {
	a.stMu.RLock()
	defer a.stMu.RUnlock()
	return a.st.transactionID, a.st.txStart, a.st.energyWh
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
