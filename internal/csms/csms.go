// Package csms implements the central system: the WebSocket endpoint
// stations connect to, inbound OCPP handlers, and a facade for issuing
// server-originated smart charging calls.
package csms

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltfleet/internal/ocpp"
	"voltfleet/internal/ocpp/protocol"
	"voltfleet/internal/smartcharging"
	"voltfleet/internal/storage"
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultCallTimeout       = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// Config carries the central system settings.
type Config struct {
	HeartbeatInterval time.Duration // advertised in BootNotification responses
	CallTimeout       time.Duration // per server-originated call
	WriteTimeout      time.Duration
	AllowReplace      bool     // new connection for a connected id replaces the old
	BlockedIDTags     []string // Authorize returns Blocked for these
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

type openTransaction struct {
	stationID   string
	connectorID int
	idTag       string
	meterStart  int
	startedAt   time.Time
}

// MeterAggregate is the per-station meter view kept from MeterValues.
type MeterAggregate struct {
	LastWh  int `json:"last_wh"`
	Samples int `json:"samples"`
}

// Backend is the central system.
type Backend struct {
	cfg       Config
	logger    *zap.Logger
	store     storage.Store
	registry  *Registry
	router    *ocpp.Router
	processor *ocpp.Processor
	parser    *ocpp.Parser
	upgrader  websocket.Upgrader
	blocked   map[string]struct{}
	nextTx    atomic.Int64
	now       func() time.Time

	txMu sync.Mutex
	open map[int]*openTransaction

	stateMu  sync.RWMutex
	statuses map[string]map[int]string
	meters   map[string]*MeterAggregate
}

// NewBackend builds the central system around a history store.
func NewBackend(cfg Config, store storage.Store, logger *zap.Logger) *Backend {
	cfg.applyDefaults()

	b := &Backend{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "csms")),
		store:    store,
		registry: NewRegistry(),
		router:   ocpp.NewRouter(),
		parser:   ocpp.NewParser(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"ocpp1.6"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		blocked:  make(map[string]struct{}, len(cfg.BlockedIDTags)),
		now:      time.Now,
		open:     make(map[int]*openTransaction),
		statuses: make(map[string]map[int]string),
		meters:   make(map[string]*MeterAggregate),
	}
	for _, tag := range cfg.BlockedIDTags {
		b.blocked[tag] = struct{}{}
	}
	b.processor = ocpp.NewProcessor(b.router, b.logger)
	b.registerHandlers()
	return b
}

// ConnectedStations lists currently connected station ids.
func (b *Backend) ConnectedStations() []string {
	return b.registry.IDs()
}

// ConnectorStatuses returns the latest reported status per connector.
func (b *Backend) ConnectorStatuses(stationID string) map[int]string {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	out := make(map[int]string, len(b.statuses[stationID]))
	for k, v := range b.statuses[stationID] {
		out[k] = v
	}
	return out
}

// Meters returns the station's meter aggregate.
func (b *Backend) Meters(stationID string) (MeterAggregate, bool) {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	agg, ok := b.meters[stationID]
	if !ok {
		return MeterAggregate{}, false
	}
	return *agg, true
}

// DropStation force-closes a station's session. Reports whether a session
// was connected.
func (b *Backend) DropStation(stationID string) bool {
	s := b.registry.Get(stationID)
	if s == nil {
		return false
	}
	s.closeWithCode(websocket.CloseGoingAway, "dropped by operator")
	return true
}

// Call issues one server-originated CALL to a connected station. Calls to
// the same station are serialized; an unknown station fails immediately.
func (b *Backend) Call(ctx context.Context, stationID, action string, payload interface{}) (json.RawMessage, error) {
	s := b.registry.Get(stationID)
	if s == nil {
		return nil, ocpp.ErrStationDisconnected
	}
	return s.call(ctx, action, payload)
}

// SendChargingProfile validates and installs a profile on a station,
// returning the station's verdict.
func (b *Backend) SendChargingProfile(ctx context.Context, stationID string, connectorID int, profile protocol.ChargingProfile) (string, error) {
	if err := smartcharging.Validate(profile); err != nil {
		return "", err
	}

	raw, err := b.Call(ctx, stationID, protocol.ActionSetChargingProfile, protocol.SetChargingProfileRequest{
		ConnectorID:        connectorID,
		CsChargingProfiles: profile,
	})
	if err != nil {
		return "", err
	}
	resp, err := ocpp.Decode[protocol.SetChargingProfileResponse](raw)
	if err != nil {
		return "", err
	}
	b.logger.Info("charging profile sent",
		zap.String("station_id", stationID),
		zap.Int("profile_id", profile.ChargingProfileID),
		zap.String("status", resp.Status))
	return resp.Status, nil
}

// GetCompositeSchedule asks a station for its merged limit curve.
func (b *Backend) GetCompositeSchedule(ctx context.Context, stationID string, connectorID, durationSec int, unit string) (protocol.GetCompositeScheduleResponse, error) {
	raw, err := b.Call(ctx, stationID, protocol.ActionGetCompositeSchedule, protocol.GetCompositeScheduleRequest{
		ConnectorID:      connectorID,
		Duration:         durationSec,
		ChargingRateUnit: unit,
	})
	if err != nil {
		return protocol.GetCompositeScheduleResponse{}, err
	}
	return ocpp.Decode[protocol.GetCompositeScheduleResponse](raw)
}

// ClearChargingProfile removes profiles matching the filter on a station.
func (b *Backend) ClearChargingProfile(ctx context.Context, stationID string, filter protocol.ClearChargingProfileRequest) (string, error) {
	raw, err := b.Call(ctx, stationID, protocol.ActionClearChargingProfile, filter)
	if err != nil {
		return "", err
	}
	resp, err := ocpp.Decode[protocol.ClearChargingProfileResponse](raw)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
