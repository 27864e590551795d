// Package manager owns the simulated fleet: the registry of station agents,
// fleet-wide operations, and the process-wide electricity price.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voltfleet/internal/station"
)

// ErrUnknownStation marks operations on ids the fleet does not have.
var ErrUnknownStation = errors.New("manager: unknown station")

const (
	defaultIDPrefix  = "PY-SIM-"
	startConcurrency = 10
	startStagger     = 100 * time.Millisecond
)

// Totals is the fleet-wide energy and earnings view.
type Totals struct {
	Stations       int     `json:"stations"`
	Running        int     `json:"running"`
	TotalEnergyKWh float64 `json:"total_energy_kwh"`
	TotalEarnings  float64 `json:"total_earnings"`
	Price          float64 `json:"price"`
}

// Manager is the fleet registry.
type Manager struct {
	logger   *zap.Logger
	csmsURL  string
	voltage  float64
	idPrefix string
	price    atomic.Uint64 // float64 bits

	mu     sync.RWMutex
	agents map[string]*station.Agent
}

// New builds an empty fleet pointed at the CSMS endpoint.
func New(csmsURL string, voltage, initialPrice float64, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.With(zap.String("component", "manager")),
		csmsURL:  csmsURL,
		voltage:  voltage,
		idPrefix: defaultIDPrefix,
		agents:   make(map[string]*station.Agent),
	}
	m.price.Store(math.Float64bits(initialPrice))
	return m
}

// SetStationPrefix changes the prefix for allocated station ids. Must be
// called before the first Scale; existing ids keep their names.
func (m *Manager) SetStationPrefix(prefix string) {
	if prefix == "" {
		return
	}
	m.mu.Lock()
	m.idPrefix = prefix
	m.mu.Unlock()
}

// Price returns the current fleet electricity price.
func (m *Manager) Price() float64 {
	return math.Float64frombits(m.price.Load())
}

// SetPrice updates the fleet price and fans it out to every agent. A
// non-positive or NaN price is rejected.
func (m *Manager) SetPrice(price float64) error {
	if math.IsNaN(price) || price <= 0 {
		return fmt.Errorf("manager: invalid price %v", price)
	}
	m.price.Store(math.Float64bits(price))

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		a.ApplyPrice(price)
	}
	m.logger.Info("price updated", zap.Float64("price", price), zap.Int("stations", len(m.agents)))
	return nil
}

// newAgent builds an agent for the slot without starting it.
func (m *Manager) newAgent(id string, profile station.Profile) *station.Agent {
	return station.NewAgent(station.Config{
		ID:      id,
		CSMSURL: m.csmsURL,
		Profile: profile,
		Voltage: m.voltage,
	}, m.Price(), m.logger)
}

// Scale adjusts the fleet to n stations with the given behavior preset.
// New ids fill the smallest unused slots; shrinking removes the highest ids
// first. Returns the resulting id list.
func (m *Manager) Scale(ctx context.Context, n int, profileName string) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("manager: negative station count %d", n)
	}
	profile, err := station.PresetByName(profileName)
	if err != nil {
		return nil, err
	}

	var added, removed []*station.Agent
	m.mu.Lock()
	for len(m.agents) < n {
		id := m.unusedIDLocked()
		a := m.newAgent(id, profile)
		m.agents[id] = a
		added = append(added, a)
	}
	if len(m.agents) > n {
		ids := sortedIDs(m.agents)
		for _, id := range ids[n:] {
			removed = append(removed, m.agents[id])
			delete(m.agents, id)
		}
	}
	ids := sortedIDs(m.agents)
	m.mu.Unlock()

	for _, a := range removed {
		a.Stop()
	}
	if err := m.startStaggered(ctx, added); err != nil {
		return ids, err
	}

	m.logger.Info("fleet scaled",
		zap.Int("target", n),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)))
	return ids, nil
}

// unusedIDLocked returns the smallest free id slot.
func (m *Manager) unusedIDLocked() string {
	for i := 1; ; i++ {
		id := fmt.Sprintf("%s%04d", m.idPrefix, i)
		if _, taken := m.agents[id]; !taken {
			return id
		}
	}
}

func sortedIDs(agents map[string]*station.Agent) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// startStaggered starts agents a few at a time so a big fleet does not
// stampede the CSMS.
func (m *Manager) startStaggered(ctx context.Context, agents []*station.Agent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for i, a := range agents {
		a := a
		delay := time.Duration(i%startConcurrency) * startStagger
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			a.Start()
			return nil
		})
	}
	return g.Wait()
}

// StartStation starts the station, creating it with the preset when absent.
// Idempotent for running stations.
func (m *Manager) StartStation(_ context.Context, id, profileName string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		profile, err := station.PresetByName(profileName)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		a = m.newAgent(id, profile)
		m.agents[id] = a
	}
	m.mu.Unlock()

	a.Start()
	return nil
}

// StopStation stops the station's tasks. The agent stays registered so it
// can be restarted. Idempotent for stopped stations.
func (m *Manager) StopStation(_ context.Context, id string) error {
	m.mu.RLock()
	a, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownStation
	}
	a.Stop()
	return nil
}

// StartAll starts every stopped station, returning how many were started.
func (m *Manager) StartAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	var stopped []*station.Agent
	for _, a := range m.agents {
		if !a.Running() {
			stopped = append(stopped, a)
		}
	}
	m.mu.RUnlock()

	if err := m.startStaggered(ctx, stopped); err != nil {
		return 0, err
	}
	return len(stopped), nil
}

// StopAll stops every running station, returning how many were stopped.
func (m *Manager) StopAll(ctx context.Context) (int, error) {
	m.mu.RLock()
	var running []*station.Agent
	for _, a := range m.agents {
		if a.Running() {
			running = append(running, a)
		}
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for _, a := range running {
		a := a
		g.Go(func() error {
			a.Stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(running), nil
}

// Agent returns the agent for the id.
func (m *Manager) Agent(id string) (*station.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Snapshots returns every station's view, ordered by id.
func (m *Manager) Snapshots() []station.Snapshot {
	m.mu.RLock()
	ids := sortedIDs(m.agents)
	out := make([]station.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.agents[id].Snapshot())
	}
	m.mu.RUnlock()
	return out
}

// StationLogs returns a copy of the station's log ring.
func (m *Manager) StationLogs(id string) ([]string, error) {
	m.mu.RLock()
	a, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownStation
	}
	return a.Logs(), nil
}

// Totals aggregates session energy and earnings at the current price.
// Money math runs on decimals, never floats.
func (m *Manager) Totals() Totals {
	price := decimal.NewFromFloat(m.Price())
	energy := decimal.Zero
	running := 0

	snapshots := m.Snapshots()
	for _, snap := range snapshots {
		energy = energy.Add(decimal.NewFromFloat(snap.EnergyKWh))
		if snap.Running {
			running++
		}
	}
	earnings := energy.Mul(price).Round(2)

	return Totals{
		Stations:       len(snapshots),
		Running:        running,
		TotalEnergyKWh: energy.InexactFloat64(),
		TotalEarnings:  earnings.InexactFloat64(),
		Price:          m.Price(),
	}
}

// Shutdown stops the whole fleet and waits for clean closes.
func (m *Manager) Shutdown(ctx context.Context) {
	count, err := m.StopAll(ctx)
	if err != nil {
		m.logger.Warn("fleet shutdown incomplete", zap.Error(err))
	}
	m.logger.Info("fleet stopped", zap.Int("stations", count))
}
