// Package smartcharging stores and resolves OCPP 1.6 charging profiles for
// one station: stacking, composite schedules, and the instantaneous power
// limit the meter loop obeys.
package smartcharging

import (
	"sort"
	"sync"
	"time"

	"voltfleet/internal/ocpp/protocol"
)

const (
	defaultVoltage = 230.0
	defaultPhases  = 3
)

type storedProfile struct {
	connectorID int
	installedAt time.Time
	profile     protocol.ChargingProfile
}

// ClearFilter selects profiles for removal. All set fields must match
// (AND semantics). A nil or zero ConnectorID spans every connector.
type ClearFilter struct {
	ProfileID   *int
	ConnectorID *int
	Purpose     string
	StackLevel  *int
}

// Manager owns the charging profiles of a single station. One write lock
// serializes CSMS-inbound mutations against reads from the meter loop.
type Manager struct {
	mu       sync.RWMutex
	voltage  float64
	profiles map[int][]*storedProfile
	now      func() time.Time
}

// NewManager returns an empty profile manager. voltage is the nominal
// supply voltage used for A to W conversion; zero or negative selects 230.
func NewManager(voltage float64) *Manager {
	if voltage <= 0 {
		voltage = defaultVoltage
	}
	return &Manager{
		voltage:  voltage,
		profiles: make(map[int][]*storedProfile),
		now:      time.Now,
	}
}

// SetProfile validates and stores a profile on the connector. A stored
// profile with the same (purpose, stackLevel) or the same profile id on
// that connector is replaced, per the OCPP stacking rule. Validation
// failure returns a *ValidationError and leaves state unchanged.
func (m *Manager) SetProfile(connectorID int, p protocol.ChargingProfile) error {
	if connectorID < 0 {
		return invalidf("connectorId must be non-negative, got %d", connectorID)
	}
	if err := validateProfile(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.profiles[connectorID][:0]
	for _, existing := range m.profiles[connectorID] {
		samePosition := existing.profile.ChargingProfilePurpose == p.ChargingProfilePurpose &&
			existing.profile.StackLevel == p.StackLevel
		sameID := existing.profile.ChargingProfileID == p.ChargingProfileID
		if samePosition || sameID {
			continue
		}
		kept = append(kept, existing)
	}

	m.profiles[connectorID] = append(kept, &storedProfile{
		connectorID: connectorID,
		installedAt: m.now(),
		profile:     p,
	})
	return nil
}

// ClearProfiles removes every stored profile matching the filter and
// returns the number removed.
func (m *Manager) ClearProfiles(f ClearFilter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for connectorID, list := range m.profiles {
		if f.ConnectorID != nil && *f.ConnectorID != 0 && *f.ConnectorID != connectorID {
			continue
		}
		kept := list[:0]
		for _, sp := range list {
			if matchesFilter(sp, f) {
				removed++
				continue
			}
			kept = append(kept, sp)
		}
		m.profiles[connectorID] = kept
	}
	return removed
}

func matchesFilter(sp *storedProfile, f ClearFilter) bool {
	if f.ProfileID != nil && sp.profile.ChargingProfileID != *f.ProfileID {
		return false
	}
	if f.Purpose != "" && sp.profile.ChargingProfilePurpose != f.Purpose {
		return false
	}
	if f.StackLevel != nil && sp.profile.StackLevel != *f.StackLevel {
		return false
	}
	return true
}

// CurrentLimit resolves the instantaneous limit in watts for the connector
// at now. transactionID 0 means no active transaction; txStart anchors
// Relative profiles and is ignored when zero. The limit is the minimum
// across per-purpose winners, where the winner within a purpose is the
// applicable profile with the lowest stackLevel that yields a limit.
func (m *Manager) CurrentLimit(connectorID, transactionID int, txStart, now time.Time) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLimit(connectorID, transactionID, txStart, now)
}

func (m *Manager) resolveLimit(connectorID, transactionID int, txStart, now time.Time) (float64, bool) {
	byPurpose := m.applicableByPurpose(connectorID, transactionID, now)

	found := false
	var min float64
	for _, candidates := range byPurpose {
		for _, sp := range candidates {
			limit, ok := m.limitAt(sp, now, txStart)
			if !ok {
				continue
			}
			if !found || limit < min {
				min = limit
				found = true
			}
			break // lowest applicable stackLevel wins within the purpose
		}
	}
	return min, found
}

// applicableByPurpose collects profiles visible to the connector (its own
// plus station-wide connector 0), filtered by validity window and
// transaction rules, sorted by ascending stackLevel with the more specific
// connector breaking ties.
func (m *Manager) applicableByPurpose(connectorID, transactionID int, now time.Time) map[string][]*storedProfile {
	var all []*storedProfile
	all = append(all, m.profiles[0]...)
	if connectorID != 0 {
		all = append(all, m.profiles[connectorID]...)
	}

	byPurpose := make(map[string][]*storedProfile)
	for _, sp := range all {
		if !m.applies(sp, transactionID, now) {
			continue
		}
		purpose := sp.profile.ChargingProfilePurpose
		byPurpose[purpose] = append(byPurpose[purpose], sp)
	}

	for _, candidates := range byPurpose {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].profile.StackLevel != candidates[j].profile.StackLevel {
				return candidates[i].profile.StackLevel < candidates[j].profile.StackLevel
			}
			return candidates[i].connectorID > candidates[j].connectorID
		})
	}
	return byPurpose
}

func (m *Manager) applies(sp *storedProfile, transactionID int, t time.Time) bool {
	p := sp.profile
	if p.ValidFrom != nil && t.Before(p.ValidFrom.Time) {
		return false
	}
	if p.ValidTo != nil && t.After(p.ValidTo.Time) {
		return false
	}
	if p.ChargingProfilePurpose == protocol.PurposeTx {
		if transactionID == 0 || p.TransactionID == nil || *p.TransactionID != transactionID {
			return false
		}
	}
	return true
}

// Count reports how many profiles are stored across all connectors.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, list := range m.profiles {
		n += len(list)
	}
	return n
}

// Profiles returns a copy of the profiles stored on the connector.
func (m *Manager) Profiles(connectorID int) []protocol.ChargingProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ChargingProfile, 0, len(m.profiles[connectorID]))
	for _, sp := range m.profiles[connectorID] {
		out = append(out, sp.profile)
	}
	return out
}
