package smartcharging

import (
	"sort"
	"time"

	"voltfleet/internal/ocpp/protocol"
)

const (
	secondsPerDay  = 86400
	secondsPerWeek = 604800
)

// scheduleAnchor resolves the instant a profile's period offsets count from.
// Returns false when the profile cannot be anchored at t (a Relative profile
// outside a transaction).
func (m *Manager) scheduleAnchor(sp *storedProfile, t, txStart time.Time) (time.Time, bool) {
	p := sp.profile
	switch p.ChargingProfileKind {
	case protocol.KindAbsolute:
		if p.ChargingSchedule.StartSchedule != nil {
			return p.ChargingSchedule.StartSchedule.Time, true
		}
		return sp.installedAt, true
	case protocol.KindRecurring:
		if p.RecurrencyKind == protocol.RecurrencyWeekly {
			return startOfWeek(t), true
		}
		return startOfDay(t), true
	case protocol.KindRelative:
		if txStart.IsZero() {
			return time.Time{}, false
		}
		return txStart, true
	}
	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns Monday 00:00 of the week containing t.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return day.AddDate(0, 0, -(weekday - 1))
}

// limitAt evaluates a single profile's schedule at t and returns the limit in
// watts. The active period is the last one whose startPeriod has elapsed.
func (m *Manager) limitAt(sp *storedProfile, t, txStart time.Time) (float64, bool) {
	anchor, ok := m.scheduleAnchor(sp, t, txStart)
	if !ok {
		return 0, false
	}

	elapsed := t.Sub(anchor).Seconds()
	if elapsed < 0 {
		return 0, false
	}

	schedule := sp.profile.ChargingSchedule
	if schedule.Duration != nil && elapsed > float64(*schedule.Duration) {
		return 0, false
	}

	var active *protocol.ChargingSchedulePeriod
	for i := range schedule.ChargingSchedulePeriod {
		period := &schedule.ChargingSchedulePeriod[i]
		if float64(period.StartPeriod) <= elapsed {
			active = period
		} else {
			break
		}
	}
	if active == nil {
		return 0, false
	}

	return m.toWatts(schedule.ChargingRateUnit, active.Limit, active.NumberPhases), true
}

func (m *Manager) toWatts(unit string, limit float64, numberPhases *int) float64 {
	if unit != protocol.UnitAmps {
		return limit
	}
	phases := defaultPhases
	if numberPhases != nil && *numberPhases > 0 {
		phases = *numberPhases
	}
	return limit * m.voltage * float64(phases)
}

func (m *Manager) fromWatts(unit string, watts float64) float64 {
	if unit != protocol.UnitAmps {
		return watts
	}
	return watts / (m.voltage * float64(defaultPhases))
}

// CompositeSchedule merges every applicable profile into one step function
// over [now, now+duration). Breakpoints are the union of period boundaries,
// validity edges, and schedule expiries from all applicable profiles;
// consecutive equal limits collapse into a single period. The result is
// empty when no profile yields a limit anywhere in the window.
func (m *Manager) CompositeSchedule(connectorID, transactionID int, txStart, now time.Time, duration time.Duration, unit string) []protocol.ChargingSchedulePeriod {
	m.mu.RLock()
	defer m.mu.RUnlock()

	windowSec := int(duration.Seconds())
	if windowSec <= 0 {
		return nil
	}

	offsets := m.breakpoints(connectorID, transactionID, txStart, now, windowSec)

	var periods []protocol.ChargingSchedulePeriod
	haveLast := false
	var lastLimit float64
	for _, offset := range offsets {
		t := now.Add(time.Duration(offset) * time.Second)
		watts, ok := m.resolveLimit(connectorID, transactionID, txStart, t)
		if !ok {
			haveLast = false
			continue
		}
		limit := m.fromWatts(unit, watts)
		if haveLast && limit == lastLimit {
			continue
		}
		periods = append(periods, protocol.ChargingSchedulePeriod{StartPeriod: offset, Limit: limit})
		lastLimit = limit
		haveLast = true
	}
	return periods
}

// breakpoints collects every distinct second offset in [0, windowSec) where
// the merged limit can change.
func (m *Manager) breakpoints(connectorID, transactionID int, txStart, now time.Time, windowSec int) []int {
	seen := map[int]struct{}{0: {}}
	add := func(offset int) {
		if offset >= 0 && offset < windowSec {
			seen[offset] = struct{}{}
		}
	}
	addInstant := func(t time.Time) {
		add(int(t.Sub(now).Seconds()))
	}

	var all []*storedProfile
	all = append(all, m.profiles[0]...)
	if connectorID != 0 {
		all = append(all, m.profiles[connectorID]...)
	}

	for _, sp := range all {
		p := sp.profile
		if p.ValidFrom != nil {
			addInstant(p.ValidFrom.Time)
		}
		if p.ValidTo != nil {
			// the limit changes just past the validity edge
			addInstant(p.ValidTo.Time.Add(time.Second))
		}

		anchor, ok := m.scheduleAnchor(sp, now, txStart)
		if !ok {
			continue
		}

		repeat := 0
		switch {
		case p.ChargingProfileKind == protocol.KindRecurring && p.RecurrencyKind == protocol.RecurrencyWeekly:
			repeat = secondsPerWeek
		case p.ChargingProfileKind == protocol.KindRecurring:
			repeat = secondsPerDay
		}

		for cycle := 0; ; cycle++ {
			base := int(anchor.Sub(now).Seconds()) + cycle*repeat
			for _, period := range p.ChargingSchedule.ChargingSchedulePeriod {
				add(base + period.StartPeriod)
			}
			if p.ChargingSchedule.Duration != nil {
				add(base + *p.ChargingSchedule.Duration + 1)
			}
			if repeat == 0 || base+repeat >= windowSec {
				break
			}
		}
	}

	offsets := make([]int, 0, len(seen))
	for offset := range seen {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)
	return offsets
}
