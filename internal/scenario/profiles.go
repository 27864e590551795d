package scenario

import (
	"fmt"

	"voltfleet/internal/csms"
	"voltfleet/internal/ocpp/protocol"
)

// Profile ids used by scripted steps, matching the control API scenarios.
const (
	peakShavingProfileID = 1
	timeOfUseProfileID   = 2
	energyCapProfileID   = 3
)

func buildProfile(step Step) (protocol.ChargingProfile, error) {
	switch step.Scenario {
	case "peak_shaving":
		if step.MaxPowerW <= 0 {
			return protocol.ChargingProfile{}, fmt.Errorf("peak_shaving needs max_power_w")
		}
		return csms.PeakShavingProfile(peakShavingProfileID, step.MaxPowerW), nil
	case "time_of_use":
		if step.OffPeakW <= 0 || step.PeakW <= 0 {
			return protocol.ChargingProfile{}, fmt.Errorf("time_of_use needs off_peak_w and peak_w")
		}
		return csms.TimeOfUseProfile(timeOfUseProfileID, step.OffPeakW, step.PeakW, step.PeakStartHour, step.PeakEndHour), nil
	case "energy_cap":
		if step.TransactionID == 0 || step.PowerLimitW <= 0 {
			return protocol.ChargingProfile{}, fmt.Errorf("energy_cap needs transaction_id and power_limit_w")
		}
		return csms.EnergyCapProfile(energyCapProfileID, step.TransactionID, step.DurationSecs, step.PowerLimitW), nil
	}
	return protocol.ChargingProfile{}, fmt.Errorf("unknown profile scenario %q", step.Scenario)
}

func protocolClearFilter(step Step) protocol.ClearChargingProfileRequest {
	var filter protocol.ClearChargingProfileRequest
	if step.ProfileID != 0 {
		id := step.ProfileID
		filter.ID = &id
	}
	if step.ConnectorID != 0 {
		c := step.ConnectorID
		filter.ConnectorID = &c
	}
	return filter
}
