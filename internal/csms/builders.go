package csms

import (
	"time"

	"voltfleet/internal/ocpp/protocol"
)

// PeakShavingProfile caps the whole charge point at maxW indefinitely:
// a ChargePointMaxProfile at stack level 0 with a single flat period.
func PeakShavingProfile(profileID int, maxW float64) protocol.ChargingProfile {
	start := protocol.NewDateTime(time.Now().UTC())
	return protocol.ChargingProfile{
		ChargingProfileID:      profileID,
		StackLevel:             0,
		ChargingProfilePurpose: protocol.PurposeChargePointMax,
		ChargingProfileKind:    protocol.KindAbsolute,
		ChargingSchedule: protocol.ChargingSchedule{
			ChargingRateUnit: protocol.UnitWatts,
			StartSchedule:    &start,
			ChargingSchedulePeriod: []protocol.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: maxW},
			},
		},
	}
}

// TimeOfUseProfile is a daily recurring TxDefaultProfile anchored at
// midnight UTC: off-peak limit until peakStartHour, the peak limit until
// peakEndHour, off-peak again for the rest of the day.
func TimeOfUseProfile(profileID int, offPeakW, peakW float64, peakStartHour, peakEndHour int) protocol.ChargingProfile {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	start := protocol.NewDateTime(midnight)
	duration := 86400
	return protocol.ChargingProfile{
		ChargingProfileID:      profileID,
		StackLevel:             0,
		ChargingProfilePurpose: protocol.PurposeTxDefault,
		ChargingProfileKind:    protocol.KindRecurring,
		RecurrencyKind:         protocol.RecurrencyDaily,
		ChargingSchedule: protocol.ChargingSchedule{
			ChargingRateUnit: protocol.UnitWatts,
			StartSchedule:    &start,
			Duration:         &duration,
			ChargingSchedulePeriod: []protocol.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: offPeakW},
				{StartPeriod: peakStartHour * 3600, Limit: peakW},
				{StartPeriod: peakEndHour * 3600, Limit: offPeakW},
			},
		},
	}
}

// EnergyCapProfile limits one transaction to powerW for durationSec
// seconds: a TxProfile that expires with its schedule. maxWh is recorded by
// the caller; the wire profile carries the power and duration bounds.
func EnergyCapProfile(profileID, transactionID int, durationSec int, powerW float64) protocol.ChargingProfile {
	start := protocol.NewDateTime(time.Now().UTC())
	duration := durationSec
	txID := transactionID
	return protocol.ChargingProfile{
		ChargingProfileID:      profileID,
		TransactionID:          &txID,
		StackLevel:             0,
		ChargingProfilePurpose: protocol.PurposeTx,
		ChargingProfileKind:    protocol.KindAbsolute,
		ChargingSchedule: protocol.ChargingSchedule{
			ChargingRateUnit: protocol.UnitWatts,
			StartSchedule:    &start,
			Duration:         &duration,
			ChargingSchedulePeriod: []protocol.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: powerW},
			},
		},
	}
}
