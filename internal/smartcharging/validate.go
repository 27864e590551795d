package smartcharging

import (
	"fmt"

	"voltfleet/internal/ocpp/protocol"
)

// ValidationError marks a structurally invalid profile or filter. The
// request is rejected before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("smartcharging: %s", e.Reason)
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a profile against OCPP 1.6 structural rules without
// installing it. Used by callers that reject bad profiles before sending.
func Validate(p protocol.ChargingProfile) error {
	return validateProfile(p)
}

// validateProfile checks a profile against OCPP 1.6 structural rules.
func validateProfile(p protocol.ChargingProfile) error {
	if p.ChargingProfileID <= 0 {
		return invalidf("chargingProfileId must be positive, got %d", p.ChargingProfileID)
	}
	if p.StackLevel < 0 {
		return invalidf("stackLevel must be non-negative, got %d", p.StackLevel)
	}

	switch p.ChargingProfilePurpose {
	case protocol.PurposeChargePointMax, protocol.PurposeTxDefault, protocol.PurposeTx:
	default:
		return invalidf("unknown chargingProfilePurpose %q", p.ChargingProfilePurpose)
	}

	switch p.ChargingProfileKind {
	case protocol.KindAbsolute, protocol.KindRecurring, protocol.KindRelative:
	default:
		return invalidf("unknown chargingProfileKind %q", p.ChargingProfileKind)
	}

	switch p.ChargingSchedule.ChargingRateUnit {
	case protocol.UnitWatts, protocol.UnitAmps:
	default:
		return invalidf("unknown chargingRateUnit %q", p.ChargingSchedule.ChargingRateUnit)
	}

	periods := p.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		return invalidf("chargingSchedulePeriod array cannot be empty")
	}
	if periods[0].StartPeriod < 0 {
		return invalidf("startPeriod must be non-negative, got %d", periods[0].StartPeriod)
	}
	for i := 1; i < len(periods); i++ {
		if periods[i].StartPeriod <= periods[i-1].StartPeriod {
			return invalidf(
				"chargingSchedulePeriod must be strictly increasing: period %d has startPeriod %d after %d",
				i, periods[i].StartPeriod, periods[i-1].StartPeriod)
		}
	}
	for i, period := range periods {
		if period.Limit <= 0 {
			return invalidf("period %d has non-positive limit %v", i, period.Limit)
		}
	}

	if p.ChargingProfilePurpose == protocol.PurposeTx && p.TransactionID == nil {
		return invalidf("transactionId is required for TxProfile purpose")
	}

	if p.ChargingProfileKind == protocol.KindRecurring {
		switch p.RecurrencyKind {
		case protocol.RecurrencyDaily, protocol.RecurrencyWeekly:
		default:
			return invalidf("recurrencyKind is required for Recurring profile kind")
		}
	}

	if p.ValidFrom != nil && p.ValidTo != nil && p.ValidTo.Before(p.ValidFrom.Time) {
		return invalidf("validTo precedes validFrom")
	}

	return nil
}
