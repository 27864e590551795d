package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateTime wraps time.Time with OCPP 1.6J wire formatting: RFC3339 in UTC
// with a trailing Z. Parsing tolerates offsets, fractional seconds, and
// naive timestamps (assumed UTC).
type DateTime struct {
	time.Time
}

// NewDateTime builds a DateTime from t.
func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t}
}

// Now returns the current instant as DateTime.
func Now() DateTime {
	return DateTime{Time: time.Now().UTC()}
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.UTC().Format(time.RFC3339))
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		t, err := time.Parse(layout, raw)
		if err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("protocol: invalid timestamp %q", raw)
}

// IdTagInfo carries the authorization verdict for an id tag.
type IdTagInfo struct {
	Status      string    `json:"status"`
	ExpiryDate  *DateTime `json:"expiryDate,omitempty"`
	ParentIdTag string    `json:"parentIdTag,omitempty"`
}

// SampledValue is a single measurement inside a MeterValue.
type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

// MeterValue groups sampled values taken at one instant.
type MeterValue struct {
	Timestamp    DateTime       `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// ChargingSchedulePeriod is one step of a charging schedule. StartPeriod is
// seconds from the schedule anchor, strictly increasing within a schedule.
type ChargingSchedulePeriod struct {
	StartPeriod  int     `json:"startPeriod"`
	Limit        float64 `json:"limit"`
	NumberPhases *int    `json:"numberPhases,omitempty"`
}

// ChargingSchedule describes a power/current limit curve.
type ChargingSchedule struct {
	Duration               *int                     `json:"duration,omitempty"`
	StartSchedule          *DateTime                `json:"startSchedule,omitempty"`
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
	MinChargingRate        *float64                 `json:"minChargingRate,omitempty"`
}

// ChargingProfile imposes a charging schedule on a connector or transaction.
type ChargingProfile struct {
	ChargingProfileID      int              `json:"chargingProfileId"`
	TransactionID          *int             `json:"transactionId,omitempty"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose"`
	ChargingProfileKind    string           `json:"chargingProfileKind"`
	RecurrencyKind         string           `json:"recurrencyKind,omitempty"`
	ValidFrom              *DateTime        `json:"validFrom,omitempty"`
	ValidTo                *DateTime        `json:"validTo,omitempty"`
	ChargingSchedule       ChargingSchedule `json:"chargingSchedule"`
}
