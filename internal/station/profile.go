package station

import (
	"fmt"
	"time"

	"voltfleet/internal/policy"
)

// Profile is a behavior preset for a simulated station. Immutable for the
// station's lifetime unless the station is restarted with a different one.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	IdleMin time.Duration `yaml:"idle_min" json:"idle_min"`
	IdleMax time.Duration `yaml:"idle_max" json:"idle_max"`

	EnergyStepMinWh int `yaml:"energy_step_min_wh" json:"energy_step_min_wh"`
	EnergyStepMaxWh int `yaml:"energy_step_max_wh" json:"energy_step_max_wh"`

	SampleIntervalMin time.Duration `yaml:"sample_interval_min" json:"sample_interval_min"`
	SampleIntervalMax time.Duration `yaml:"sample_interval_max" json:"sample_interval_max"`

	// bounds on the number of meter samples per session
	SamplesMin int `yaml:"samples_min" json:"samples_min"`
	SamplesMax int `yaml:"samples_max" json:"samples_max"`

	EnableTransactions bool `yaml:"enable_transactions" json:"enable_transactions"`

	OfflineProbability float64       `yaml:"offline_probability" json:"offline_probability"`
	OfflineDuration    time.Duration `yaml:"offline_duration" json:"offline_duration"`

	IDTags []string `yaml:"id_tags" json:"id_tags"`

	// smart charging parameters
	ChargeIfPriceBelow float64 `yaml:"charge_if_price_below" json:"charge_if_price_below"`
	MaxEnergyKWh       float64 `yaml:"max_energy_kwh" json:"max_energy_kwh"`
	AllowPeak          bool    `yaml:"allow_peak" json:"allow_peak"`
	PeakHours          []int   `yaml:"peak_hours" json:"peak_hours"`
}

// PolicyRules converts the profile's smart charging parameters into the
// policy engine's input shape.
func (p Profile) PolicyRules() policy.Rules {
	return policy.Rules{
		ChargeIfPriceBelow: p.ChargeIfPriceBelow,
		MaxEnergyKWh:       p.MaxEnergyKWh,
		AllowPeak:          p.AllowPeak,
		PeakHours:          p.PeakHours,
	}
}

// hourRange expands [start, end) into an hour set.
func hourRange(start, end int) []int {
	hours := make([]int, 0, end-start)
	for h := start; h < end; h++ {
		hours = append(hours, h)
	}
	return hours
}

func baseProfile(name string) Profile {
	return Profile{
		Name:               name,
		HeartbeatInterval:  60 * time.Second,
		IdleMin:            30 * time.Second,
		IdleMax:            120 * time.Second,
		EnergyStepMinWh:    50,
		EnergyStepMaxWh:    150,
		SampleIntervalMin:  10 * time.Second,
		SampleIntervalMax:  20 * time.Second,
		SamplesMin:         3,
		SamplesMax:         8,
		EnableTransactions: true,
		IDTags:             []string{"ABC123", "TAG001", "USER42"},
		ChargeIfPriceBelow: 100.0,
		MaxEnergyKWh:       30.0,
		AllowPeak:          true,
		PeakHours:          hourRange(8, 18),
	}
}

// Presets returns the named behavior presets.
func Presets() map[string]Profile {
	defaultProfile := baseProfile("default")
	defaultProfile.ChargeIfPriceBelow = 25.0

	busy := baseProfile("busy")
	busy.IdleMin = 5 * time.Second
	busy.IdleMax = 20 * time.Second
	busy.EnergyStepMinWh = 80
	busy.EnergyStepMaxWh = 220
	busy.ChargeIfPriceBelow = 30.0
	busy.MaxEnergyKWh = 40.0

	idle := baseProfile("idle")
	idle.IdleMin = 180 * time.Second
	idle.IdleMax = 600 * time.Second
	idle.ChargeIfPriceBelow = 18.0
	idle.MaxEnergyKWh = 20.0
	idle.AllowPeak = false

	noTx := baseProfile("no-transactions")
	noTx.EnableTransactions = false

	flaky := baseProfile("flaky")
	flaky.IdleMin = 20 * time.Second
	flaky.IdleMax = 60 * time.Second
	flaky.OfflineProbability = 0.1
	flaky.OfflineDuration = 30 * time.Second
	flaky.ChargeIfPriceBelow = 20.0
	flaky.MaxEnergyKWh = 25.0

	return map[string]Profile{
		"default":         defaultProfile,
		"busy":            busy,
		"idle":            idle,
		"no-transactions": noTx,
		"flaky":           flaky,
	}
}

// PresetByName looks up a behavior preset, defaulting to "default" for an
// empty name.
func PresetByName(name string) (Profile, error) {
	if name == "" {
		name = "default"
	}
	p, ok := Presets()[name]
	if !ok {
		return Profile{}, fmt.Errorf("station: unknown profile %q", name)
	}
	return p, nil
}
