package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseRules() Rules {
	return Rules{
		ChargeIfPriceBelow: 20.0,
		MaxEnergyKWh:       30.0,
		AllowPeak:          false,
		PeakHours:          []int{18, 19, 20},
	}
}

func TestEvaluateAllClear(t *testing.T) {
	d := Evaluate(State{EnergyKWh: 10}, baseRules(), Env{Price: 18, Hour: 14})
	assert.Equal(t, ActionCharge, d.Action)
	assert.Equal(t, "Conditions OK", d.Reason)
}

func TestEvaluateEnergyCap(t *testing.T) {
	d := Evaluate(State{EnergyKWh: 30}, baseRules(), Env{Price: 18, Hour: 14})
	assert.Equal(t, ActionPause, d.Action)
	assert.Equal(t, "Energy cap reached (30.0/30.0 kWh)", d.Reason)

	// just under the cap still charges
	d = Evaluate(State{EnergyKWh: 29.999}, baseRules(), Env{Price: 18, Hour: 14})
	assert.Equal(t, ActionCharge, d.Action)
}

func TestEvaluatePriceThreshold(t *testing.T) {
	d := Evaluate(State{}, baseRules(), Env{Price: 25, Hour: 14})
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, "Price too high (25.00 > 20.00)", d.Reason)

	// equality permits charging
	d = Evaluate(State{}, baseRules(), Env{Price: 20, Hour: 14})
	assert.Equal(t, ActionCharge, d.Action)

	d = Evaluate(State{}, baseRules(), Env{Price: 20.01, Hour: 14})
	assert.Equal(t, ActionWait, d.Action)
}

func TestEvaluatePeakHours(t *testing.T) {
	d := Evaluate(State{}, baseRules(), Env{Price: 18, Hour: 19})
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, "Peak hour block (hour 19)", d.Reason)

	// allow_peak disables the block entirely
	rules := baseRules()
	rules.AllowPeak = true
	d = Evaluate(State{}, rules, Env{Price: 18, Hour: 19})
	assert.Equal(t, ActionCharge, d.Action)

	// non-peak hour passes
	d = Evaluate(State{}, baseRules(), Env{Price: 18, Hour: 17})
	assert.Equal(t, ActionCharge, d.Action)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	// energy cap outranks price, price outranks peak
	d := Evaluate(State{EnergyKWh: 30}, baseRules(), Env{Price: 25, Hour: 19})
	assert.Equal(t, ActionPause, d.Action)

	d = Evaluate(State{EnergyKWh: 5}, baseRules(), Env{Price: 25, Hour: 19})
	assert.Equal(t, ActionWait, d.Action)
	assert.Contains(t, d.Reason, "Price too high")
}

func TestEvaluateMeterTickEnergyCap(t *testing.T) {
	d := EvaluateMeterTick(State{Charging: true, SessionActive: true}, baseRules(),
		Env{Price: 18, Hour: 14}, 30000, 30000)
	assert.Equal(t, ActionStop, d.Action)
	assert.Equal(t, "Energy cap reached (30.0/30.0 kWh)", d.Reason)

	// Wh precision: one Wh under the cap continues
	d = EvaluateMeterTick(State{Charging: true, SessionActive: true}, baseRules(),
		Env{Price: 18, Hour: 14}, 29999, 30000)
	assert.Equal(t, ActionContinue, d.Action)
}

func TestEvaluateMeterTickMapsBaseDecision(t *testing.T) {
	d := EvaluateMeterTick(State{Charging: true, SessionActive: true}, baseRules(),
		Env{Price: 25, Hour: 14}, 1000, 30000)
	assert.Equal(t, ActionStop, d.Action)
	assert.Contains(t, d.Reason, "Price too high")

	d = EvaluateMeterTick(State{Charging: true, SessionActive: true}, baseRules(),
		Env{Price: 18, Hour: 19}, 1000, 30000)
	assert.Equal(t, ActionStop, d.Action)
	assert.Contains(t, d.Reason, "Peak hour block")

	d = EvaluateMeterTick(State{Charging: true, SessionActive: true}, baseRules(),
		Env{Price: 18, Hour: 14}, 1000, 30000)
	assert.Equal(t, ActionContinue, d.Action)
	assert.Equal(t, "Conditions OK", d.Reason)
}

func TestIsPeakHour(t *testing.T) {
	assert.True(t, IsPeakHour(18, []int{18, 19, 20}))
	assert.False(t, IsPeakHour(17, []int{18, 19, 20}))
	assert.False(t, IsPeakHour(18, nil))
}
