// Package policy is the charging decision engine: a pure function arbitrating
// price, peak-hour, and energy-cap constraints. No clock access, no logging,
// no external state; callers supply everything through the inputs.
package policy

import (
	"fmt"
	"slices"
)

// Actions returned by Evaluate.
const (
	ActionCharge = "charge"
	ActionWait   = "wait"
	ActionPause  = "pause"
)

// Actions returned by EvaluateMeterTick.
const (
	ActionContinue = "continue"
	ActionStop     = "stop"
)

// State is the station's view of the current session.
type State struct {
	EnergyKWh     float64
	Charging      bool
	SessionActive bool
}

// Rules are the station profile's smart charging parameters.
type Rules struct {
	ChargeIfPriceBelow float64
	MaxEnergyKWh       float64
	AllowPeak          bool
	PeakHours          []int
}

// Env carries the environmental inputs the caller sampled.
type Env struct {
	Price float64
	Hour  int
}

// Decision is the verdict with a human-readable reason.
type Decision struct {
	Action string
	Reason string
}

// Evaluate decides whether a station should charge, wait, or pause.
//
// Rules, in strict priority order:
//  1. energy at or above the session cap pauses
//  2. price strictly above the threshold waits (equality charges)
//  3. a peak hour with peak charging disallowed waits
//  4. otherwise charge
func Evaluate(state State, rules Rules, env Env) Decision {
	if state.EnergyKWh >= rules.MaxEnergyKWh {
		return Decision{
			Action: ActionPause,
			Reason: fmt.Sprintf("Energy cap reached (%.1f/%.1f kWh)", state.EnergyKWh, rules.MaxEnergyKWh),
		}
	}

	if env.Price > rules.ChargeIfPriceBelow {
		return Decision{
			Action: ActionWait,
			Reason: fmt.Sprintf("Price too high (%.2f > %.2f)", env.Price, rules.ChargeIfPriceBelow),
		}
	}

	if slices.Contains(rules.PeakHours, env.Hour) && !rules.AllowPeak {
		return Decision{
			Action: ActionWait,
			Reason: fmt.Sprintf("Peak hour block (hour %d)", env.Hour),
		}
	}

	return Decision{Action: ActionCharge, Reason: "Conditions OK"}
}

// EvaluateMeterTick refines the decision during an active transaction with a
// Wh-precision cap check, then maps the base verdict: charge continues,
// wait and pause stop.
func EvaluateMeterTick(state State, rules Rules, env Env, currentWh, maxWh float64) Decision {
	if currentWh >= maxWh {
		return Decision{
			Action: ActionStop,
			Reason: fmt.Sprintf("Energy cap reached (%.1f/%.1f kWh)", currentWh/1000, maxWh/1000),
		}
	}

	base := Evaluate(state, rules, env)
	if base.Action == ActionCharge {
		return Decision{Action: ActionContinue, Reason: base.Reason}
	}
	return Decision{Action: ActionStop, Reason: base.Reason}
}

// IsPeakHour reports whether hour falls in the profile's peak set.
func IsPeakHour(hour int, peakHours []int) bool {
	return slices.Contains(peakHours, hour)
}
