// Package scenario replays a timed script of fleet actions from a YAML file.
// Useful for demos and repeatable load shapes.
package scenario

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"voltfleet/internal/csms"
	"voltfleet/internal/manager"
)

// Duration accepts both "30s" strings and bare numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!str" {
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("scenario: bad duration %q: %w", node.Value, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("scenario: bad duration value")
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Step is one timed action. After is the offset from script start.
type Step struct {
	After  Duration `yaml:"after"`
	Action string   `yaml:"action"`

	Count     int     `yaml:"count,omitempty"`
	Profile   string  `yaml:"profile,omitempty"`
	StationID string  `yaml:"station_id,omitempty"`
	Price     float64 `yaml:"price,omitempty"`

	ConnectorID   int     `yaml:"connector_id,omitempty"`
	Scenario      string  `yaml:"scenario,omitempty"`
	MaxPowerW     float64 `yaml:"max_power_w,omitempty"`
	OffPeakW      float64 `yaml:"off_peak_w,omitempty"`
	PeakW         float64 `yaml:"peak_w,omitempty"`
	PeakStartHour int     `yaml:"peak_start_hour,omitempty"`
	PeakEndHour   int     `yaml:"peak_end_hour,omitempty"`
	TransactionID int     `yaml:"transaction_id,omitempty"`
	DurationSecs  int     `yaml:"duration_seconds,omitempty"`
	PowerLimitW   float64 `yaml:"power_limit_w,omitempty"`
	ProfileID     int     `yaml:"profile_id,omitempty"`
}

// Script is an ordered list of steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Load reads and validates a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	if err := script.validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

func (s *Script) validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario: no steps")
	}
	for i, step := range s.Steps {
		switch step.Action {
		case "scale", "set_price", "start_station", "stop_station",
			"send_profile", "clear_profile", "stop_all", "start_all":
		default:
			return fmt.Errorf("scenario: step %d has unknown action %q", i, step.Action)
		}
		if step.After < 0 {
			return fmt.Errorf("scenario: step %d has negative offset", i)
		}
	}
	return nil
}

// Runner executes a script against the fleet and the CSMS.
type Runner struct {
	script  *Script
	fleet   *manager.Manager
	backend *csms.Backend
	logger  *zap.Logger
}

// NewRunner builds a runner.
func NewRunner(script *Script, fleet *manager.Manager, backend *csms.Backend, logger *zap.Logger) *Runner {
	return &Runner{
		script:  script,
		fleet:   fleet,
		backend: backend,
		logger:  logger.With(zap.String("component", "scenario")),
	}
}

// Run replays the steps in offset order. A failing step is logged and the
// script keeps going; only ctx cancellation stops the run early.
func (r *Runner) Run(ctx context.Context) error {
	steps := make([]Step, len(r.script.Steps))
	copy(steps, r.script.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].After < steps[j].After })

	r.logger.Info("scenario started",
		zap.String("name", r.script.Name),
		zap.Int("steps", len(steps)))
	start := time.Now()

	for i, step := range steps {
		wait := time.Duration(step.After) - time.Since(start)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := r.apply(ctx, step); err != nil {
			r.logger.Warn("scenario step failed",
				zap.Int("step", i),
				zap.String("action", step.Action),
				zap.Error(err))
			continue
		}
		r.logger.Info("scenario step applied",
			zap.Int("step", i),
			zap.String("action", step.Action))
	}

	r.logger.Info("scenario finished", zap.String("name", r.script.Name))
	return nil
}

func (r *Runner) apply(ctx context.Context, step Step) error {
	switch step.Action {
	case "scale":
		_, err := r.fleet.Scale(ctx, step.Count, step.Profile)
		return err
	case "set_price":
		return r.fleet.SetPrice(step.Price)
	case "start_station":
		return r.fleet.StartStation(ctx, step.StationID, step.Profile)
	case "stop_station":
		return r.fleet.StopStation(ctx, step.StationID)
	case "start_all":
		_, err := r.fleet.StartAll(ctx)
		return err
	case "stop_all":
		_, err := r.fleet.StopAll(ctx)
		return err
	case "send_profile":
		profile, err := buildProfile(step)
		if err != nil {
			return err
		}
		_, err = r.backend.SendChargingProfile(ctx, step.StationID, step.ConnectorID, profile)
		return err
	case "clear_profile":
		filter := protocolClearFilter(step)
		_, err := r.backend.ClearChargingProfile(ctx, step.StationID, filter)
		return err
	}
	return fmt.Errorf("unknown action %q", step.Action)
}
