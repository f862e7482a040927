package sequencer

import (
	"errors"
	"time"
)

var (
	ErrProgramNotFound = errors.New("program not found")
	ErrEmptyProgram    = errors.New("program has no steps")
)

type Kind string

const (
	KindHeat            Kind = "heat"
	KindRampTemp        Kind = "ramp_temp"
	KindCool            Kind = "cool"
	KindLiftToLimit     Kind = "lift_to_limit"
	KindPressureControl Kind = "pressure_control"
	KindRampPressure    Kind = "ramp_pressure"
	KindHold            Kind = "hold"
	KindOpenMold        Kind = "open_mold"
	KindPause           Kind = "pause"
)

// Step is one entry of a track. Parameters are optional; missing ones take
// the per-kind defaults below. Times are in seconds.
type Step struct {
	Kind           Kind     `json:"step" yaml:"step"`
	TargetTemp     *float64 `json:"target_temp,omitempty" yaml:"target_temp,omitempty"`
	MaxDuration    *float64 `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	RampTime       *float64 `json:"ramp_time,omitempty" yaml:"ramp_time,omitempty"`
	HoldTime       *float64 `json:"hold_time,omitempty" yaml:"hold_time,omitempty"`
	Duration       *float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	Pressure       *float64 `json:"pressure,omitempty" yaml:"pressure,omitempty"`
	TargetPressure *float64 `json:"target_pressure,omitempty" yaml:"target_pressure,omitempty"`

	// Malformed is set by the loader when the entry failed validation.
	// The engine skips such steps.
	Malformed string `json:"-" yaml:"-"`
}

// Defaults
const (
	DefaultHeatTarget       = 50.0
	DefaultHeatMaxDuration  = 600.0
	DefaultRampTempTarget   = 100.0
	DefaultCoolDuration     = 300.0
	DefaultPressure         = 5.0
	DefaultPressureDuration = 180.0
	DefaultOpenMoldHold     = 5.0
	DefaultPauseDuration    = 10.0

	// DefaultForceOpenTime is used by the soft stop when the pressure
	// program has no open_mold step.
	DefaultForceOpenTime = 30.0

	// Heat completes once every known zone is within this many degrees
	// below the target.
	HeatTolerance = 2.0
)

func param(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Length returns the nominal length of the step, or 0 when it is open
// ended (heat until reached, lift until limit).
func (s Step) Length() time.Duration {
	switch s.Kind {
	case KindHeat:
		return seconds(param(s.MaxDuration, DefaultHeatMaxDuration))
	case KindRampTemp, KindRampPressure, KindHold:
		return seconds(param(s.RampTime, 0) + param(s.HoldTime, 0))
	case KindCool:
		return seconds(param(s.Duration, DefaultCoolDuration))
	case KindPressureControl:
		return seconds(param(s.Duration, DefaultPressureDuration))
	case KindOpenMold:
		return seconds(param(s.HoldTime, DefaultOpenMoldHold))
	case KindPause:
		return seconds(param(s.Duration, DefaultPauseDuration))
	}
	return 0
}

// Program holds both tracks of a press cycle.
type Program struct {
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	TempProgram     []Step `json:"temp_program" yaml:"temp_program"`
	PressureProgram []Step `json:"pressure_program" yaml:"pressure_program"`
}

func (p *Program) Empty() bool {
	return len(p.TempProgram) == 0 && len(p.PressureProgram) == 0
}

// PreheatTarget is the target of the first temperature step.
func (p *Program) PreheatTarget() float64 {
	if len(p.TempProgram) == 0 {
		return DefaultHeatTarget
	}
	return param(p.TempProgram[0].TargetTemp, DefaultHeatTarget)
}

// ForceOpenTime is how long the soft stop keeps the lift-down valve on.
// The last open_mold step of the pressure program wins.
func (p *Program) ForceOpenTime() time.Duration {
	open := DefaultForceOpenTime
	for _, s := range p.PressureProgram {
		if s.Kind == KindOpenMold {
			open = param(s.HoldTime, DefaultForceOpenTime)
		}
	}
	return seconds(open)
}
