// Package safety implements the per-press interlock that gates every
// actuation path.
package safety

import (
	"sync"

	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

// EStopInput is the safety input name of the emergency-stop button.
const EStopInput = "e_stop"

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNotEvaluated       Reason = "not_evaluated"
	ReasonEmergencyStop      Reason = "emergency_stop"
	ReasonSensorUnreadable   Reason = "sensor_unreadable"
	ReasonOverTemperature    Reason = "over_temperature"
	ReasonSensorDisconnected Reason = "sensor_disconnected"
)

type Verdict struct {
	Safe        bool    `json:"safe"`
	Reason      Reason  `json:"reason,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Interlock evaluates the unsafe conditions of one press from the state
// bus. It holds no latch: the verdict clears as soon as the condition does.
// The only memory is the count of consecutive polls without a primary
// temperature, so a single missed read does not trip it.
type Interlock struct {
	pressID int
	bus     *statebus.Bus
	logger  *zap.Logger

	estop             types.Binding
	zones             int
	maxTemperature    float64
	disconnectedBelow float64

	mu     sync.Mutex
	misses int
	last   Verdict
}

func NewInterlock(bus *statebus.Bus, hw *types.PressHardware, cfg config.SafetyConfig, logger *zap.Logger) *Interlock {
	zones := len(hw.HeaterChannels)
	if zones == 0 {
		zones = 1
	}
	return &Interlock{
		pressID:           hw.ID,
		bus:               bus,
		logger:            logger,
		estop:             hw.SafetyInputs[EStopInput],
		zones:             zones,
		maxTemperature:    cfg.MaxTemperature,
		disconnectedBelow: cfg.DisconnectedBelow,
		last:              Verdict{Reason: ReasonNotEvaluated},
	}
}

// Evaluate checks every condition, caches and publishes the verdict.
func (i *Interlock) Evaluate() Verdict {
	v := i.check()

	i.mu.Lock()
	prev := i.last
	i.last = v
	i.mu.Unlock()

	i.bus.Update(map[string]any{
		statebus.PressKey(i.pressID, statebus.Safe):         v.Safe,
		statebus.PressKey(i.pressID, statebus.SafetyReason): string(v.Reason),
	})

	if !v.Safe && (prev.Safe || prev.Reason != v.Reason) {
		i.logger.Error("Press interlock tripped",
			zap.String("reason", string(v.Reason)),
			zap.Float64("temperature", v.Temperature))
	} else if !prev.Safe && v.Safe && prev.Reason != ReasonNotEvaluated {
		i.logger.Info("Press interlock cleared", zap.String("previous_reason", string(prev.Reason)))
	}
	return v
}

// Verdict returns the result of the last evaluation.
func (i *Interlock) Verdict() Verdict {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last
}

// Safe reports the last verdict. Before the first evaluation the press is
// treated as unsafe.
func (i *Interlock) Safe() bool {
	return i.Verdict().Safe
}

func (i *Interlock) check() Verdict {
	if !i.estop.IsZero() && i.estop.Active(i.bus.ReadDigitalShadow(i.estop.Module)) {
		return Verdict{Reason: ReasonEmergencyStop}
	}

	temps := i.bus.Temperatures(i.pressID)

	i.mu.Lock()
	if temps.Known(0) {
		i.misses = 0
	} else {
		i.misses++
	}
	misses := i.misses
	i.mu.Unlock()

	if !temps.Known(0) {
		if misses >= 2 {
			return Verdict{Reason: ReasonSensorUnreadable}
		}
		return Verdict{Safe: true}
	}

	primary := temps[0]
	if primary <= i.disconnectedBelow {
		return Verdict{Reason: ReasonSensorDisconnected, Temperature: primary}
	}

	for z := 0; z < i.zones; z++ {
		if temps.Known(z) && temps[z] > i.maxTemperature {
			return Verdict{Reason: ReasonOverTemperature, Temperature: temps[z]}
		}
	}

	return Verdict{Safe: true, Temperature: primary}
}
