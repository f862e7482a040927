package control

import (
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

// DeadBand is the PID output magnitude below which both valves stay shut.
const DeadBand = 5.0

// PressureRegulator drives the open/close valve pair of one press from a
// PID with a symmetric -100..100 output.
type PressureRegulator struct {
	pressID int
	bus     *statebus.Bus
	valves  []types.Binding // open, close
	gate    Gate
	pid     *PID
	logger  *zap.Logger

	mu     sync.Mutex
	active bool
}

func NewPressureRegulator(bus *statebus.Bus, hw *types.PressHardware, tuning config.Tuning, gate Gate, logger *zap.Logger) *PressureRegulator {
	return &PressureRegulator{
		pressID: hw.ID,
		bus:     bus,
		valves:  []types.Binding{hw.Valves["open"], hw.Valves["close"]},
		gate:    gate,
		pid:     NewPID(tuning.Kp, tuning.Ki, tuning.Kd, -100, 100),
		logger:  logger,
	}
}

func (r *PressureRegulator) ApplyTuning(t config.Tuning) {
	r.pid.SetTunings(t.Kp, t.Ki, t.Kd)
}

// Update runs one regulation pass.
func (r *PressureRegulator) Update(now time.Time) {
	key := func(suffix string) string { return statebus.PressKey(r.pressID, suffix) }

	target := r.bus.FloatOr(key(statebus.TargetPressure), 0)
	liftActive := r.bus.Bool(key(statebus.ValveLiftUp)) || r.bus.Bool(key(statebus.ValveLiftDown))
	pressure, havePressure := r.bus.Float(key(statebus.Pressure))

	if !r.gate.Safe() || target <= 0 || liftActive || !havePressure {
		r.setValves(false, false)
		return
	}

	r.pid.SetSetpoint(target)
	out := r.pid.ComputeAt(pressure, now)
	r.bus.Set(key(statebus.ValvePID), math.Round(out*100)/100)

	switch {
	case math.Abs(out) < DeadBand:
		r.setValves(false, false)
	case out < 0:
		r.setValves(false, true)
	default:
		r.setValves(true, false)
	}
}

func (r *PressureRegulator) setValves(open, close bool) {
	r.bus.Update(map[string]any{
		statebus.PressKey(r.pressID, statebus.ValveOpen):  open,
		statebus.PressKey(r.pressID, statebus.ValveClose): close,
	})
	want := []bool{open, close}
	DriveBits(r.bus, statebus.Urgent, r.valves, func(i int) bool { return want[i] })

	r.mu.Lock()
	active := open || close
	changed := active != r.active
	r.active = active
	r.mu.Unlock()
	if changed {
		r.logger.Debug("Pressure valves changed", zap.Bool("open", open), zap.Bool("close", close))
	}
}
