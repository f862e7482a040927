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

const (
	// Zone outputs at or below this percentage keep the heater off.
	pwmFloor = 10.0
	// Zone outputs at or above this percentage keep the heater on.
	pwmCeiling = 100.0
)

// TemperatureRegulator runs one PID per heater zone and turns the 0-100 %
// outputs into heater bits on the press output module.
type TemperatureRegulator struct {
	pressID  int
	bus      *statebus.Bus
	heaters  []types.Binding
	gate     Gate
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	pids      []*PID
	pwmPeriod time.Duration
	anchors   []time.Time
	heating   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

func NewTemperatureRegulator(
	bus *statebus.Bus,
	hw *types.PressHardware,
	tuning config.PressTuning,
	gate Gate,
	interval time.Duration,
	logger *zap.Logger,
) *TemperatureRegulator {
	heaters := hw.HeaterBindings()
	r := &TemperatureRegulator{
		pressID:  hw.ID,
		bus:      bus,
		heaters:  heaters,
		gate:     gate,
		interval: interval,
		logger:   logger,
		pids:     make([]*PID, len(heaters)),
		anchors:  make([]time.Time, len(heaters)),
	}
	for z := range r.pids {
		r.pids[z] = NewPID(0, 0, 0, 0, 100)
	}
	r.ApplyTuning(tuning)
	return r
}

// ApplyTuning hot-swaps zone gains and the PWM period. Integrators keep
// their state.
func (r *TemperatureRegulator) ApplyTuning(t config.PressTuning) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for z, pid := range r.pids {
		g := config.DefaultZoneTuning
		if z < len(t.Zones) {
			g = t.Zones[z]
		}
		pid.SetTunings(g.Kp, g.Ki, g.Kd)
	}
	period := t.PWMPeriod
	if period <= 0 {
		period = config.DefaultPWMPeriod
	}
	r.pwmPeriod = time.Duration(period * float64(time.Second))
}

// Update runs one regulation pass.
func (r *TemperatureRegulator) Update(now time.Time) {
	if !r.gate.Safe() {
		r.allOff()
		return
	}

	target, ok := r.bus.Float(statebus.PressKey(r.pressID, statebus.TargetTemp))
	if !ok {
		r.allOff()
		return
	}

	temps := r.bus.Temperatures(r.pressID)

	r.mu.Lock()
	want := make([]bool, len(r.heaters))
	outputs := make(map[string]any, len(r.heaters))
	for z, pid := range r.pids {
		if !temps.Known(z) {
			continue
		}
		pid.SetSetpoint(target)
		out := pid.ComputeAt(temps[z], now)
		outputs[statebus.ZoneOutputKey(r.pressID, z)] = math.Round(out*100) / 100
		want[z] = r.dutyLocked(z, out, now)
	}
	r.heating = true
	r.mu.Unlock()

	r.bus.Update(outputs)
	DriveBits(r.bus, statebus.Deferred, r.heaters, func(z int) bool { return want[z] })
}

// dutyLocked decides whether zone z is on at now for a given output.
func (r *TemperatureRegulator) dutyLocked(z int, out float64, now time.Time) bool {
	switch {
	case out >= pwmCeiling:
		return true
	case out <= pwmFloor:
		return false
	}

	if r.anchors[z].IsZero() {
		r.anchors[z] = now
	}
	onTime := time.Duration(out / 100 * float64(r.pwmPeriod))
	phase := now.Sub(r.anchors[z]) % r.pwmPeriod
	return phase < onTime
}

func (r *TemperatureRegulator) allOff() {
	r.mu.Lock()
	wasHeating := r.heating
	r.heating = false
	r.mu.Unlock()

	DriveBits(r.bus, statebus.Urgent, r.heaters, func(int) bool { return false })

	if wasHeating {
		r.logger.Info("Heating off")
	}
}

func (r *TemperatureRegulator) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.wg.Add(1)

	go r.loop(r.stopChan)

	r.logger.Info("Temperature regulator started",
		zap.Int("zones", len(r.heaters)),
		zap.Duration("interval", r.interval))
}

func (r *TemperatureRegulator) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	stop := r.stopChan
	r.runMu.Unlock()

	close(stop)
	r.wg.Wait()
}

func (r *TemperatureRegulator) loop(stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.Update(now)
		}
	}
}
