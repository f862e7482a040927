package sequencer

import (
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

type Track string

const (
	TrackTemperature Track = "temperature"
	TrackPressure    Track = "pressure"
)

// Step status values published under press_<id>_step_status_<track>.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
)

// LimitSwitchInput is the control input that ends a lift_to_limit step.
const LimitSwitchInput = "limit_switch"

// StepInfo is published under press_<id>_current_step_<track> on step entry.
type StepInfo struct {
	Index          int       `json:"index"`
	Kind           Kind      `json:"type"`
	StartedAt      time.Time `json:"start_time"`
	TargetTemp     *float64  `json:"target_temp"`
	TargetPressure *float64  `json:"target_pressure"`
	Duration       float64   `json:"duration"`
}

// progress is the in-flight state of the current step, one type per kind.
// It is created when the step is entered and dropped when it completes.
type progress interface {
	advance(e *Engine, elapsed time.Duration) bool
}

type heating struct {
	target  float64
	timeout time.Duration
}

type ramping struct {
	pressure   bool
	from, to   float64
	ramp, hold time.Duration
}

type timed struct {
	length time.Duration
}

type lifting struct{}

type opening struct {
	hold time.Duration
}

type skipped struct{}

// Engine runs one track. It is driven by the Sequencer with the active
// (pause-free) run clock, so a paused engine simply sees no time pass.
type Engine struct {
	track   Track
	pressID int
	zones   int
	limit   types.Binding
	bus     *statebus.Bus
	logger  *zap.Logger

	steps   []Step
	index   int
	cur     progress
	started time.Duration

	lastTemp     *float64
	lastPressure *float64
}

func newEngine(track Track, hw *types.PressHardware, bus *statebus.Bus, logger *zap.Logger) *Engine {
	zones := len(hw.HeaterChannels)
	if zones == 0 {
		zones = types.AnalogChannels
	}
	return &Engine{
		track:   track,
		pressID: hw.ID,
		zones:   zones,
		limit:   hw.ControlInputs[LimitSwitchInput],
		bus:     bus,
		logger:  logger.With(zap.String("track", string(track))),
	}
}

func (e *Engine) load(steps []Step) {
	e.steps = steps
	e.index = 0
	e.cur = nil
	e.lastTemp = nil
	e.lastPressure = nil
	e.logger.Info("Track loaded", zap.Int("steps", len(steps)))
}

func (e *Engine) Index() int { return e.index }
func (e *Engine) Len() int   { return len(e.steps) }
func (e *Engine) Done() bool { return e.index >= len(e.steps) }

func (e *Engine) key(suffix string) string {
	return statebus.PressKey(e.pressID, suffix)
}

// tick advances the track by at most one step.
func (e *Engine) tick(now time.Duration, wall time.Time) {
	if e.Done() {
		return
	}

	step := e.steps[e.index]
	if e.cur == nil {
		e.started = now
		e.cur = e.enter(step)
		e.publishStart(step, wall)
	}

	if e.cur.advance(e, now-e.started) {
		e.complete(step)
	}
}

func (e *Engine) enter(step Step) progress {
	if step.Malformed != "" {
		e.logger.Warn("Malformed step, skipping",
			zap.Int("index", e.index),
			zap.String("kind", string(step.Kind)),
			zap.String("reason", step.Malformed))
		return skipped{}
	}

	switch step.Kind {
	case KindHeat:
		return &heating{
			target:  param(step.TargetTemp, DefaultHeatTarget),
			timeout: seconds(param(step.MaxDuration, DefaultHeatMaxDuration)),
		}

	case KindRampTemp:
		return &ramping{
			from: e.rampStartTemp(),
			to:   param(step.TargetTemp, DefaultRampTempTarget),
			ramp: seconds(param(step.RampTime, 0)),
			hold: seconds(param(step.HoldTime, 0)),
		}

	case KindRampPressure, KindHold:
		return &ramping{
			pressure: true,
			from:     e.rampStartPressure(),
			to:       param(step.TargetPressure, param(step.Pressure, DefaultPressure)),
			ramp:     seconds(param(step.RampTime, 0)),
			hold:     seconds(param(step.HoldTime, 0)),
		}

	case KindCool:
		e.clearTargetTemp()
		return &timed{length: seconds(param(step.Duration, DefaultCoolDuration))}

	case KindPressureControl:
		e.setTargetPressure(param(step.Pressure, param(step.TargetPressure, DefaultPressure)))
		return &timed{length: seconds(param(step.Duration, DefaultPressureDuration))}

	case KindPause:
		return &timed{length: seconds(param(step.Duration, DefaultPauseDuration))}

	case KindLiftToLimit:
		if e.limit.IsZero() {
			e.logger.Warn("lift_to_limit without limit_switch input, skipping", zap.Int("index", e.index))
			return skipped{}
		}
		e.bus.Set(e.key(statebus.LimitReached), false)
		return lifting{}

	case KindOpenMold:
		e.bus.Update(map[string]any{
			e.key(statebus.ValveLiftDown):  true,
			e.key(statebus.TargetPressure): 0.0,
		})
		e.clearTargetTemp()
		e.lastPressure = nil
		return &opening{hold: seconds(param(step.HoldTime, DefaultOpenMoldHold))}

	case "":
		e.logger.Warn("Step without kind, skipping", zap.Int("index", e.index))
		return skipped{}

	default:
		e.logger.Warn("Unknown step kind, skipping",
			zap.Int("index", e.index),
			zap.String("kind", string(step.Kind)))
		return skipped{}
	}
}

func (e *Engine) publishStart(step Step, wall time.Time) {
	e.bus.Update(map[string]any{
		statebus.CurrentStepKey(e.pressID, string(e.track)): StepInfo{
			Index:          e.index,
			Kind:           step.Kind,
			StartedAt:      wall,
			TargetTemp:     step.TargetTemp,
			TargetPressure: step.TargetPressure,
			Duration:       step.Length().Seconds(),
		},
		statebus.StepStatusKey(e.pressID, string(e.track)): StatusRunning,
	})

	e.logger.Info("Step started",
		zap.Int("index", e.index+1),
		zap.Int("of", len(e.steps)),
		zap.String("kind", string(step.Kind)))
}

func (e *Engine) complete(step Step) {
	e.bus.Set(statebus.StepStatusKey(e.pressID, string(e.track)), StatusCompleted)

	_, opened := e.cur.(*opening)
	e.cur = nil
	e.index++

	e.logger.Info("Step completed", zap.Int("index", e.index), zap.String("kind", string(step.Kind)))

	// Opening the mold ends the track.
	if opened && e.index < len(e.steps) {
		e.logger.Info("Mold opened, skipping remaining steps", zap.Int("skipped", len(e.steps)-e.index))
		e.index = len(e.steps)
	}
}

// abort releases whatever the current step holds and marks the track stopped.
func (e *Engine) abort() {
	switch e.cur.(type) {
	case lifting:
		e.bus.Set(e.key(statebus.ValveLiftUp), false)
	case *opening:
		e.bus.Set(e.key(statebus.ValveLiftDown), false)
	}
	e.cur = nil
	e.bus.Set(statebus.StepStatusKey(e.pressID, string(e.track)), StatusStopped)
}

func (e *Engine) setTargetTemp(v float64) {
	e.bus.Set(e.key(statebus.TargetTemp), v)
	e.lastTemp = &v
}

func (e *Engine) clearTargetTemp() {
	e.bus.Set(e.key(statebus.TargetTemp), nil)
	e.lastTemp = nil
}

func (e *Engine) setTargetPressure(v float64) {
	e.bus.Set(e.key(statebus.TargetPressure), v)
	e.lastPressure = &v
}

// rampStartTemp is the previous target of this track, else the mean of
// the known zone temperatures, else room temperature.
func (e *Engine) rampStartTemp() float64 {
	if e.lastTemp != nil {
		return *e.lastTemp
	}
	temps := e.bus.Temperatures(e.pressID)
	if len(temps) > e.zones {
		temps = temps[:e.zones]
	}
	if mean, ok := temps.Mean(); ok {
		return mean
	}
	return 20.0
}

func (e *Engine) rampStartPressure() float64 {
	if e.lastPressure != nil {
		return *e.lastPressure
	}
	return e.bus.FloatOr(e.key(statebus.Pressure), 0)
}

func (h *heating) advance(e *Engine, elapsed time.Duration) bool {
	e.setTargetTemp(h.target)

	temps := e.bus.Temperatures(e.pressID)
	known, reached := 0, true
	for z := 0; z < e.zones; z++ {
		if !temps.Known(z) {
			continue
		}
		known++
		if temps[z] < h.target-HeatTolerance {
			reached = false
		}
	}

	if known > 0 && reached {
		e.logger.Info("Heat target reached", zap.Float64("target", h.target))
		return true
	}
	if elapsed >= h.timeout {
		e.logger.Warn("Heat step timed out", zap.Float64("target", h.target), zap.Duration("after", elapsed))
		return true
	}
	return false
}

func (r *ramping) advance(e *Engine, elapsed time.Duration) bool {
	v := r.to
	if r.ramp > 0 && elapsed < r.ramp {
		v = r.from + (r.to-r.from)*float64(elapsed)/float64(r.ramp)
	}

	if r.pressure {
		e.setTargetPressure(v)
	} else {
		e.setTargetTemp(v)
	}

	return elapsed >= r.ramp+r.hold
}

func (t *timed) advance(_ *Engine, elapsed time.Duration) bool {
	return elapsed >= t.length
}

func (lifting) advance(e *Engine, _ time.Duration) bool {
	reached := e.bus.Bool(e.key(statebus.LimitReached)) ||
		e.limit.Active(e.bus.ReadDigitalShadow(e.limit.Module))

	if reached {
		e.bus.Update(map[string]any{
			e.key(statebus.ValveLiftUp):  false,
			e.key(statebus.LimitReached): false,
		})
		e.logger.Info("Limit switch reached")
		return true
	}

	e.bus.Set(e.key(statebus.ValveLiftUp), true)
	return false
}

func (o *opening) advance(e *Engine, elapsed time.Duration) bool {
	if elapsed < o.hold {
		return false
	}
	e.bus.Set(e.key(statebus.ValveLiftDown), false)
	return true
}

func (skipped) advance(*Engine, time.Duration) bool {
	return true
}
