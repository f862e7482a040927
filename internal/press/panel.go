package press

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/control"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

// Control input names.
const (
	ButtonStart   = "start_btn"
	ButtonStop    = "stop_btn"
	ButtonPause   = "pause_btn"
	ButtonPreheat = "preheat_btn"
)

// Outputs owned by the panel. Heater bits belong to the temperature
// regulator and the open/close valves to the pressure regulator.
var panelOutputs = []string{
	"lamp_error",
	"lamp_run",
	"lamp_pause",
	"lamp_preheat",
	"lamp_auto_heat",
	"lamp_pressure",
	"lift_up",
	"lift_down",
}

// Operator is the part of the Controller the panel talks to.
type Operator interface {
	Execute(ctx context.Context, cmd Command) error
	State() State
}

type input struct {
	name    string
	binding types.Binding
}

// Panel synchronizes the physical operator panel with the press: button
// edges become commands, and lamps and lift valves follow the derived
// desired state.
type Panel struct {
	id        int
	bus       *statebus.Bus
	op        Operator
	gate      control.Gate
	pressure  *control.PressureRegulator
	longPress time.Duration
	interval  time.Duration
	logger    *zap.Logger

	inputs   []input
	names    []string
	bindings []types.Binding

	mu        sync.Mutex
	last      map[string]bool
	pressedAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

func NewPanel(
	bus *statebus.Bus,
	hw *types.PressHardware,
	op Operator,
	gate control.Gate,
	pressure *control.PressureRegulator,
	longPress, interval time.Duration,
	logger *zap.Logger,
) *Panel {
	p := &Panel{
		id:        hw.ID,
		bus:       bus,
		op:        op,
		gate:      gate,
		pressure:  pressure,
		longPress: longPress,
		interval:  interval,
		logger:    logger.With(zap.Int("press", hw.ID)),
		last:      make(map[string]bool),
	}

	for name, b := range hw.ControlInputs {
		p.inputs = append(p.inputs, input{name: name, binding: b})
	}
	sort.Slice(p.inputs, func(i, j int) bool { return p.inputs[i].name < p.inputs[j].name })

	for _, name := range panelOutputs {
		if b, ok := hw.Output(name); ok {
			p.names = append(p.names, name)
			p.bindings = append(p.bindings, b)
		}
	}
	return p
}

// Update runs one panel pass: buttons, outputs, then the pressure loop.
func (p *Panel) Update(ctx context.Context, now time.Time) {
	p.pollInputs(ctx, now)

	desired := p.Desired()
	p.bus.Set(statebus.PressKey(p.id, statebus.Desired), desired)
	control.DriveBits(p.bus, statebus.Urgent, p.bindings, func(i int) bool {
		return desired[p.names[i]]
	})

	if p.pressure != nil {
		p.pressure.Update(now)
	}
}

// Desired derives the wanted state of every panel output. While the
// interlock is unsafe only the error lamp is on.
func (p *Panel) Desired() map[string]bool {
	d := make(map[string]bool, len(panelOutputs))
	for _, name := range panelOutputs {
		d[name] = false
	}

	if !p.gate.Safe() {
		d["lamp_error"] = true
		return d
	}

	key := func(suffix string) string { return statebus.PressKey(p.id, suffix) }
	state := p.op.State()
	active := state.Active()
	_, preheat := p.bus.Float(key(statebus.TargetTemp))

	d["lamp_run"] = active
	d["lamp_pause"] = state == StatePaused
	d["lamp_preheat"] = preheat && !active
	d["lamp_auto_heat"] = preheat && active
	d["lamp_pressure"] = active && p.bus.FloatOr(key(statebus.Pressure), 0) > 1
	d["lift_up"] = p.bus.Bool(key(statebus.ValveLiftUp))
	d["lift_down"] = p.bus.Bool(key(statebus.ValveLiftDown))
	return d
}

func (p *Panel) pollInputs(ctx context.Context, now time.Time) {
	type edge struct {
		name   string
		rising bool
	}
	var edges []edge

	p.mu.Lock()
	for _, in := range p.inputs {
		raw, ok := p.bus.Get(statebus.InputShadowKey(in.binding.Module), nil).(uint16)
		if !ok {
			continue
		}
		current := in.binding.Active(raw)
		previous, seen := p.last[in.name]
		p.last[in.name] = current
		if seen && previous != current {
			edges = append(edges, edge{name: in.name, rising: current})
		}
	}
	p.mu.Unlock()

	for _, e := range edges {
		if e.rising {
			p.pressed(ctx, e.name, now)
		} else if e.name == ButtonStart {
			p.startReleased(ctx, now)
		}
	}
}

func (p *Panel) pressed(ctx context.Context, name string, now time.Time) {
	switch name {
	case ButtonStart:
		p.mu.Lock()
		p.pressedAt = now
		p.mu.Unlock()

	case ButtonStop:
		switch p.op.State() {
		case StatePaused:
			p.execute(ctx, CommandStop)
		case StateRunning:
			p.logger.Warn("Stop refused, pause the press first")
		default:
			if err := p.op.Execute(ctx, CommandStop); err != nil && !errors.Is(err, ErrNotRunning) {
				p.logger.Warn("Stop failed", zap.Error(err))
			}
		}

	case ButtonPause:
		switch p.op.State() {
		case StateRunning:
			p.execute(ctx, CommandPause)
		case StatePaused:
			p.execute(ctx, CommandResume)
		}

	case ButtonPreheat:
		p.execute(ctx, CommandPreheat)

	case sequencer.LimitSwitchInput:
		p.bus.Set(statebus.PressKey(p.id, statebus.LimitReached), true)
		p.logger.Debug("Limit switch reached")

	default:
		p.logger.Debug("Input pressed", zap.String("input", name))
	}
}

// startReleased confirms a start only if the button was held long enough.
func (p *Panel) startReleased(ctx context.Context, now time.Time) {
	p.mu.Lock()
	pressedAt := p.pressedAt
	p.pressedAt = time.Time{}
	p.mu.Unlock()

	if pressedAt.IsZero() {
		return
	}
	held := now.Sub(pressedAt)
	if held < p.longPress {
		p.logger.Info("Start button released too early", zap.Duration("held", held))
		return
	}
	p.logger.Info("Start confirmed by long press", zap.Duration("held", held))
	p.execute(ctx, CommandStart)
}

func (p *Panel) execute(ctx context.Context, cmd Command) {
	if err := p.op.Execute(ctx, cmd); err != nil {
		p.logger.Warn("Panel command failed", zap.String("command", string(cmd)), zap.Error(err))
	}
}

func (p *Panel) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.loop(p.stopChan)
}

func (p *Panel) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	stop := p.stopChan
	p.runMu.Unlock()

	close(stop)
	p.wg.Wait()
}

func (p *Panel) loop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.Update(ctx, now)
		}
	}
}
