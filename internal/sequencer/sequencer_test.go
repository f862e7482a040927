package sequencer

import (
	"math"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

func f(v float64) *float64 { return &v }

func testHardware() *types.PressHardware {
	return &types.PressHardware{
		ID:             1,
		Modules:        types.PressModules{AI: "21", DO: "31"},
		HeaterChannels: []int{0, 1},
		ControlInputs: map[string]types.Binding{
			LimitSwitchInput: {Module: "11", Bit: 3},
		},
	}
}

func newTestSequencer(bus *statebus.Bus) *Sequencer {
	return New(bus, testHardware(), 40*time.Millisecond, zap.NewNop())
}

func targetTemp(t *testing.T, bus *statebus.Bus) float64 {
	t.Helper()
	v, ok := bus.Float(statebus.PressKey(1, statebus.TargetTemp))
	if !ok {
		t.Fatal("no target temperature published")
	}
	return v
}

func TestRampTempScenario(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.Temps), types.Temperatures{20, 20, 20, 20, 20, 20, 20, 20})

	s := newTestSequencer(bus)
	program := &Program{TempProgram: []Step{
		{Kind: KindRampTemp, TargetTemp: f(150), RampTime: f(300), HoldTime: f(300)},
	}}

	t0 := time.Now()
	if err := s.Start(program, t0); err != nil {
		t.Fatal(err)
	}

	at := func(sec float64) time.Time { return t0.Add(time.Duration(sec * float64(time.Second))) }

	s.Tick(at(0))
	if got := targetTemp(t, bus); got != 20 {
		t.Errorf("t=0 target = %v, want 20", got)
	}

	s.Tick(at(150))
	if got := targetTemp(t, bus); math.Abs(got-85) > 1e-9 {
		t.Errorf("t=150 target = %v, want 85", got)
	}

	for _, sec := range []float64{300, 450, 599.9} {
		if s.Tick(at(sec)) {
			t.Fatalf("completed early at t=%v", sec)
		}
		if got := targetTemp(t, bus); got != 150 {
			t.Errorf("t=%v target = %v, want 150", sec, got)
		}
	}

	if !s.Tick(at(600)) {
		t.Fatal("program should complete at t=600")
	}
	p := s.Progress()
	if p.TempIndex != 1 || !p.Completed || p.Running {
		t.Errorf("progress = %+v", p)
	}
	if _, ok := bus.Float(statebus.PressKey(1, statebus.TargetTemp)); ok {
		t.Error("completion should clear the target temperature")
	}
}

func TestRampStartsFromPreviousTarget(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.Temps), types.Temperatures{20, 20})

	s := newTestSequencer(bus)
	program := &Program{TempProgram: []Step{
		{Kind: KindRampTemp, TargetTemp: f(100), RampTime: f(10)},
		{Kind: KindRampTemp, TargetTemp: f(200), RampTime: f(10)},
	}}

	t0 := time.Now()
	s.Start(program, t0)
	s.Tick(t0)
	s.Tick(t0.Add(10 * time.Second)) // first ramp done
	s.Tick(t0.Add(10 * time.Second)) // second ramp entered at 100
	s.Tick(t0.Add(15 * time.Second))

	if got := targetTemp(t, bus); got != 150 {
		t.Errorf("target = %v, want 150", got)
	}
}

func TestPauseFreezesClock(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.Temps), types.Temperatures{20, 20})

	s := newTestSequencer(bus)
	program := &Program{TempProgram: []Step{
		{Kind: KindRampTemp, TargetTemp: f(150), RampTime: f(300), HoldTime: f(300)},
	}}

	t0 := time.Now()
	s.Start(program, t0)
	s.Tick(t0)
	s.Tick(t0.Add(100 * time.Second))

	if !s.Pause(t0.Add(100 * time.Second)) {
		t.Fatal("pause refused")
	}
	frozen := targetTemp(t, bus)

	s.Tick(t0.Add(400 * time.Second))
	if got := targetTemp(t, bus); got != frozen {
		t.Errorf("target moved while paused: %v -> %v", frozen, got)
	}
	if s.Elapsed() != 100*time.Second {
		t.Errorf("elapsed = %v, want 100s", s.Elapsed())
	}

	s.Resume(t0.Add(500 * time.Second))
	s.Tick(t0.Add(550 * time.Second))
	if got := targetTemp(t, bus); math.Abs(got-85) > 1e-9 {
		t.Errorf("target after resume = %v, want 85", got)
	}
	if s.Elapsed() != 150*time.Second {
		t.Errorf("elapsed = %v, want 150s", s.Elapsed())
	}
}

func TestIndexMonotonicAndFinite(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.Temps), types.Temperatures{20, 20})
	bus.Set(statebus.PressKey(1, statebus.Pressure), 0.0)
	bus.SetInputShadow("11", 1<<3)

	s := newTestSequencer(bus)
	program := &Program{
		TempProgram: []Step{
			{Kind: KindHeat, TargetTemp: f(180), MaxDuration: f(5)},
			{Kind: "bogus"},
			{},
			{Kind: KindRampTemp, TargetTemp: f(90), RampTime: f(3), HoldTime: f(2)},
			{Kind: KindCool, Duration: f(3)},
			{Kind: KindPause, Duration: f(2)},
		},
		PressureProgram: []Step{
			{Kind: KindLiftToLimit},
			{Kind: KindPressureControl, Pressure: f(6), Duration: f(2)},
			{Kind: KindRampPressure, TargetPressure: f(8), RampTime: f(4), HoldTime: f(1)},
			{Kind: KindHold, TargetPressure: f(8), HoldTime: f(2)},
			{Kind: KindOpenMold, HoldTime: f(1)},
			{Kind: KindPause, Duration: f(1000)},
		},
	}

	t0 := time.Now()
	s.Start(program, t0)

	lastTemp, lastPressure := 0, 0
	done := false
	for i := 0; i < 2000 && !done; i++ {
		done = s.Tick(t0.Add(time.Duration(i) * 500 * time.Millisecond))
		p := s.Progress()
		if p.TempIndex < lastTemp || p.PressureIndex < lastPressure {
			t.Fatalf("index went backwards at tick %d: %+v", i, p)
		}
		lastTemp, lastPressure = p.TempIndex, p.PressureIndex
	}

	if !done {
		t.Fatalf("program did not finish: %+v", s.Progress())
	}
	p := s.Progress()
	if p.TempIndex != len(program.TempProgram) || p.PressureIndex != len(program.PressureProgram) {
		t.Errorf("final progress = %+v", p)
	}
}

func TestHeatCompletion(t *testing.T) {
	tests := []struct {
		name  string
		temps types.Temperatures
		want  bool
	}{
		{"all zones within tolerance", types.Temperatures{149, 148.5}, true},
		{"one zone cold", types.Temperatures{150, 120}, false},
		{"unknown zone ignored", types.Temperatures{149, math.NaN()}, true},
		{"no reading", types.Temperatures{math.NaN(), math.NaN()}, false},
		{"channels beyond the zones ignored", types.Temperatures{150, 150, 20}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := statebus.New()
			bus.Set(statebus.PressKey(1, statebus.Temps), tt.temps)

			s := newTestSequencer(bus)
			program := &Program{TempProgram: []Step{
				{Kind: KindHeat, TargetTemp: f(150)},
				{Kind: KindPause, Duration: f(60)},
			}}
			t0 := time.Now()
			s.Start(program, t0)
			s.Tick(t0)

			if got := s.Progress().TempIndex == 1; got != tt.want {
				t.Errorf("completed = %v, want %v", got, tt.want)
			}
			if targetTemp(t, bus) != 150 {
				t.Error("heat should publish its target")
			}
		})
	}
}

func TestLiftToLimit(t *testing.T) {
	bus := statebus.New()
	s := newTestSequencer(bus)
	program := &Program{PressureProgram: []Step{
		{Kind: KindLiftToLimit},
		{Kind: KindPause, Duration: f(60)},
	}}

	t0 := time.Now()
	s.Start(program, t0)
	s.Tick(t0)
	s.Tick(t0.Add(time.Second))

	if !bus.Bool(statebus.PressKey(1, statebus.ValveLiftUp)) {
		t.Fatal("lift up should be asserted until the limit")
	}
	if s.Progress().PressureIndex != 0 {
		t.Fatal("step finished without limit")
	}

	bus.SetInputShadow("11", 1<<3)
	s.Tick(t0.Add(2 * time.Second))

	if bus.Bool(statebus.PressKey(1, statebus.ValveLiftUp)) {
		t.Error("lift up should be released at the limit")
	}
	if s.Progress().PressureIndex != 1 {
		t.Errorf("pressure index = %d, want 1", s.Progress().PressureIndex)
	}
}

func TestLiftToLimitFromPanelFlag(t *testing.T) {
	bus := statebus.New()
	s := newTestSequencer(bus)
	s.Start(&Program{PressureProgram: []Step{{Kind: KindLiftToLimit}, {Kind: KindPause}}}, time.Now())

	now := time.Now()
	s.Tick(now)
	bus.Set(statebus.PressKey(1, statebus.LimitReached), true)
	s.Tick(now.Add(time.Second))

	if s.Progress().PressureIndex != 1 {
		t.Error("limit flag should end the step")
	}
	if bus.Bool(statebus.PressKey(1, statebus.LimitReached)) {
		t.Error("limit flag should be consumed")
	}
}

func TestOpenMoldEndsPressureTrack(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.TargetTemp), 180.0)

	s := newTestSequencer(bus)
	program := &Program{PressureProgram: []Step{
		{Kind: KindPressureControl, Pressure: f(8), Duration: f(1)},
		{Kind: KindOpenMold, HoldTime: f(5)},
		{Kind: KindPause, Duration: f(100)},
	}}

	t0 := time.Now()
	s.Start(program, t0)
	s.Tick(t0)
	if v, _ := bus.Float(statebus.PressKey(1, statebus.TargetPressure)); v != 8 {
		t.Fatalf("target pressure = %v, want 8", v)
	}

	s.Tick(t0.Add(1 * time.Second))
	s.Tick(t0.Add(2 * time.Second))

	if !bus.Bool(statebus.PressKey(1, statebus.ValveLiftDown)) {
		t.Error("open_mold should assert lift down")
	}
	if v, _ := bus.Float(statebus.PressKey(1, statebus.TargetPressure)); v != 0 {
		t.Errorf("target pressure = %v, want 0", v)
	}
	if _, ok := bus.Float(statebus.PressKey(1, statebus.TargetTemp)); ok {
		t.Error("open_mold should clear the temperature target")
	}

	if s.Tick(t0.Add(6 * time.Second)) {
		t.Fatal("hold time not over yet")
	}
	if !s.Tick(t0.Add(7 * time.Second)) {
		t.Fatal("program should complete once the mold is open")
	}
	if bus.Bool(statebus.PressKey(1, statebus.ValveLiftDown)) {
		t.Error("lift down should be released")
	}
	if p := s.Progress(); p.PressureIndex != 3 {
		t.Errorf("pressure index = %d, want 3", p.PressureIndex)
	}
}

func TestStopClearsOutputs(t *testing.T) {
	bus := statebus.New()
	s := newTestSequencer(bus)
	program := &Program{
		TempProgram:     []Step{{Kind: KindHeat, TargetTemp: f(150)}},
		PressureProgram: []Step{{Kind: KindLiftToLimit}},
	}

	now := time.Now()
	s.Start(program, now)
	s.Tick(now)
	s.Stop()

	if s.Running() {
		t.Error("still running after stop")
	}
	if _, ok := bus.Float(statebus.PressKey(1, statebus.TargetTemp)); ok {
		t.Error("target temperature not cleared")
	}
	if bus.Bool(statebus.PressKey(1, statebus.ValveLiftUp)) {
		t.Error("lift up not released")
	}
	if got := bus.String(statebus.StepStatusKey(1, string(TrackPressure))); got != StatusStopped {
		t.Errorf("step status = %q", got)
	}
	if s.Tick(now.Add(time.Second)) {
		t.Error("stopped sequencer should not complete")
	}
}

func TestStartRejectsRunningAndEmpty(t *testing.T) {
	s := newTestSequencer(statebus.New())

	if err := s.Start(&Program{}, time.Now()); err != ErrEmptyProgram {
		t.Errorf("empty program err = %v", err)
	}

	program := &Program{TempProgram: []Step{{Kind: KindPause}}}
	if err := s.Start(program, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(program, time.Now()); err != ErrRunning {
		t.Errorf("second start err = %v", err)
	}
}

func TestMalformedStepIsSkipped(t *testing.T) {
	bus := statebus.New()
	bus.Set(statebus.PressKey(1, statebus.Temps), types.Temperatures{40, 40})

	s := newTestSequencer(bus)
	program := &Program{
		TempProgram: []Step{
			{Kind: KindHeat, TargetTemp: f(300), Malformed: "expected number, but got string"},
			{Kind: KindRampTemp, TargetTemp: f(90), RampTime: f(10), HoldTime: f(10)},
		},
	}

	t0 := time.Now()
	s.Start(program, t0)
	s.Tick(t0)
	if got := s.Progress().TempIndex; got != 1 {
		t.Fatalf("temp index after malformed step = %d, want 1", got)
	}

	s.Tick(t0.Add(time.Second))
	if got := targetTemp(t, bus); got >= 90 || got < 40 {
		t.Errorf("target = %v, want ramp between 40 and 90", got)
	}
}
