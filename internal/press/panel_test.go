package press

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/statebus"
)

// press toggles one input bit on at down and off at up, running a panel
// pass after each edge.
func (r *rig) press(bit uint, down, up time.Time) {
	ctx := context.Background()
	r.bus.SetInputShadow("11", 1<<bit)
	r.panel.Update(ctx, down)
	r.bus.SetInputShadow("11", 0)
	r.panel.Update(ctx, up)
}

func newPanelRig(t *testing.T) *rig {
	r := newRig(t, testProgram())
	r.ctrl.Step(context.Background(), r.t0)
	r.bus.SetInputShadow("11", 0)
	r.panel.Update(context.Background(), r.t0)
	return r
}

func TestLongPressStarts(t *testing.T) {
	r := newPanelRig(t)

	r.press(0, r.at(100*time.Millisecond), r.at(time.Second))
	if r.ctrl.State() != StateIdle {
		t.Fatalf("short press started the press: %s", r.ctrl.State())
	}

	r.press(0, r.at(2*time.Second), r.at(5100*time.Millisecond))
	if r.ctrl.State() != StateRunning {
		t.Fatalf("long press did not start: %s", r.ctrl.State())
	}
}

func TestFirstObservationIsNotAnEdge(t *testing.T) {
	r := newRig(t, testProgram())
	ctx := context.Background()
	r.ctrl.Step(ctx, r.t0)

	// Preheat button already held when the panel first looks.
	r.bus.SetInputShadow("11", 1<<3)
	r.panel.Update(ctx, r.t0)

	if _, ok := r.bus.Float(statebus.PressKey(1, statebus.TargetTemp)); ok {
		t.Error("held button at startup triggered preheat")
	}
}

func TestStopOnlyWhenPaused(t *testing.T) {
	r := newPanelRig(t)
	r.ctrl.Start(context.Background())

	r.press(1, r.at(time.Second), r.at(1200*time.Millisecond))
	if r.ctrl.State() != StateRunning {
		t.Fatalf("stop honoured while running: %s", r.ctrl.State())
	}

	r.press(2, r.at(2*time.Second), r.at(2200*time.Millisecond))
	if r.ctrl.State() != StatePaused {
		t.Fatalf("pause button: %s", r.ctrl.State())
	}

	r.press(1, r.at(3*time.Second), r.at(3200*time.Millisecond))
	if r.ctrl.State() != StateStopped {
		t.Fatalf("stop while paused: %s", r.ctrl.State())
	}
	if !r.bus.Bool(statebus.PressKey(1, statebus.ValveLiftDown)) {
		t.Error("soft stop should open the mold")
	}
}

func TestPauseButtonToggles(t *testing.T) {
	r := newPanelRig(t)
	r.ctrl.Start(context.Background())

	r.press(2, r.at(time.Second), r.at(1100*time.Millisecond))
	r.press(2, r.at(2*time.Second), r.at(2100*time.Millisecond))

	if r.ctrl.State() != StateRunning {
		t.Errorf("state = %s, want running after second pause press", r.ctrl.State())
	}
}

func TestLampsFollowState(t *testing.T) {
	r := newPanelRig(t)
	ctx := context.Background()

	r.press(3, r.at(100*time.Millisecond), r.at(200*time.Millisecond))
	if got := outputValue(r.bus, "33"); got != 1<<3 {
		t.Errorf("preheat lamps = %#x, want lamp_preheat", got)
	}

	r.ctrl.Start(ctx)
	r.ctrl.Pause()
	r.panel.Update(ctx, r.at(time.Second))
	if got := outputValue(r.bus, "33"); got != 1<<1|1<<2 {
		t.Errorf("paused lamps = %#x, want lamp_run|lamp_pause", got)
	}

	d := r.bus.Get(statebus.PressKey(1, statebus.Desired), nil).(map[string]bool)
	if !d["lamp_run"] || !d["lamp_pause"] || d["lamp_error"] {
		t.Errorf("desired = %v", d)
	}
}

func TestLiftKeysDriveValves(t *testing.T) {
	r := newPanelRig(t)
	ctx := context.Background()

	r.bus.Set(statebus.PressKey(1, statebus.ValveLiftUp), true)
	r.panel.Update(ctx, r.at(time.Second))
	if got := outputValue(r.bus, "32"); got != 1<<2 {
		t.Errorf("valves = %#x, want lift_up", got)
	}

	r.bus.Set(statebus.PressKey(1, statebus.ValveLiftUp), false)
	r.bus.Set(statebus.PressKey(1, statebus.ValveLiftDown), true)
	r.panel.Update(ctx, r.at(2*time.Second))
	if got := outputValue(r.bus, "32"); got != 1<<3 {
		t.Errorf("valves = %#x, want lift_down", got)
	}
}

func TestLimitSwitchEdge(t *testing.T) {
	r := newPanelRig(t)

	r.bus.SetInputShadow("11", 1<<4)
	r.panel.Update(context.Background(), r.at(time.Second))

	if !r.bus.Bool(statebus.PressKey(1, statebus.LimitReached)) {
		t.Error("limit switch edge not published")
	}
}
