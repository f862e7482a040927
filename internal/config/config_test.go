package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

const testConfig = `
serial:
  mode: simulation
hardware:
  common:
    di_module: "35"
    ai_pressure_module: "22"
  presses:
    - id: 1
      modules: {ai: "21", do: "31"}
      heater_channels: [0, 1, 2]
      pressure_channel: 0
      valves:
        open: {module: "32", bit: 0, type: active_high}
        close: {module: "32", bit: 1, type: active_high}
        lift_up: {module: "32", bit: 2, type: active_low}
      status_outputs:
        lamp_error: {module: "33", bit: 7}
      control_inputs:
        start_btn: {module: "35", bit: 0, type: active_low}
      safety_inputs:
        emergency_stop: {module: "35", bit: 15, type: active_low}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", testConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Simulated() {
		t.Error("expected simulation mode")
	}
	if cfg.Scheduler.Tick != 10*time.Millisecond {
		t.Errorf("scheduler tick = %v", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.PressureInterval != 500*time.Millisecond {
		t.Errorf("pressure interval = %v", cfg.Scheduler.PressureInterval)
	}
	if cfg.Serial.ResponseTimeout != 300*time.Millisecond || cfg.Serial.Cooldown != 50*time.Millisecond {
		t.Errorf("serial timings = %v / %v", cfg.Serial.ResponseTimeout, cfg.Serial.Cooldown)
	}
	if cfg.Safety.MaxTemperature != 250 || cfg.Safety.DisconnectedBelow != -10 {
		t.Errorf("safety = %+v", cfg.Safety)
	}
	if cfg.Control.LongPress != 3*time.Second {
		t.Errorf("long press = %v", cfg.Control.LongPress)
	}
}

func TestLoadHardwareTopology(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", testConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := cfg.Hardware.Press(1)
	if !ok {
		t.Fatal("press 1 missing")
	}
	if len(p.HeaterChannels) != 3 {
		t.Errorf("heater channels = %v", p.HeaterChannels)
	}
	lift := p.Valves["lift_up"]
	if lift.Module != "32" || lift.Bit != 2 || lift.Type != types.ActiveLow {
		t.Errorf("lift_up = %+v", lift)
	}
	if b, ok := p.Output("lamp_error"); !ok || b.Bit != 7 {
		t.Errorf("lamp_error = %+v, %v", b, ok)
	}
	if estop := p.SafetyInputs["emergency_stop"]; estop.Bit != 15 {
		t.Errorf("emergency_stop = %+v", estop)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	bad := "serial:\n  mode: carrier-pigeon\n" + testConfig[len("\nserial:\n  mode: simulation\n"):]
	if _, err := Load(writeFile(t, "config.yaml", bad)); err == nil {
		t.Error("expected an error for an unknown serial mode")
	}
}

func TestLoadRejectsMissingPresses(t *testing.T) {
	if _, err := Load(writeFile(t, "config.yaml", "serial:\n  mode: simulation\n")); err == nil {
		t.Error("expected an error without presses")
	}
}

const testPID = `
presses:
  - id: 1
    pwm_period: 8
    zones:
      - {kp: 4, ki: 0.1, kd: 2}
    pressure_pid: {kp: 12, ki: 1, kd: 0}
`

func TestPIDPressFillsDefaults(t *testing.T) {
	cfg, err := LoadPID(writeFile(t, "pid.yaml", testPID))
	if err != nil {
		t.Fatalf("LoadPID: %v", err)
	}

	p := cfg.Press(1, 3)
	if p.PWMPeriod != 8 {
		t.Errorf("pwm period = %v", p.PWMPeriod)
	}
	if len(p.Zones) != 3 || p.Zones[0].Kp != 4 || p.Zones[2] != DefaultZoneTuning {
		t.Errorf("zones = %+v", p.Zones)
	}
	if p.Pressure.Kp != 12 {
		t.Errorf("pressure = %+v", p.Pressure)
	}
	if len(cfg.Presses[0].Zones) != 1 {
		t.Error("Press must not modify the loaded config")
	}

	other := cfg.Press(2, 1)
	if other.PWMPeriod != DefaultPWMPeriod || other.Pressure != DefaultPressureTuning {
		t.Errorf("unknown press = %+v", other)
	}
}

func TestPIDWatcherReloadsOnModification(t *testing.T) {
	path := writeFile(t, "pid.yaml", testPID)

	var got []*PIDConfig
	w := NewPIDWatcher(path, time.Hour, func(c *PIDConfig) { got = append(got, c) }, zap.NewNop())

	if reloaded, err := w.Check(); err != nil || !reloaded {
		t.Fatalf("first Check = %v, %v", reloaded, err)
	}
	if reloaded, _ := w.Check(); reloaded {
		t.Error("unchanged file should not reload")
	}

	updated := `
presses:
  - id: 1
    zones:
      - {kp: 9, ki: 0, kd: 0}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if reloaded, err := w.Check(); err != nil || !reloaded {
		t.Fatalf("Check after change = %v, %v", reloaded, err)
	}
	if len(got) != 2 || got[1].Presses[0].Zones[0].Kp != 9 {
		t.Errorf("callbacks = %d", len(got))
	}
}
