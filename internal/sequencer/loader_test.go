package sequencer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProgram(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeProgram(t, dir, "press1.json", `{
		"name": "PVC 4mm",
		"temp_program": [
			{"step": "heat", "target_temp": 120, "max_duration": 900},
			{"step": "ramp_temp", "target_temp": 160, "ramp_time": 600, "hold_time": 1200},
			{"step": "cool", "duration": 600}
		],
		"pressure_program": [
			{"step": "lift_to_limit"},
			{"step": "ramp_pressure", "target_pressure": 8, "ramp_time": 120},
			{"step": "open_mold", "hold_time": 20}
		]
	}`)

	l, err := NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := l.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p.Name != "PVC 4mm" || len(p.TempProgram) != 3 || len(p.PressureProgram) != 3 {
		t.Fatalf("program = %+v", p)
	}
	if p.TempProgram[1].Kind != KindRampTemp || *p.TempProgram[1].HoldTime != 1200 {
		t.Errorf("step = %+v", p.TempProgram[1])
	}
	if p.PreheatTarget() != 120 {
		t.Errorf("preheat = %v", p.PreheatTarget())
	}
	if p.ForceOpenTime() != 20*time.Second {
		t.Errorf("force open = %v", p.ForceOpenTime())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeProgram(t, dir, "press2.yaml", `
name: test
temp_program:
  - step: ramp_temp
    target_temp: 150
    ramp_time: 300
    hold_time: 300
`)

	l, _ := NewLoader(dir)
	p, err := l.Load(2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.TempProgram) != 1 || *p.TempProgram[0].TargetTemp != 150 {
		t.Errorf("program = %+v", p)
	}
	if len(p.PressureProgram) != 0 {
		t.Error("pressure track should be empty")
	}
	if p.ForceOpenTime() != time.Duration(DefaultForceOpenTime)*time.Second {
		t.Errorf("force open = %v", p.ForceOpenTime())
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeProgram(t, dir, "press1.json", `{"temp_program": {"step": "heat"}}`)
	writeProgram(t, dir, "press2.json", `{"temp_program": [], "pressure_program": []}`)
	writeProgram(t, dir, "press3.json", `[{"step": "heat"}]`)
	writeProgram(t, dir, "press4.json", `{"temp_program": [`)

	l, _ := NewLoader(dir)

	if _, err := l.Load(1); err == nil {
		t.Error("track that is not a list should fail validation")
	}
	if _, err := l.Load(2); !errors.Is(err, ErrEmptyProgram) {
		t.Errorf("empty program err = %v", err)
	}
	if _, err := l.Load(3); err == nil {
		t.Error("bare list should fail validation")
	}
	if _, err := l.Load(4); err == nil {
		t.Error("truncated JSON should fail")
	}
	if _, err := l.Load(9); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("missing program err = %v", err)
	}
}

func TestUnknownKindLoadsAndIsSkipped(t *testing.T) {
	l, _ := NewLoader(t.TempDir())
	p, err := l.Parse([]byte(`{"temp_program": [{"step": "anneal"}, {"duration": 3}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.TempProgram[0].Kind != "anneal" || p.TempProgram[1].Kind != "" {
		t.Errorf("program = %+v", p)
	}
}

func TestMalformedStepsAreKept(t *testing.T) {
	l, _ := NewLoader(t.TempDir())
	p, err := l.Parse([]byte(`{
		"temp_program": [
			{"step": "heat", "target_temp": "hot"},
			"heat",
			{"step": "cool", "duration": 5},
			{"step": "pause", "duration": -5}
		],
		"pressure_program": [{"step": "hold", "target_pressure": 4}]
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		index     int
		kind      Kind
		malformed bool
	}{
		{0, KindHeat, true},
		{1, "", true},
		{2, KindCool, false},
		{3, KindPause, true},
	}
	if len(p.TempProgram) != len(tests) {
		t.Fatalf("temp steps = %d, want %d", len(p.TempProgram), len(tests))
	}
	for _, tt := range tests {
		s := p.TempProgram[tt.index]
		if s.Kind != tt.kind || (s.Malformed != "") != tt.malformed {
			t.Errorf("step %d = kind %q malformed %q", tt.index, s.Kind, s.Malformed)
		}
	}
	if *p.TempProgram[2].Duration != 5 {
		t.Errorf("cool duration = %v", *p.TempProgram[2].Duration)
	}
	if len(p.PressureProgram) != 1 || p.PressureProgram[0].Malformed != "" {
		t.Errorf("pressure track = %+v", p.PressureProgram)
	}
}
