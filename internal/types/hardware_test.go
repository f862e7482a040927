package types

import (
	"math"
	"testing"
)

func TestBindingApply(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		start   uint16
		on      bool
		want    uint16
	}{
		{"high on", Binding{Module: "31", Bit: 2, Type: ActiveHigh}, 0x0000, true, 0x0004},
		{"high off", Binding{Module: "31", Bit: 2, Type: ActiveHigh}, 0xFFFF, false, 0xFFFB},
		{"low on clears", Binding{Module: "31", Bit: 0, Type: ActiveLow}, 0x0001, true, 0x0000},
		{"low off sets", Binding{Module: "31", Bit: 15, Type: ActiveLow}, 0x0000, false, 0x8000},
		{"default polarity is high", Binding{Module: "31", Bit: 8}, 0x0000, true, 0x0100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.binding.Apply(tt.start, tt.on)
			if got != tt.want {
				t.Errorf("Apply = %#x, want %#x", got, tt.want)
			}
			if tt.binding.Active(got) != tt.on {
				t.Errorf("Active(%#x) = %v, want %v", got, !tt.on, tt.on)
			}
		})
	}
}

func TestHardwareValidate(t *testing.T) {
	hw := HardwareConfig{
		Presses: []PressHardware{{
			ID:             1,
			Modules:        PressModules{AI: "21", DO: "31"},
			HeaterChannels: []int{0, 1},
			Valves:         map[string]Binding{"open": {Module: "32", Bit: 16}},
		}},
	}
	if err := hw.Validate(); err == nil {
		t.Error("bit 16 should be rejected")
	}

	hw.Presses[0].Valves["open"] = Binding{Module: "32", Bit: 1}
	if err := hw.Validate(); err != nil {
		t.Errorf("valid topology rejected: %v", err)
	}

	hw.Presses = append(hw.Presses, hw.Presses[0])
	if err := hw.Validate(); err == nil {
		t.Error("duplicate press id should be rejected")
	}
}

func TestHardwareValidateModules(t *testing.T) {
	base := func() HardwareConfig {
		return HardwareConfig{
			Common: CommonModules{DIModule: "37", DIModule2: "38"},
			Presses: []PressHardware{{
				ID:            1,
				Modules:       PressModules{AI: "08", DO: "31"},
				Valves:        map[string]Binding{"open": {Module: "34", Bit: 0}},
				ControlInputs: map[string]Binding{"start_btn": {Module: "37", Bit: 0, Type: ActiveLow}},
				SafetyInputs:  map[string]Binding{"e_stop": {Module: "38", Bit: 0, Type: ActiveLow}},
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(h *HardwareConfig)
		wantErr bool
	}{
		{"valid", func(h *HardwareConfig) {}, false},
		{"safety input on unpolled module", func(h *HardwareConfig) {
			h.Presses[0].SafetyInputs["e_stop"] = Binding{Module: "39", Bit: 0, Type: ActiveLow}
		}, true},
		{"control input on unpolled module", func(h *HardwareConfig) {
			h.Presses[0].ControlInputs["limit_switch"] = Binding{Module: "34", Bit: 4}
		}, true},
		{"input module also drives outputs", func(h *HardwareConfig) {
			h.Presses[0].StatusOutputs = map[string]Binding{"lamp_run": {Module: "37", Bit: 9}}
		}, true},
		{"press do module is an input module", func(h *HardwareConfig) {
			h.Presses[0].Modules.DO = "38"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := base()
			tt.mutate(&h)
			if err := h.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOutputModulesDeduplicated(t *testing.T) {
	hw := HardwareConfig{
		Common: CommonModules{DOModule1: "32"},
		Presses: []PressHardware{
			{ID: 1, Modules: PressModules{DO: "31"}, Valves: map[string]Binding{"open": {Module: "32"}}},
			{ID: 2, Modules: PressModules{DO: "31"}, StatusOutputs: map[string]Binding{"lamp_run": {Module: "33"}}},
		},
	}
	got := hw.OutputModules()
	want := []string{"32", "31", "33"}
	if len(got) != len(want) {
		t.Fatalf("OutputModules = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("OutputModules[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTemperaturesMean(t *testing.T) {
	temps := Temperatures{100, math.NaN(), 200}
	mean, ok := temps.Mean()
	if !ok || mean != 150 {
		t.Errorf("Mean = %v, %v, want 150, true", mean, ok)
	}
	if _, ok := (Temperatures{math.NaN()}).Mean(); ok {
		t.Error("Mean of unknown channels should report false")
	}

	data, err := temps.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[100,null,200]" {
		t.Errorf("MarshalJSON = %s", data)
	}
}
