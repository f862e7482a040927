package types

import (
	"fmt"
	"sort"
)

// Polarity describes how a logical signal maps onto a physical bit.
type Polarity string

const (
	ActiveHigh Polarity = "active_high"
	ActiveLow  Polarity = "active_low"
)

// Binding ties a logical signal to one bit of a 16-bit digital module.
type Binding struct {
	Module string   `mapstructure:"module" json:"module"`
	Bit    int      `mapstructure:"bit" json:"bit"`
	Type   Polarity `mapstructure:"type" json:"type"`
}

func (b Binding) IsZero() bool {
	return b.Module == ""
}

func (b Binding) Validate() error {
	if b.Module == "" {
		return fmt.Errorf("binding has no module")
	}
	if b.Bit < 0 || b.Bit > 15 {
		return fmt.Errorf("bit %d out of range on module %s", b.Bit, b.Module)
	}
	switch b.Type {
	case "", ActiveHigh, ActiveLow:
		return nil
	default:
		return fmt.Errorf("unknown polarity %q on module %s", b.Type, b.Module)
	}
}

func (b Binding) mask() uint16 {
	return 1 << uint(b.Bit)
}

// Apply returns value with the bound bit driven to the requested logical state.
func (b Binding) Apply(value uint16, on bool) uint16 {
	level := on
	if b.Type == ActiveLow {
		level = !on
	}
	if level {
		return value | b.mask()
	}
	return value &^ b.mask()
}

// Active reports whether the bound bit is asserted in value.
func (b Binding) Active(value uint16) bool {
	set := value&b.mask() != 0
	if b.Type == ActiveLow {
		return !set
	}
	return set
}

// HardwareConfig is the static bus topology.
type HardwareConfig struct {
	Common  CommonModules   `mapstructure:"common" json:"common"`
	Presses []PressHardware `mapstructure:"presses" json:"presses"`
}

type CommonModules struct {
	DIModule         string `mapstructure:"di_module" json:"di_module"`
	DIModule2        string `mapstructure:"di_module_2" json:"di_module_2,omitempty"`
	DOModule1        string `mapstructure:"do_module_1" json:"do_module_1,omitempty"`
	DOModule2        string `mapstructure:"do_module_2" json:"do_module_2,omitempty"`
	AIPressureModule string `mapstructure:"ai_pressure_module" json:"ai_pressure_module,omitempty"`
}

type PressModules struct {
	AI string `mapstructure:"ai" json:"ai"`
	DO string `mapstructure:"do" json:"do"`
}

type PressHardware struct {
	ID int `mapstructure:"id" json:"id"`

	Modules PressModules `mapstructure:"modules" json:"modules"`

	// Bits on Modules.DO driving the heater zones, zone i reads temps[i].
	HeaterChannels []int `mapstructure:"heater_channels" json:"heater_channels"`

	// Channel of the common pressure module carrying this press' pressure.
	PressureChannel int `mapstructure:"pressure_channel" json:"pressure_channel"`

	Valves        map[string]Binding `mapstructure:"valves" json:"valves"`
	StatusOutputs map[string]Binding `mapstructure:"status_outputs" json:"status_outputs"`
	ControlInputs map[string]Binding `mapstructure:"control_inputs" json:"control_inputs"`
	SafetyInputs  map[string]Binding `mapstructure:"safety_inputs" json:"safety_inputs"`
}

// Output looks up an actuator binding in valves first, then status outputs.
func (p *PressHardware) Output(name string) (Binding, bool) {
	if b, ok := p.Valves[name]; ok {
		return b, true
	}
	b, ok := p.StatusOutputs[name]
	return b, ok
}

// HeaterBindings returns the heater zones as active-high bindings on the press DO module.
func (p *PressHardware) HeaterBindings() []Binding {
	out := make([]Binding, 0, len(p.HeaterChannels))
	for _, ch := range p.HeaterChannels {
		out = append(out, Binding{Module: p.Modules.DO, Bit: ch, Type: ActiveHigh})
	}
	return out
}

// OwnedOutputs lists every output bit this press drives: heaters, valves
// and status lamps, in a stable order.
func (p *PressHardware) OwnedOutputs() []Binding {
	out := p.HeaterBindings()
	for _, group := range []map[string]Binding{p.Valves, p.StatusOutputs} {
		names := make([]string, 0, len(group))
		for name := range group {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, group[name])
		}
	}
	return out
}

func (p *PressHardware) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("press id must be positive, got %d", p.ID)
	}
	if p.Modules.AI == "" {
		return fmt.Errorf("press %d: missing ai module", p.ID)
	}
	if len(p.HeaterChannels) > 0 && p.Modules.DO == "" {
		return fmt.Errorf("press %d: heater channels without do module", p.ID)
	}
	for _, ch := range p.HeaterChannels {
		if ch < 0 || ch > 15 {
			return fmt.Errorf("press %d: heater channel %d out of range", p.ID, ch)
		}
	}
	groups := []map[string]Binding{p.Valves, p.StatusOutputs, p.ControlInputs, p.SafetyInputs}
	for _, group := range groups {
		for name, b := range group {
			if err := b.Validate(); err != nil {
				return fmt.Errorf("press %d: %s: %w", p.ID, name, err)
			}
		}
	}
	return nil
}

// OutputModules returns every digital output module referenced by the topology.
func (h *HardwareConfig) OutputModules() []string {
	seen := make(map[string]bool)
	var modules []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			modules = append(modules, m)
		}
	}
	add(h.Common.DOModule1)
	add(h.Common.DOModule2)
	for _, p := range h.Presses {
		add(p.Modules.DO)
		for _, b := range p.Valves {
			add(b.Module)
		}
		for _, b := range p.StatusOutputs {
			add(b.Module)
		}
	}
	return modules
}

// InputModules returns the digital input modules polled every digital cycle.
func (h *HardwareConfig) InputModules() []string {
	var modules []string
	if h.Common.DIModule != "" {
		modules = append(modules, h.Common.DIModule)
	}
	if h.Common.DIModule2 != "" && h.Common.DIModule2 != h.Common.DIModule {
		modules = append(modules, h.Common.DIModule2)
	}
	return modules
}

func (h *HardwareConfig) Press(id int) (*PressHardware, bool) {
	for i := range h.Presses {
		if h.Presses[i].ID == id {
			return &h.Presses[i], true
		}
	}
	return nil, false
}

func (h *HardwareConfig) Validate() error {
	if len(h.Presses) == 0 {
		return fmt.Errorf("no presses configured")
	}
	seen := make(map[int]bool)
	for i := range h.Presses {
		p := &h.Presses[i]
		if seen[p.ID] {
			return fmt.Errorf("duplicate press id %d", p.ID)
		}
		seen[p.ID] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return h.validateModules()
}

// validateModules checks that every input binding sits on a polled input
// module and that no module is used both ways.
func (h *HardwareConfig) validateModules() error {
	inputs := make(map[string]bool)
	for _, m := range h.InputModules() {
		inputs[m] = true
	}
	for _, m := range h.OutputModules() {
		if inputs[m] {
			return fmt.Errorf("module %s is configured as both input and output", m)
		}
	}
	for _, p := range h.Presses {
		for _, group := range []map[string]Binding{p.ControlInputs, p.SafetyInputs} {
			for name, b := range group {
				if !inputs[b.Module] {
					return fmt.Errorf("press %d: %s: module %s is not a polled input module", p.ID, name, b.Module)
				}
			}
		}
	}
	return nil
}
