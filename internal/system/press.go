package system

import (
	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/control"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/KevinKickass/OpenPressCore/internal/safety"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

// pressUnit bundles the components that run one press.
type pressUnit struct {
	hw          *types.PressHardware
	interlock   *safety.Interlock
	sequencer   *sequencer.Sequencer
	controller  *press.Controller
	temperature *control.TemperatureRegulator
	pressure    *control.PressureRegulator
	panel       *press.Panel
}

func newPressUnit(
	bus *statebus.Bus,
	hw *types.PressHardware,
	cfg *config.Config,
	tuning config.PressTuning,
	programs press.ProgramSource,
	logger *zap.Logger,
) *pressUnit {
	interlock := safety.NewInterlock(bus, hw, cfg.Safety, logger)
	seq := sequencer.New(bus, hw, cfg.Control.SequencerTick, logger)
	controller := press.NewController(bus, hw, seq, interlock, programs, cfg.Control.SequencerTick, logger)
	pressure := control.NewPressureRegulator(bus, hw, tuning.Pressure, interlock, logger)

	return &pressUnit{
		hw:          hw,
		interlock:   interlock,
		sequencer:   seq,
		controller:  controller,
		temperature: control.NewTemperatureRegulator(bus, hw, tuning, interlock, cfg.Control.RegulatorTick, logger),
		pressure:    pressure,
		panel:       press.NewPanel(bus, hw, controller, interlock, pressure, cfg.Control.LongPress, cfg.Control.PanelTick, logger),
	}
}

func (u *pressUnit) start() {
	u.controller.StartLoop()
	u.sequencer.StartLoop()
	u.temperature.Start()
	u.panel.Start()
}

// stoppers returns the loop shutdown functions, outputs first.
func (u *pressUnit) stoppers() []func() {
	return []func(){
		u.panel.Stop,
		u.temperature.Stop,
		u.sequencer.StopLoop,
		u.controller.StopLoop,
	}
}

func (u *pressUnit) applyTuning(t config.PressTuning) {
	u.temperature.ApplyTuning(t)
	u.pressure.ApplyTuning(t.Pressure)
}
