package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenPressCore/internal/dcon"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State      string              `json:"state"`
	Simulated  bool                `json:"simulated"`
	Database   bool                `json:"database"`
	PressCount int                 `json:"press_count"`
	Active     int                 `json:"active_presses"`
	BusQuality *dcon.QualityReport `json:"bus_quality,omitempty"`
}

// PressOperator is the part of a press controller exposed to the APIs.
type PressOperator interface {
	Execute(ctx context.Context, cmd press.Command) error
	Status() press.PressStatus
}

type LifecycleManager interface {
	Bus() *statebus.Bus
	Press(id int) (PressOperator, bool)
	PressStatuses() []press.PressStatus
	Runs(ctx context.Context, pressID, limit int) ([]storage.Run, error)
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
