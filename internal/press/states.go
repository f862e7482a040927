package press

import (
	"errors"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/safety"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/types"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFault     State = "fault"
)

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

type Command string

const (
	CommandStart         Command = "start"
	CommandStop          Command = "stop"
	CommandPause         Command = "pause"
	CommandResume        Command = "resume"
	CommandEmergencyStop Command = "emergency_stop"
	CommandPreheat       Command = "preheat"
)

func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandStart, CommandStop, CommandPause, CommandResume, CommandEmergencyStop, CommandPreheat:
		return c, nil
	}
	return "", ErrUnknownCommand
}

var (
	ErrAlreadyRunning = errors.New("press already running")
	ErrNotRunning     = errors.New("press not running")
	ErrNotPaused      = errors.New("press not paused")
	ErrUnsafe         = errors.New("press interlock reports unsafe")
	ErrUnknownCommand = errors.New("unknown command")
)

type PressStatus struct {
	ID              int                `json:"id"`
	State           State              `json:"state"`
	RunID           string             `json:"run_id,omitempty"`
	Program         string             `json:"program,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Safety          safety.Verdict     `json:"safety"`
	Progress        sequencer.Progress `json:"progress"`
	TargetTemp      *float64           `json:"target_temp"`
	TargetPressure  float64            `json:"target_pressure"`
	Temperatures    types.Temperatures `json:"temperatures"`
	Pressure        *float64           `json:"pressure"`
	Cycles          int                `json:"cycles"`
	LastStateChange time.Time          `json:"last_state_change"`
}
