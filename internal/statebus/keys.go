package statebus

import "fmt"

// Key suffixes of the per-press namespace (press_<id>_<suffix>).
const (
	Temps          = "temps"
	Pressure       = "pressure"
	TargetTemp     = "target_temp"
	TargetPressure = "target_pressure"
	Running        = "running"
	Paused         = "paused"
	Completed      = "completed"
	State          = "state"
	Request        = "request"
	RunID          = "run_id"
	ProgramName    = "program_name"
	Elapsed        = "elapsed"
	Preheat        = "preheat"
	LimitReached   = "limit_reached"
	Safe           = "safe"
	SafetyReason   = "safety_reason"
	Desired        = "desired"
	ValveOpen      = "valve_open"
	ValveClose     = "valve_close"
	ValveLiftUp    = "valve_lift_up"
	ValveLiftDown  = "valve_lift_down"
	ValvePID       = "valve_pid"
)

// KeyDCONStats holds the latest bus quality report.
const KeyDCONStats = "dcon_stats"

func PressKey(id int, suffix string) string {
	return fmt.Sprintf("press_%d_%s", id, suffix)
}

func CurrentStepKey(id int, track string) string {
	return fmt.Sprintf("press_%d_current_step_%s", id, track)
}

func StepStatusKey(id int, track string) string {
	return fmt.Sprintf("press_%d_step_status_%s", id, track)
}

func ZoneOutputKey(id, zone int) string {
	return fmt.Sprintf("press_%d_temp%d_pid", id, zone)
}

func InputShadowKey(module string) string {
	return "di_module_" + module
}

func OutputShadowKey(module string) string {
	return "do_state_" + module
}
