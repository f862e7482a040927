// Package press supervises the lifecycle of one press: the run state
// machine, its sequencer and interlock, and the operator panel.
package press

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/control"
	"github.com/KevinKickass/OpenPressCore/internal/safety"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProgramSource loads the program of a press. *sequencer.Loader satisfies it.
type ProgramSource interface {
	Load(pressID int) (*sequencer.Program, error)
}

// RunRecord describes one run for the history archive.
type RunRecord struct {
	RunID      uuid.UUID
	PressID    int
	Program    string
	State      State
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration
}

type Recorder interface {
	RecordRunStarted(ctx context.Context, run RunRecord) error
	RecordRunFinished(ctx context.Context, run RunRecord) error
}

// StateListener is told about every lifecycle transition.
type StateListener func(pressID int, state, previous State)

type transition struct {
	state, previous State
}

// Controller is the orchestrator of one press. Its loop evaluates the
// interlock, consumes operator requests from the bus and watches the
// sequencer for completion.
type Controller struct {
	id        int
	bus       *statebus.Bus
	hw        *types.PressHardware
	seq       *sequencer.Sequencer
	interlock *safety.Interlock
	programs  ProgramSource
	recorder  Recorder
	tick      time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu             sync.RWMutex
	state          State
	run            RunRecord
	program        *sequencer.Program
	errorMessage   string
	cycles         int
	lastChange     time.Time
	forceOpenUntil time.Time
	listeners      []StateListener

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

func NewController(
	bus *statebus.Bus,
	hw *types.PressHardware,
	seq *sequencer.Sequencer,
	interlock *safety.Interlock,
	programs ProgramSource,
	tick time.Duration,
	logger *zap.Logger,
) *Controller {
	c := &Controller{
		id:         hw.ID,
		bus:        bus,
		hw:         hw,
		seq:        seq,
		interlock:  interlock,
		programs:   programs,
		tick:       tick,
		logger:     logger.With(zap.Int("press", hw.ID)),
		now:        time.Now,
		state:      StateIdle,
		lastChange: time.Now(),
	}

	c.bus.Update(map[string]any{
		c.key(statebus.State):          string(StateIdle),
		c.key(statebus.Running):        false,
		c.key(statebus.Paused):         false,
		c.key(statebus.Completed):      false,
		c.key(statebus.TargetPressure): 0.0,
		c.key(statebus.ValveLiftUp):    false,
		c.key(statebus.ValveLiftDown):  false,
	})
	c.AllOff()
	c.logger.Info("Press initialized, all outputs off")
	return c
}

func (c *Controller) ID() int { return c.id }

// SetRecorder attaches the run history archive. Optional.
func (c *Controller) SetRecorder(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

func (c *Controller) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) Interlock() *safety.Interlock { return c.interlock }

func (c *Controller) key(suffix string) string {
	return statebus.PressKey(c.id, suffix)
}

// Execute dispatches an operator command.
func (c *Controller) Execute(ctx context.Context, cmd Command) error {
	c.logger.Info("Press command received", zap.String("command", string(cmd)))

	switch cmd {
	case CommandStart:
		return c.Start(ctx)
	case CommandStop:
		return c.Stop(ctx)
	case CommandPause:
		return c.Pause()
	case CommandResume:
		return c.Resume()
	case CommandEmergencyStop:
		c.EmergencyStop()
		return nil
	case CommandPreheat:
		return c.Preheat()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// Start loads the program and begins a new run. A faulted press can be
// restarted once the interlock is safe again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return fmt.Errorf("%w (current: %s)", ErrAlreadyRunning, c.state)
	}
	if !c.interlock.Safe() {
		reason := c.interlock.Verdict().Reason
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnsafe, reason)
	}

	program, err := c.programs.Load(c.id)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Failed to load program", zap.Error(err))
		return fmt.Errorf("failed to load program: %w", err)
	}

	now := c.now()
	if err := c.seq.Start(program, now); err != nil {
		c.mu.Unlock()
		return err
	}

	c.program = program
	c.errorMessage = ""
	c.forceOpenUntil = time.Time{}
	c.run = RunRecord{
		RunID:     uuid.New(),
		PressID:   c.id,
		Program:   program.Name,
		State:     StateRunning,
		StartedAt: now,
	}
	c.bus.Update(map[string]any{
		c.key(statebus.Running):       true,
		c.key(statebus.Paused):        false,
		c.key(statebus.Completed):     false,
		c.key(statebus.RunID):         c.run.RunID.String(),
		c.key(statebus.ProgramName):   program.Name,
		c.key(statebus.Preheat):       false,
		c.key(statebus.ValveLiftDown): false,
	})
	tr := c.setStateLocked(StateRunning, "")
	run, recorder := c.run, c.recorder
	c.mu.Unlock()

	c.logger.Info("Run started", zap.String("run_id", run.RunID.String()), zap.String("program", run.Program))
	c.fire(tr)
	if recorder != nil {
		go c.record(ctx, recorder.RecordRunStarted, run)
	}
	return nil
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (current: %s)", ErrNotRunning, state)
	}
	c.seq.Pause(c.now())
	c.bus.Set(c.key(statebus.Paused), true)
	tr := c.setStateLocked(StatePaused, "")
	c.mu.Unlock()

	c.fire(tr)
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (current: %s)", ErrNotPaused, state)
	}
	c.seq.Resume(c.now())
	c.bus.Set(c.key(statebus.Paused), false)
	tr := c.setStateLocked(StateRunning, "")
	c.mu.Unlock()

	c.fire(tr)
	return nil
}

// Stop is the soft stop: the run ends cleanly and the mold is opened by
// holding the lift-down valve for the program's open time. Without a run
// it only cancels a manual preheat.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.Active() {
		_, preheating := c.bus.Float(c.key(statebus.TargetTemp))
		c.bus.Update(map[string]any{
			c.key(statebus.TargetTemp): nil,
			c.key(statebus.Preheat):    false,
		})
		state := c.state
		c.mu.Unlock()
		if preheating {
			c.logger.Info("Preheat cancelled")
			return nil
		}
		return fmt.Errorf("%w (current: %s)", ErrNotRunning, state)
	}

	c.seq.Stop()

	openFor := time.Duration(sequencer.DefaultForceOpenTime) * time.Second
	if c.program != nil {
		openFor = c.program.ForceOpenTime()
	}
	c.forceOpenUntil = c.now().Add(openFor)
	c.bus.Set(c.key(statebus.ValveLiftDown), true)

	tr, run, recorder := c.finishLocked(StateStopped, "operator stop")
	c.mu.Unlock()

	c.logger.Info("Run stopped, opening mold", zap.Duration("open_for", openFor))
	c.fire(tr)
	if recorder != nil {
		go c.record(ctx, recorder.RecordRunFinished, run)
	}
	return nil
}

// EmergencyStop drops every output of the press at once, cancels the run,
// any mold opening and any preheat.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	c.seq.Stop()
	c.forceOpenUntil = time.Time{}
	c.bus.Update(map[string]any{
		c.key(statebus.TargetTemp):    nil,
		c.key(statebus.Preheat):       false,
		c.key(statebus.ValveLiftUp):   false,
		c.key(statebus.ValveLiftDown): false,
	})
	c.AllOff()

	var (
		tr       *transition
		run      RunRecord
		recorder Recorder
	)
	if c.state.Active() {
		tr, run, recorder = c.finishLocked(StateStopped, "emergency stop")
	}
	c.mu.Unlock()

	c.logger.Warn("Emergency stop")
	c.fire(tr)
	if recorder != nil {
		go c.record(context.Background(), recorder.RecordRunFinished, run)
	}
}

// Preheat sets the target temperature from the first temperature step
// while no run is active.
func (c *Controller) Preheat() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Active() {
		return fmt.Errorf("%w (current: %s)", ErrAlreadyRunning, c.state)
	}

	program, err := c.programs.Load(c.id)
	if err != nil {
		c.logger.Error("Failed to load program for preheat", zap.Error(err))
		return fmt.Errorf("failed to load program: %w", err)
	}

	target := program.PreheatTarget()
	c.bus.Update(map[string]any{
		c.key(statebus.TargetTemp): target,
		c.key(statebus.Preheat):    true,
	})
	c.logger.Info("Manual preheat", zap.Float64("target", target))
	return nil
}

// AllOff queues an unconditional off for every output bit of the press.
func (c *Controller) AllOff() {
	control.ForceBits(c.bus, statebus.Urgent, c.hw.OwnedOutputs(), func(int) bool { return false })
}

// Step runs one supervision pass. The interlock is evaluated here and
// nowhere else; regulators and the panel read the cached verdict.
func (c *Controller) Step(ctx context.Context, now time.Time) {
	verdict := c.interlock.Evaluate()

	if req, ok := c.bus.Take(c.key(statebus.Request)); ok && req != nil {
		c.handleRequest(ctx, req)
	}

	c.mu.Lock()
	var (
		tr       *transition
		run      RunRecord
		recorder Recorder
	)

	if !verdict.Safe {
		if c.state.Active() {
			c.seq.Stop()
			c.AllOff()
			tr, run, recorder = c.finishLocked(StateFault, string(verdict.Reason))
			c.logger.Error("Run aborted by interlock", zap.String("reason", string(verdict.Reason)))
		}
		if !c.forceOpenUntil.IsZero() {
			c.forceOpenUntil = time.Time{}
			c.bus.Set(c.key(statebus.ValveLiftDown), false)
		}
	}

	if !c.forceOpenUntil.IsZero() && !now.Before(c.forceOpenUntil) {
		c.forceOpenUntil = time.Time{}
		c.bus.Set(c.key(statebus.ValveLiftDown), false)
		c.logger.Info("Mold open, lift down released")
	}

	if tr == nil && c.state.Active() && c.seq.Progress().Completed {
		c.cycles++
		tr, run, recorder = c.finishLocked(StateCompleted, "")
		c.logger.Info("Run completed", zap.Int("cycles", c.cycles))
	}
	c.mu.Unlock()

	c.fire(tr)
	if recorder != nil {
		go c.record(ctx, recorder.RecordRunFinished, run)
	}
}

func (c *Controller) handleRequest(ctx context.Context, req any) {
	s, _ := req.(string)
	cmd, err := ParseCommand(s)
	if err != nil {
		c.logger.Warn("Ignoring press request", zap.Any("request", req))
		return
	}
	if err := c.Execute(ctx, cmd); err != nil {
		c.logger.Warn("Press request failed", zap.String("command", string(cmd)), zap.Error(err))
	}
}

// finishLocked ends the current run. The returned recorder is nil when no
// archive is attached.
func (c *Controller) finishLocked(state State, reason string) (*transition, RunRecord, Recorder) {
	now := c.now()
	c.run.State = state
	c.run.Reason = reason
	c.run.FinishedAt = now
	c.run.Elapsed = c.seq.Elapsed()

	c.bus.Update(map[string]any{
		c.key(statebus.Running):   false,
		c.key(statebus.Paused):    false,
		c.key(statebus.Completed): state == StateCompleted,
	})

	msg := ""
	if state == StateFault {
		msg = reason
	}
	return c.setStateLocked(state, msg), c.run, c.recorder
}

func (c *Controller) setStateLocked(state State, errorMsg string) *transition {
	previous := c.state
	c.state = state
	c.errorMessage = errorMsg
	c.lastChange = c.now()
	c.bus.Set(c.key(statebus.State), string(state))

	c.logger.Info("Press state changed",
		zap.String("state", string(state)),
		zap.String("previous", string(previous)),
		zap.String("error", errorMsg))

	return &transition{state: state, previous: previous}
}

func (c *Controller) fire(tr *transition) {
	if tr == nil {
		return
	}
	c.mu.RLock()
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.RUnlock()

	for _, l := range listeners {
		l(c.id, tr.state, tr.previous)
	}
}

func (c *Controller) record(ctx context.Context, fn func(context.Context, RunRecord) error, run RunRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := fn(ctx, run); err != nil {
		c.logger.Warn("Failed to record run", zap.String("run_id", run.RunID.String()), zap.Error(err))
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Status() PressStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := PressStatus{
		ID:              c.id,
		State:           c.state,
		ErrorMessage:    c.errorMessage,
		Safety:          c.interlock.Verdict(),
		Progress:        c.seq.Progress(),
		TargetPressure:  c.bus.FloatOr(c.key(statebus.TargetPressure), 0),
		Temperatures:    c.bus.Temperatures(c.id),
		Cycles:          c.cycles,
		LastStateChange: c.lastChange,
	}
	if c.run.RunID != uuid.Nil {
		status.RunID = c.run.RunID.String()
		status.Program = c.run.Program
	}
	if v, ok := c.bus.Float(c.key(statebus.TargetTemp)); ok {
		status.TargetTemp = &v
	}
	if v, ok := c.bus.Float(c.key(statebus.Pressure)); ok {
		status.Pressure = &v
	}
	return status
}

func (c *Controller) StartLoop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.wg.Add(1)

	go c.loop(c.stopChan)
}

func (c *Controller) StopLoop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	stop := c.stopChan
	c.runMu.Unlock()

	close(stop)
	c.wg.Wait()
}

func (c *Controller) loop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.Step(ctx, now)
		}
	}
}
