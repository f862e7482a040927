// Package sequencer executes the temperature and pressure programs of a
// press as two independent step tracks sharing one pause-aware clock.
package sequencer

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

var ErrRunning = errors.New("sequencer already running")

// Progress is a point-in-time view of both tracks.
type Progress struct {
	Running       bool    `json:"running"`
	Paused        bool    `json:"paused"`
	Completed     bool    `json:"completed"`
	Elapsed       float64 `json:"elapsed"`
	TempIndex     int     `json:"temp_index"`
	TempSteps     int     `json:"temp_steps"`
	PressureIndex int     `json:"pressure_index"`
	PressureSteps int     `json:"pressure_steps"`
}

type Sequencer struct {
	pressID  int
	bus      *statebus.Bus
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	temp      *Engine
	pressure  *Engine
	running   bool
	paused    bool
	completed bool
	active    time.Duration
	lastTick  time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	looping  bool
	loopMu   sync.Mutex
}

func New(bus *statebus.Bus, hw *types.PressHardware, interval time.Duration, logger *zap.Logger) *Sequencer {
	logger = logger.With(zap.Int("press", hw.ID))
	return &Sequencer{
		pressID:  hw.ID,
		bus:      bus,
		interval: interval,
		logger:   logger,
		temp:     newEngine(TrackTemperature, hw, bus, logger),
		pressure: newEngine(TrackPressure, hw, bus, logger),
	}
}

// Start loads both tracks and begins a run at now.
func (s *Sequencer) Start(program *Program, now time.Time) error {
	if program == nil || program.Empty() {
		return ErrEmptyProgram
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}

	s.temp.load(program.TempProgram)
	s.pressure.load(program.PressureProgram)
	s.running = true
	s.paused = false
	s.completed = false
	s.active = 0
	s.lastTick = now
	s.bus.Set(statebus.PressKey(s.pressID, statebus.Elapsed), 0.0)

	s.logger.Info("Program started",
		zap.String("program", program.Name),
		zap.Int("temp_steps", len(program.TempProgram)),
		zap.Int("pressure_steps", len(program.PressureProgram)))
	return nil
}

// Tick advances both tracks. It reports true on the tick that completes
// the program.
func (s *Sequencer) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}

	s.accumulateLocked(now)
	if s.paused {
		return false
	}

	s.temp.tick(s.active, now)
	s.pressure.tick(s.active, now)

	if s.temp.Done() && s.pressure.Done() {
		s.running = false
		s.completed = true
		s.bus.Update(map[string]any{
			statebus.PressKey(s.pressID, statebus.TargetTemp):     nil,
			statebus.PressKey(s.pressID, statebus.TargetPressure): 0.0,
		})
		s.logger.Info("Program completed", zap.Duration("elapsed", s.active))
		return true
	}
	return false
}

func (s *Sequencer) accumulateLocked(now time.Time) {
	if dt := now.Sub(s.lastTick); dt > 0 && !s.paused {
		s.active += dt
		s.bus.Set(statebus.PressKey(s.pressID, statebus.Elapsed), math.Round(s.active.Seconds()*10)/10)
	}
	s.lastTick = now
}

// Pause freezes the run clock. Step progress is kept.
func (s *Sequencer) Pause(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.paused {
		return false
	}
	s.accumulateLocked(now)
	s.paused = true
	s.logger.Info("Program paused", zap.Duration("elapsed", s.active))
	return true
}

func (s *Sequencer) Resume(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || !s.paused {
		return false
	}
	s.paused = false
	s.lastTick = now
	s.logger.Info("Program resumed")
	return true
}

// Stop aborts the run and zeroes every target and valve key the tracks
// may have asserted.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasRunning := s.running
	s.running = false
	s.paused = false
	s.temp.abort()
	s.pressure.abort()

	s.bus.Update(map[string]any{
		statebus.PressKey(s.pressID, statebus.TargetTemp):     nil,
		statebus.PressKey(s.pressID, statebus.TargetPressure): 0.0,
		statebus.PressKey(s.pressID, statebus.ValveLiftUp):    false,
		statebus.PressKey(s.pressID, statebus.ValveLiftDown):  false,
	})

	if wasRunning {
		s.logger.Info("Program stopped", zap.Duration("elapsed", s.active))
	}
}

func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sequencer) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Sequencer) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sequencer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		Running:       s.running,
		Paused:        s.paused,
		Completed:     s.completed,
		Elapsed:       s.active.Seconds(),
		TempIndex:     s.temp.Index(),
		TempSteps:     s.temp.Len(),
		PressureIndex: s.pressure.Index(),
		PressureSteps: s.pressure.Len(),
	}
}

func (s *Sequencer) StartLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.looping {
		return
	}
	s.looping = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.loop(s.stopChan)
}

func (s *Sequencer) StopLoop() {
	s.loopMu.Lock()
	if !s.looping {
		s.loopMu.Unlock()
		return
	}
	s.looping = false
	stop := s.stopChan
	s.loopMu.Unlock()

	close(stop)
	s.wg.Wait()
}

func (s *Sequencer) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
