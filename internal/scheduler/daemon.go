// Package scheduler owns the DCON link. It interleaves sensor polling with
// the two output mailboxes so that no other component ever touches the bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/dcon"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"go.uber.org/zap"
)

// Link is the part of *dcon.Client the daemon uses.
type Link interface {
	Exclusive(fn func() error) error
	ReadAnalog(ctx context.Context, module string) ([]float64, error)
	ReadDigital(ctx context.Context, module string) (uint16, error)
	WriteDigital(ctx context.Context, module string, low, high byte) error
	Stats() *dcon.Stats
}

// QualityRecorder archives quality reports. Optional.
type QualityRecorder interface {
	RecordQuality(ctx context.Context, report dcon.QualityReport) error
}

// Consecutive failed analog reads after which the readings are dropped.
const staleAfter = 2

type pollKind int

const (
	pollInputs pollKind = iota
	pollOutputs
	pollTemperature
	pollPressure
)

func (k pollKind) String() string {
	switch k {
	case pollInputs:
		return "di"
	case pollOutputs:
		return "do"
	case pollTemperature:
		return "temperature"
	case pollPressure:
		return "pressure"
	}
	return "unknown"
}

// poll is one queued read. Equal polls are queued once.
type poll struct {
	kind   pollKind
	module string
	press  int
}

type Daemon struct {
	bus    *statebus.Bus
	link   Link
	hw     types.HardwareConfig
	cfg    config.SchedulerConfig
	logger *zap.Logger

	mu       sync.Mutex
	queue    []poll
	queued   map[poll]bool
	last     map[string]time.Time
	failures map[poll]int
	recorder QualityRecorder

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

func NewDaemon(bus *statebus.Bus, link Link, hw types.HardwareConfig, cfg config.SchedulerConfig, logger *zap.Logger) *Daemon {
	return &Daemon{
		bus:      bus,
		link:     link,
		hw:       hw,
		cfg:      cfg,
		logger:   logger,
		queued:   make(map[poll]bool),
		last:     make(map[string]time.Time),
		failures: make(map[poll]int),
	}
}

func (d *Daemon) SetQualityRecorder(r QualityRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = r
}

// Step runs one scheduler cycle: schedule due polls, execute at most one
// of them, drain whichever mailboxes are due and emit the quality report.
func (d *Daemon) Step(ctx context.Context, now time.Time) {
	d.schedule(now)

	if p, ok := d.next(); ok {
		d.execute(ctx, p)
	}

	if d.due("urgent", d.cfg.UrgentInterval, now) {
		d.drain(ctx, statebus.Urgent)
	}
	if d.due("deferred", d.cfg.DeferredInterval, now) {
		d.drain(ctx, statebus.Deferred)
	}
	if d.every("quality", d.cfg.QualityInterval, now) {
		d.report(ctx, now)
	}
}

// due reports whether interval has passed since the named timer last fired.
func (d *Daemon) due(name string, interval time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.last[name]
	if ok && now.Sub(last) < interval {
		return false
	}
	d.last[name] = now
	return true
}

// every is like due but the first call only starts the period.
func (d *Daemon) every(name string, interval time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.last[name]
	if !ok {
		d.last[name] = now
		return false
	}
	if now.Sub(last) < interval {
		return false
	}
	d.last[name] = now
	return true
}

func (d *Daemon) schedule(now time.Time) {
	if d.due("digital", d.cfg.DigitalInterval, now) {
		for _, m := range d.hw.InputModules() {
			d.enqueue(poll{kind: pollInputs, module: m})
		}
		for _, m := range d.hw.OutputModules() {
			d.enqueue(poll{kind: pollOutputs, module: m})
		}
	}

	if d.due("temperature", d.cfg.TemperatureInterval, now) {
		for _, p := range d.hw.Presses {
			d.enqueue(poll{kind: pollTemperature, module: p.Modules.AI, press: p.ID})
		}
	}

	if m := d.hw.Common.AIPressureModule; m != "" && d.due("pressure", d.cfg.PressureInterval, now) {
		d.enqueue(poll{kind: pollPressure, module: m})
	}
}

func (d *Daemon) enqueue(p poll) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queued[p] {
		return
	}
	d.queued[p] = true
	d.queue = append(d.queue, p)
}

func (d *Daemon) next() (poll, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return poll{}, false
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	delete(d.queued, p)
	return p, true
}

// QueueLen returns the number of polls waiting for a slot.
func (d *Daemon) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Daemon) execute(ctx context.Context, p poll) {
	err := d.link.Exclusive(func() error {
		switch p.kind {
		case pollInputs:
			v, err := d.link.ReadDigital(ctx, p.module)
			if err == nil {
				d.bus.SetInputShadow(p.module, v)
			}
			return err

		case pollOutputs:
			v, err := d.link.ReadDigital(ctx, p.module)
			if err == nil {
				d.bus.SetOutputShadow(p.module, v)
			}
			return err

		case pollTemperature:
			values, err := d.link.ReadAnalog(ctx, p.module)
			if err == nil {
				d.bus.Set(statebus.PressKey(p.press, statebus.Temps), temperatures(values))
			}
			return err

		case pollPressure:
			values, err := d.link.ReadAnalog(ctx, p.module)
			if err == nil {
				d.publishPressure(values)
			}
			return err
		}
		return nil
	})

	d.mu.Lock()
	if err == nil {
		delete(d.failures, p)
	} else {
		d.failures[p]++
	}
	failures := d.failures[p]
	d.mu.Unlock()

	if err == nil {
		return
	}

	d.logger.Debug("Poll failed",
		zap.String("kind", p.kind.String()),
		zap.String("module", p.module),
		zap.Int("consecutive", failures),
		zap.Error(err))

	if failures == staleAfter {
		d.dropReadings(p)
	}
}

// dropReadings forgets analog values that can no longer be trusted, so the
// interlock and the regulators see the sensor as missing.
func (d *Daemon) dropReadings(p poll) {
	switch p.kind {
	case pollTemperature:
		unknown := make(types.Temperatures, types.AnalogChannels)
		for i := range unknown {
			unknown[i] = math.NaN()
		}
		d.bus.Set(statebus.PressKey(p.press, statebus.Temps), unknown)
		d.logger.Warn("Temperature module not answering", zap.Int("press", p.press), zap.String("module", p.module))

	case pollPressure:
		for _, press := range d.hw.Presses {
			d.bus.Set(statebus.PressKey(press.ID, statebus.Pressure), nil)
		}
		d.logger.Warn("Pressure module not answering", zap.String("module", p.module))
	}
}

func (d *Daemon) publishPressure(values []float64) {
	update := make(map[string]any, len(d.hw.Presses))
	for _, p := range d.hw.Presses {
		if ch := p.PressureChannel; ch >= 0 && ch < len(values) {
			update[statebus.PressKey(p.ID, statebus.Pressure)] = values[ch]
		}
	}
	d.bus.Update(update)
}

func temperatures(values []float64) types.Temperatures {
	n := len(values)
	if n > types.AnalogChannels {
		n = types.AnalogChannels
	}
	out := make(types.Temperatures, n)
	copy(out, values)
	return out
}

// drain writes every pending entry of a mailbox. An entry is removed only
// after both bytes were acknowledged; a failed one stays queued for the
// next drain unless a newer intent has replaced it meanwhile.
func (d *Daemon) drain(ctx context.Context, box statebus.Mailbox) {
	pending := d.bus.Entries(box)
	if len(pending) == 0 {
		return
	}

	modules := make([]string, 0, len(pending))
	for m := range pending {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, module := range modules {
		cmd := pending[module]
		err := d.link.Exclusive(func() error {
			return d.link.WriteDigital(ctx, module, cmd.Low, cmd.High)
		})
		if err == nil {
			d.bus.Complete(module, cmd)
			continue
		}

		d.logger.Warn("Output write failed, keeping it queued",
			zap.String("mailbox", string(box)),
			zap.String("module", module),
			zap.String("value", fmt.Sprintf("%04X", cmd.Value())),
			zap.Error(err))
	}
}

func (d *Daemon) report(ctx context.Context, now time.Time) {
	report := d.link.Stats().Report(now)
	d.bus.Set(statebus.KeyDCONStats, report)

	d.logger.Info("DCON quality",
		zap.Uint64("total", report.Total),
		zap.Uint64("bad", report.Bad),
		zap.Float64("quality", report.Quality),
		zap.Float64("speed", report.Speed),
		zap.Any("bad_by_module", report.BadByMod))

	d.mu.Lock()
	recorder := d.recorder
	d.mu.Unlock()

	if recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := recorder.RecordQuality(ctx, report); err != nil {
				d.logger.Warn("Failed to record quality report", zap.Error(err))
			}
		}()
	}
}

// FinalSweep writes 0 to every output module. It bypasses the coarse lock
// so it still runs when the loop did not join in time.
func (d *Daemon) FinalSweep(ctx context.Context) error {
	var errs []error
	for _, module := range d.hw.OutputModules() {
		if err := d.link.WriteDigital(ctx, module, 0, 0); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", module, err))
			continue
		}
		d.bus.SetOutputShadow(module, 0)
	}

	if len(errs) > 0 {
		d.logger.Error("Final all-off sweep incomplete", zap.Errors("errors", errs))
		return errors.Join(errs...)
	}
	d.logger.Info("Final all-off sweep done", zap.Int("modules", len(d.hw.OutputModules())))
	return nil
}

func (d *Daemon) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.wg.Add(1)

	go d.loop(d.stopChan)

	d.logger.Info("Bus scheduler started",
		zap.Duration("tick", d.cfg.Tick),
		zap.Strings("inputs", d.hw.InputModules()),
		zap.Strings("outputs", d.hw.OutputModules()))
}

// Stop ends the loop and waits for it, at most for timeout. It reports
// whether the loop joined.
func (d *Daemon) Stop(timeout time.Duration) bool {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return true
	}
	d.running = false
	stop := d.stopChan
	d.runMu.Unlock()

	close(stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Bus scheduler stopped")
		return true
	case <-time.After(timeout):
		d.logger.Warn("Bus scheduler did not stop in time", zap.Duration("timeout", timeout))
		return false
	}
}

func (d *Daemon) loop(stop <-chan struct{}) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.Step(ctx, now)
		}
	}
}
