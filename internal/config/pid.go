package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Tuning is one set of PID gains.
type Tuning struct {
	Kp float64 `mapstructure:"kp" json:"kp"`
	Ki float64 `mapstructure:"ki" json:"ki"`
	Kd float64 `mapstructure:"kd" json:"kd"`
}

type PressTuning struct {
	ID int `mapstructure:"id" json:"id"`
	// PWMPeriod is the heater duty-cycle period in seconds.
	PWMPeriod float64  `mapstructure:"pwm_period" json:"pwm_period"`
	Zones     []Tuning `mapstructure:"zones" json:"zones"`
	Pressure  Tuning   `mapstructure:"pressure_pid" json:"pressure_pid"`
}

type PIDConfig struct {
	Presses []PressTuning `mapstructure:"presses" json:"presses"`
}

var (
	DefaultZoneTuning     = Tuning{Kp: 5, Ki: 0.02, Kd: 1}
	DefaultPressureTuning = Tuning{Kp: 10, Ki: 0.5}
)

const DefaultPWMPeriod = 10.0

func LoadPID(path string) (*PIDConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read pid config: %w", err)
	}

	var cfg PIDConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pid config: %w", err)
	}
	return &cfg, nil
}

// Press returns the tuning of one press, filling gaps with defaults.
func (c *PIDConfig) Press(id int, zones int) PressTuning {
	t := PressTuning{ID: id, PWMPeriod: DefaultPWMPeriod, Pressure: DefaultPressureTuning}
	if c != nil {
		for _, p := range c.Presses {
			if p.ID == id {
				t = p
				t.Zones = append([]Tuning(nil), p.Zones...)
				break
			}
		}
	}
	if t.PWMPeriod <= 0 {
		t.PWMPeriod = DefaultPWMPeriod
	}
	if t.Pressure == (Tuning{}) {
		t.Pressure = DefaultPressureTuning
	}
	for len(t.Zones) < zones {
		t.Zones = append(t.Zones, DefaultZoneTuning)
	}
	return t
}

// PIDWatcher polls the tuning file's modification time and hands every
// successfully parsed revision to onChange.
type PIDWatcher struct {
	path     string
	interval time.Duration
	onChange func(*PIDConfig)
	logger   *zap.Logger

	lastMod  time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPIDWatcher(path string, interval time.Duration, onChange func(*PIDConfig), logger *zap.Logger) *PIDWatcher {
	return &PIDWatcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Check reloads the file if it changed since the last successful load.
func (w *PIDWatcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("stat pid config: %w", err)
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	w.mu.Unlock()
	if !changed {
		return false, nil
	}

	cfg, err := LoadPID(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.lastMod = info.ModTime()
	w.mu.Unlock()

	w.onChange(cfg)
	return true, nil
}

func (w *PIDWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.wg.Add(1)

	go w.watchLoop(w.stopChan)

	w.logger.Info("PID watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
}

func (w *PIDWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop := w.stopChan
	w.mu.Unlock()

	close(stop)
	w.wg.Wait()
}

func (w *PIDWatcher) watchLoop(stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reloaded, err := w.Check()
			if err != nil {
				w.logger.Warn("PID config reload failed", zap.Error(err))
				continue
			}
			if reloaded {
				w.logger.Info("PID tunings reloaded", zap.String("path", w.path))
			}
		}
	}
}
