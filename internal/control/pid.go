// Package control holds the closed-loop regulators of a press: the PID
// primitive, the heater zone regulator and the pressure valve regulator.
package control

import (
	"sync"
	"time"
)

// PID is a positional controller with proportional action on the error,
// an integral accumulator clamped to the output range and derivative action
// on the measurement so setpoint steps do not kick the output.
type PID struct {
	mu sync.Mutex

	kp, ki, kd float64
	min, max   float64
	setpoint   float64

	integral   float64
	lastInput  float64
	haveInput  bool
	lastTime   time.Time
	lastOutput float64
}

func NewPID(kp, ki, kd, min, max float64) *PID {
	return &PID{
		kp:       kp,
		ki:       ki,
		kd:       kd,
		min:      min,
		max:      max,
		lastTime: time.Now(),
	}
}

// SetTunings changes the gains without touching the accumulated state.
func (p *PID) SetTunings(kp, ki, kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kp, p.ki, p.kd = kp, ki, kd
}

func (p *PID) Tunings() (kp, ki, kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kp, p.ki, p.kd
}

func (p *PID) SetSetpoint(sp float64) {
	p.mu.Lock()
	p.setpoint = sp
	p.mu.Unlock()
}

// Reset clears the integral and derivative history.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = 0
	p.haveInput = false
	p.lastOutput = 0
	p.lastTime = time.Now()
}

func (p *PID) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}

func (p *PID) Compute(measurement float64) float64 {
	return p.ComputeAt(measurement, time.Now())
}

// ComputeAt runs one step with an explicit timestamp. A non-positive dt
// returns the previous output unchanged.
func (p *PID) ComputeAt(measurement float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	dt := now.Sub(p.lastTime).Seconds()
	if dt <= 0 {
		return p.lastOutput
	}

	e := p.setpoint - measurement

	p.integral = clamp(p.integral+p.ki*e*dt, p.min, p.max)

	derivative := 0.0
	if p.haveInput {
		derivative = -p.kd * (measurement - p.lastInput) / dt
	}

	out := clamp(p.kp*e+p.integral+derivative, p.min, p.max)

	p.lastInput = measurement
	p.haveInput = true
	p.lastTime = now
	p.lastOutput = out
	return out
}

func clamp(v, min, max float64) float64 {
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}
