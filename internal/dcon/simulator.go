package dcon

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const simulatedAmbient = 20.0

// SimulatedPort answers DCON requests from an in-memory module table so
// the controller can run without a bus attached.
type SimulatedPort struct {
	mu          sync.Mutex
	outputs     map[string]uint16
	inputs      map[string]uint16
	analog      map[string][]float64
	pending     []byte
	readTimeout time.Duration
	closed      bool
}

func NewSimulatedPort() *SimulatedPort {
	return &SimulatedPort{
		outputs:     make(map[string]uint16),
		inputs:      make(map[string]uint16),
		analog:      make(map[string][]float64),
		readTimeout: 10 * time.Millisecond,
	}
}

// SetAnalog fixes the channel values returned for an analog module.
func (s *SimulatedPort) SetAnalog(module string, values []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analog[module] = append([]float64(nil), values...)
}

// SetInputs fixes the value returned by @AA for an input module.
func (s *SimulatedPort) SetInputs(module string, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[module] = value
}

// Output returns the last value written to a module.
func (s *SimulatedPort) Output(module string) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[module]
}

func (s *SimulatedPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("port closed")
	}
	line := strings.TrimSpace(string(p))
	s.pending = append(s.pending, s.respond(line)...)
	s.pending = append(s.pending, Terminator)
	return len(p), nil
}

func (s *SimulatedPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("port closed")
	}
	if len(s.pending) == 0 {
		wait := s.readTimeout
		s.mu.Unlock()
		time.Sleep(wait)
		return 0, nil
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *SimulatedPort) ResetInputBuffer() error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *SimulatedPort) SetReadTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > 10*time.Millisecond || t <= 0 {
		t = 10 * time.Millisecond
	}
	s.readTimeout = t
	return nil
}

func (s *SimulatedPort) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *SimulatedPort) respond(cmd string) string {
	if len(cmd) < 3 {
		return ""
	}
	module := cmd[1:3]

	switch {
	case cmd[0] == '$' && strings.HasSuffix(cmd, "M"):
		return "!" + module + "7017"
	case cmd[0] == '@':
		if v, ok := s.inputs[module]; ok {
			return fmt.Sprintf(">%04X", v)
		}
		return fmt.Sprintf(">%04X", s.outputs[module])
	case cmd[0] == '#' && len(cmd) == 3:
		values := s.analog[module]
		if len(values) == 0 {
			values = make([]float64, MinAnalogChannels)
			for i := range values {
				values[i] = simulatedAmbient
			}
		}
		var b strings.Builder
		b.WriteByte('>')
		for _, v := range values {
			fmt.Fprintf(&b, "%+07.1f", v)
		}
		return b.String()
	case cmd[0] == '#' && len(cmd) == 7:
		v, err := strconv.ParseUint(cmd[5:7], 16, 8)
		if err != nil {
			return "?" + module
		}
		cur := s.outputs[module]
		switch cmd[3:5] {
		case "00":
			s.outputs[module] = cur&0xFF00 | uint16(v)
		case "0B":
			s.outputs[module] = cur&0x00FF | uint16(v)<<8
		default:
			return "?" + module
		}
		return ">"
	}
	return "?" + module
}
