package types

import (
	"encoding/json"
	"math"
)

// AnalogChannels is the channel count of an analog input module.
const AnalogChannels = 8

// Temperatures holds one reading per analog channel. NaN marks a channel
// that produced no usable value in the last poll.
type Temperatures []float64

// Known reports whether channel i carries a usable reading.
func (t Temperatures) Known(i int) bool {
	return i >= 0 && i < len(t) && !math.IsNaN(t[i])
}

// Mean averages the known channels.
func (t Temperatures) Mean() (float64, bool) {
	sum, n := 0.0, 0
	for i := range t {
		if t.Known(i) {
			sum += t[i]
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (t Temperatures) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(t))
	for i := range t {
		if t.Known(i) {
			v := t[i]
			out[i] = &v
		}
	}
	return json.Marshal(out)
}

func (t *Temperatures) UnmarshalJSON(b []byte) error {
	var in []*float64
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(Temperatures, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	*t = out
	return nil
}
