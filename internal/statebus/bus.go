package statebus

import (
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenPressCore/internal/types"
)

// Bus is the process-wide key/value store shared by all control loops.
// Every access goes through one mutex so composite values are never seen
// half-written. Stored values are replaced, never mutated in place.
type Bus struct {
	mu        sync.Mutex
	values    map[string]any
	mailboxes map[Mailbox]map[string]OutputCommand
}

func New() *Bus {
	return &Bus{
		values: make(map[string]any),
		mailboxes: map[Mailbox]map[string]OutputCommand{
			Urgent:   make(map[string]OutputCommand),
			Deferred: make(map[string]OutputCommand),
		},
	}
}

func (b *Bus) Get(key string, def any) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.values[key]; ok {
		return v
	}
	return def
}

func (b *Bus) Set(key string, value any) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

// Update applies all values as one atomic write.
func (b *Bus) Update(values map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		b.values[k] = v
	}
}

// Take returns the value under key and removes it. Used for one-shot
// operator requests.
func (b *Bus) Take(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if ok {
		delete(b.values, key)
	}
	return v, ok
}

// Float returns the numeric value under key. A missing key or a nil value
// (a cleared setpoint) reports false.
func (b *Bus) Float(key string) (float64, bool) {
	return toFloat(b.Get(key, nil))
}

func (b *Bus) FloatOr(key string, def float64) float64 {
	if v, ok := b.Float(key); ok {
		return v
	}
	return def
}

func (b *Bus) Bool(key string) bool {
	v, _ := b.Get(key, false).(bool)
	return v
}

func (b *Bus) String(key string) string {
	v, _ := b.Get(key, "").(string)
	return v
}

func (b *Bus) Temperatures(id int) types.Temperatures {
	v, _ := b.Get(PressKey(id, Temps), nil).(types.Temperatures)
	return v
}

// Snapshot copies every entry, including pending mailbox contents, into a
// map that is safe to serialize.
func (b *Bus) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any, len(b.values)+len(b.mailboxes))
	for k, v := range b.values {
		out[k] = v
	}
	for name, box := range b.mailboxes {
		pending := make(map[string][2]int, len(box))
		for module, cmd := range box {
			pending[module] = [2]int{int(cmd.Low), int(cmd.High)}
		}
		out[string(name)] = pending
	}
	return out
}

// ReadDigitalShadow returns the input shadow of a module, falling back to
// the last confirmed output value, or 0 when the module was never seen.
func (b *Bus) ReadDigitalShadow(module string) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shadowLocked(module)
}

func (b *Bus) shadowLocked(module string) uint16 {
	if v, ok := b.values[InputShadowKey(module)]; ok {
		if n, ok := toFloat(v); ok {
			return uint16(n)
		}
	}
	if v, ok := b.values[OutputShadowKey(module)]; ok {
		if n, ok := toFloat(v); ok {
			return uint16(n)
		}
	}
	return 0
}

// SetInputShadow records a digital input poll result.
func (b *Bus) SetInputShadow(module string, value uint16) {
	b.Set(InputShadowKey(module), value)
}

// SetOutputShadow records the authoritative output value of a module. Only
// the bus scheduler calls this, after a confirmed write or read-back.
func (b *Bus) SetOutputShadow(module string, value uint16) {
	b.Set(OutputShadowKey(module), value)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
