package control

import (
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
)

// Gate reports whether a press may be actuated. The safety interlock
// satisfies it.
type Gate interface {
	Safe() bool
}

// DriveBits reconciles a set of bindings against their modules. Bindings
// sharing a module go out as one write; nothing is queued when the module
// already holds the requested levels.
func DriveBits(bus *statebus.Bus, box statebus.Mailbox, bindings []types.Binding, on func(i int) bool) {
	eachModule(bindings, on, func(module string, apply func(uint16) uint16) {
		bus.Reconcile(box, module, apply)
	})
}

// ForceBits is DriveBits with an unconditional write per module.
func ForceBits(bus *statebus.Bus, box statebus.Mailbox, bindings []types.Binding, on func(i int) bool) {
	eachModule(bindings, on, func(module string, apply func(uint16) uint16) {
		bus.Assert(box, module, apply)
	})
}

func eachModule(bindings []types.Binding, on func(i int) bool, fn func(module string, apply func(uint16) uint16)) {
	byModule := make(map[string][]int)
	var order []string
	for i, b := range bindings {
		if b.IsZero() {
			continue
		}
		if _, seen := byModule[b.Module]; !seen {
			order = append(order, b.Module)
		}
		byModule[b.Module] = append(byModule[b.Module], i)
	}

	for _, module := range order {
		idx := byModule[module]
		fn(module, func(cur uint16) uint16 {
			for _, i := range idx {
				cur = bindings[i].Apply(cur, on(i))
			}
			return cur
		})
	}
}
