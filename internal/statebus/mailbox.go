package statebus

// Mailbox names a pending-writes map drained by the bus scheduler.
type Mailbox string

const (
	// Urgent carries valves and lamps, drained every 100 ms.
	Urgent Mailbox = "urgent_do"
	// Deferred carries heater banks, drained every second.
	Deferred Mailbox = "heating_do"
)

// OutputCommand is a full 16-bit output value split into the two bytes
// written on the wire.
type OutputCommand struct {
	Low  byte `json:"low"`
	High byte `json:"high"`
}

func NewOutputCommand(value uint16) OutputCommand {
	return OutputCommand{Low: byte(value & 0xFF), High: byte(value >> 8)}
}

func (c OutputCommand) Value() uint16 {
	return uint16(c.High)<<8 | uint16(c.Low)
}

// Enqueue records the desired full output value of a module. A module has
// at most one pending intent across both mailboxes; the latest one wins and
// an urgent intent is never demoted to the deferred mailbox.
func (b *Bus) Enqueue(box Mailbox, module string, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(box, module, value)
}

func (b *Bus) enqueueLocked(box Mailbox, module string, value uint16) {
	if _, urgent := b.mailboxes[Urgent][module]; urgent {
		box = Urgent
	}
	for name, other := range b.mailboxes {
		if name != box {
			delete(other, module)
		}
	}
	b.mailboxes[box][module] = NewOutputCommand(value)
}

// Entries returns a copy of a mailbox. Entries stay queued until the
// scheduler confirms them with Complete, so writers reconciling while a
// write is in flight build on the in-flight value.
func (b *Bus) Entries(box Mailbox) map[string]OutputCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]OutputCommand, len(b.mailboxes[box]))
	for module, cmd := range b.mailboxes[box] {
		out[module] = cmd
	}
	return out
}

// Complete records a confirmed write of cmd as the module's output shadow
// and removes the pending entry if it still holds cmd. A newer intent
// queued during the write stays pending. Reports whether it was removed.
func (b *Bus) Complete(module string, cmd OutputCommand) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.values[OutputShadowKey(module)] = cmd.Value()
	for _, box := range b.mailboxes {
		if cur, ok := box[module]; ok && cur == cmd {
			delete(box, module)
			return true
		}
	}
	return false
}

// Pending returns the queued value for a module, if any.
func (b *Bus) Pending(module string) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked(module)
}

func (b *Bus) pendingLocked(module string) (uint16, bool) {
	for _, box := range b.mailboxes {
		if cmd, ok := box[module]; ok {
			return cmd.Value(), true
		}
	}
	return 0, false
}

func (b *Bus) PendingCount(box Mailbox) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[box])
}

// Reconcile is the read-modify-write-if-changed discipline used by every
// actuator writer. apply receives the current value of the module (the
// pending intent if one exists, otherwise the shadow) and returns the value
// with only the caller's bits changed. A write is queued only when the
// result differs. The whole operation runs under the bus lock so writers
// owning different bits of one module never lose each other's changes.
func (b *Bus) Reconcile(box Mailbox, module string, apply func(current uint16) uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.pendingLocked(module)
	if !ok {
		current = b.shadowLocked(module)
	}
	next := apply(current)
	if next == current {
		return false
	}
	b.enqueueLocked(box, module, next)
	return true
}

// Assert is Reconcile without the change check: the result is queued even
// when it matches the current value. Used where the shadow may not reflect
// the hardware yet, e.g. the all-off pass at startup.
func (b *Bus) Assert(box Mailbox, module string, apply func(current uint16) uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.pendingLocked(module)
	if !ok {
		current = b.shadowLocked(module)
	}
	b.enqueueLocked(box, module, apply(current))
}
