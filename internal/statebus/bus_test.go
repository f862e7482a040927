package statebus

import (
	"math"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenPressCore/internal/types"
)

func TestGetSetUpdate(t *testing.T) {
	b := New()

	if got := b.Get("missing", 42); got != 42 {
		t.Errorf("Get default = %v, want 42", got)
	}

	b.Set("press_1_pressure", 3.5)
	if v, ok := b.Float("press_1_pressure"); !ok || v != 3.5 {
		t.Errorf("Float = %v, %v, want 3.5, true", v, ok)
	}

	b.Update(map[string]any{"a": true, "b": "x"})
	if !b.Bool("a") || b.String("b") != "x" {
		t.Error("Update did not apply both values")
	}

	b.Set("press_1_target_temp", nil)
	if _, ok := b.Float("press_1_target_temp"); ok {
		t.Error("cleared setpoint should report not ok")
	}
	if got := b.FloatOr("press_1_target_temp", 7); got != 7 {
		t.Errorf("FloatOr = %v, want 7", got)
	}
}

func TestTake(t *testing.T) {
	b := New()
	b.Set("req", "start")

	v, ok := b.Take("req")
	if !ok || v != "start" {
		t.Fatalf("Take = %v, %v", v, ok)
	}
	if _, ok := b.Take("req"); ok {
		t.Error("second Take should find nothing")
	}
}

func TestReadDigitalShadowFallback(t *testing.T) {
	b := New()

	if got := b.ReadDigitalShadow("31"); got != 0 {
		t.Errorf("unknown module = %d, want 0", got)
	}

	b.SetOutputShadow("31", 0x00F0)
	if got := b.ReadDigitalShadow("31"); got != 0x00F0 {
		t.Errorf("do fallback = %#x, want 0xf0", got)
	}

	b.SetInputShadow("31", 0x0001)
	if got := b.ReadDigitalShadow("31"); got != 0x0001 {
		t.Errorf("di shadow = %#x, want 0x1", got)
	}
}

func TestMailboxLatestIntentWins(t *testing.T) {
	b := New()
	b.Enqueue(Urgent, "32", 0x0001)
	b.Enqueue(Urgent, "32", 0x0103)

	pending := b.Entries(Urgent)
	if len(pending) != 1 {
		t.Fatalf("pending entries = %d, want 1", len(pending))
	}
	if got := pending["32"]; got.Low != 0x03 || got.High != 0x01 {
		t.Errorf("entry = %+v, want low 0x03 high 0x01", got)
	}
	if n := b.PendingCount(Urgent); n != 1 {
		t.Errorf("Entries must not clear the mailbox, has %d", n)
	}

	if !b.Complete("32", pending["32"]) {
		t.Error("Complete should remove the confirmed entry")
	}
	if n := b.PendingCount(Urgent); n != 0 {
		t.Errorf("mailbox not cleared after Complete: %d", n)
	}
	if got := b.ReadDigitalShadow("32"); got != 0x0103 {
		t.Errorf("shadow = %#x, want 0x103", got)
	}
}

func TestMailboxSingleIntentAcrossBoxes(t *testing.T) {
	b := New()
	b.Enqueue(Deferred, "33", 0x000F)
	b.Enqueue(Urgent, "33", 0x0000)

	if n := b.PendingCount(Deferred); n != 0 {
		t.Errorf("deferred should be emptied by the newer urgent intent, has %d", n)
	}

	// An urgent intent is not demoted by a later deferred write.
	b.Enqueue(Deferred, "33", 0x0001)
	if n := b.PendingCount(Urgent); n != 1 {
		t.Errorf("urgent entries = %d, want 1", n)
	}
	if v, _ := b.Pending("33"); v != 0x0001 {
		t.Errorf("pending = %#x, want 0x1", v)
	}
}

func TestCompleteKeepsNewerIntent(t *testing.T) {
	b := New()
	b.Enqueue(Urgent, "34", 0x0001)
	inFlight := b.Entries(Urgent)["34"]

	b.Enqueue(Urgent, "34", 0x0002)
	if b.Complete("34", inFlight) {
		t.Error("Complete must not remove a newer intent")
	}
	if v, _ := b.Pending("34"); v != 0x0002 {
		t.Errorf("pending = %#x, want 0x2", v)
	}
	if got := b.ReadDigitalShadow("34"); got != 0x0001 {
		t.Errorf("shadow = %#x, want the written 0x1", got)
	}
}

func TestReconcileDuringWriteBuildsOnInFlightValue(t *testing.T) {
	b := New()
	a := types.Binding{Module: "32", Bit: 1}
	c := types.Binding{Module: "32", Bit: 2}

	b.Reconcile(Urgent, "32", func(cur uint16) uint16 { return a.Apply(cur, true) })
	inFlight := b.Entries(Urgent)["32"]

	// second writer runs while the first value is on the wire
	b.Reconcile(Urgent, "32", func(cur uint16) uint16 { return c.Apply(cur, true) })
	b.Complete("32", inFlight)

	if v, ok := b.Pending("32"); !ok || v != 0x0006 {
		t.Errorf("pending = %#x, %v, want 0x6", v, ok)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	b := New()
	lamp := types.Binding{Module: "35", Bit: 3, Type: types.ActiveHigh}
	on := func(cur uint16) uint16 { return lamp.Apply(cur, true) }

	if !b.Reconcile(Urgent, "35", on) {
		t.Fatal("first call should enqueue")
	}
	if b.Reconcile(Urgent, "35", on) {
		t.Error("second identical call should be a no-op")
	}
	if n := b.PendingCount(Urgent); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	b.Complete("35", NewOutputCommand(0x0008))
	if b.Reconcile(Urgent, "35", on) {
		t.Error("no write expected when the shadow already matches")
	}
}

func TestReconcilePreservesOtherBits(t *testing.T) {
	b := New()
	b.SetOutputShadow("36", 0x8000)

	first := types.Binding{Module: "36", Bit: 0}
	second := types.Binding{Module: "36", Bit: 1, Type: types.ActiveLow}

	b.Reconcile(Urgent, "36", func(cur uint16) uint16 { return first.Apply(cur, true) })
	b.Reconcile(Urgent, "36", func(cur uint16) uint16 { return second.Apply(cur, false) })

	v, ok := b.Pending("36")
	if !ok {
		t.Fatal("expected a pending write")
	}
	if v != 0x8003 {
		t.Errorf("pending = %#x, want 0x8003", v)
	}
}

func TestSnapshotIncludesMailboxes(t *testing.T) {
	b := New()
	b.Set(PressKey(1, Temps), types.Temperatures{20, math.NaN()})
	b.Enqueue(Deferred, "37", 0x0102)

	snap := b.Snapshot()
	pending, ok := snap[string(Deferred)].(map[string][2]int)
	if !ok {
		t.Fatalf("snapshot mailbox type %T", snap[string(Deferred)])
	}
	if pending["37"] != [2]int{2, 1} {
		t.Errorf("snapshot entry = %v", pending["37"])
	}
	if _, ok := snap["press_1_temps"]; !ok {
		t.Error("snapshot missing temps")
	}
}

func TestConcurrentReconcile(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for bit := 0; bit < 16; bit++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			bind := types.Binding{Module: "38", Bit: bit}
			b.Reconcile(Urgent, "38", func(cur uint16) uint16 { return bind.Apply(cur, true) })
		}(bit)
	}
	wg.Wait()

	if v, _ := b.Pending("38"); v != 0xFFFF {
		t.Errorf("pending = %#x, want 0xffff", v)
	}
}

func TestAssertAlwaysQueues(t *testing.T) {
	bus := New()
	bus.SetOutputShadow("31", 0x00F0)

	bus.Assert(Urgent, "31", func(cur uint16) uint16 { return cur &^ 0x0001 })

	v, ok := bus.Pending("31")
	if !ok || v != 0x00F0 {
		t.Errorf("pending = %#x, %v; want 0xf0 queued", v, ok)
	}
}
