package onewireslave_test

import (
	"testing"

	onewireslave "github.com/bcoughlan/onewireslave"
	"github.com/bcoughlan/onewireslave/hw/sim"
)

// harness wires one slave to its own driver line on a shared bus, plus a
// scheduler and a master script, matching the spec's host-side simulation
// approach to testing an interrupt-driven protocol without real time.
type harness struct {
	sc    *sim.Scheduler
	bus   *sim.Bus
	m     *sim.Master
	slave *onewireslave.Slave
}

func newHarness(t *testing.T, id [8]byte) *harness {
	t.Helper()
	sc := sim.NewScheduler()
	bus := sc.NewBus()
	line := bus.NewLine()
	clock := sc.NewClock()
	s := onewireslave.New(id, line, clock, bus)
	s.Start()
	return &harness{sc: sc, bus: bus, m: sim.NewMaster(sc, bus), slave: s}
}

var testID = [8]byte{0x37, 0x00, 0x08, 0x02, 0x0A, 0xA9, 0x50, 0x10}

// S1: SKIP ROM, one-byte echo.
func TestSkipROMEcho(t *testing.T) {
	h := newHarness(t, testID)
	var received byte
	h.slave.SetReceivedCallback(func(b byte) bool {
		received = b
		h.slave.SetTxByte(0x42)
		return true
	})

	h.m.ResetPulse()
	h.m.WriteByte(0xCC)
	h.m.WriteByte(0xBE)

	if received != 0xBE {
		t.Fatalf("received callback saw 0x%02x, want 0xbe", received)
	}
	if got := h.slave.State(); got != onewireslave.StateRead {
		t.Fatalf("state = %s, want Read", got)
	}

	got := h.m.ReadByte()
	if got != 0x42 {
		t.Fatalf("echoed byte = 0x%02x, want 0x42", got)
	}
}

// S2: READ ROM transmits the ID byte 7 first, LSB-first within each byte, in
// the same order MATCH ROM would consume it (property 4).
func TestReadROM(t *testing.T) {
	h := newHarness(t, testID)
	h.m.ResetPulse()
	h.m.WriteByte(0x33)

	want := []byte{0x10, 0x50, 0xA9, 0x0A, 0x02, 0x08, 0x00, 0x37}
	for i, w := range want {
		if got := h.m.ReadByte(); got != w {
			t.Fatalf("ID byte %d = 0x%02x, want 0x%02x", i, got, w)
		}
	}
	if !h.slave.RomMatched() {
		t.Fatal("expected slave selected after READ ROM completes")
	}
}

// S3 / property 1: MATCH ROM with all 64 bits equal to the ID selects the
// slave exactly at, and not before, the 64th bit.
func TestMatchROMMatch(t *testing.T) {
	h := newHarness(t, testID)
	h.m.ResetPulse()
	h.m.WriteByte(0x55)

	wire := []byte{0x10, 0x50, 0xA9, 0x0A, 0x02, 0x08, 0x00, 0x37}
	for i, b := range wire {
		h.m.WriteByte(b)
		if i < len(wire)-1 && h.slave.RomMatched() {
			t.Fatalf("romMatched set early after byte %d", i)
		}
	}
	if !h.slave.RomMatched() {
		t.Fatal("expected romMatched after all 64 bits confirmed")
	}
	if got := h.slave.State(); got != onewireslave.StateWrite {
		t.Fatalf("state = %s, want Write", got)
	}
}

// S4 / property 2: 31 correct bits followed by a flipped 32nd deselects the
// slave at that bit and it never answers again this transaction.
func TestMatchROMMismatch(t *testing.T) {
	h := newHarness(t, testID)
	h.m.ResetPulse()
	h.m.WriteByte(0x55)
	h.m.WriteByte(0x10)
	h.m.WriteByte(0x50)
	h.m.WriteByte(0xA9)
	// 0x0A = 0b00001010; bits 0-6 (the 25th-31st overall) stay correct,
	// bit 7 (the 32nd) is flipped: 0x0A|0x80 = 0x8A.
	h.m.WriteByte(0x8A)

	if got := h.slave.State(); got != onewireslave.StateWaitReset {
		t.Fatalf("state = %s, want WaitReset after mismatch", got)
	}
	if h.slave.RomMatched() {
		t.Fatal("romMatched should not be set after a mismatch")
	}

	// Property 2's "never issues any further bit": further write slots must
	// not move the slave out of WaitReset without a fresh reset pulse.
	h.m.WriteByte(0x00)
	h.m.WriteByte(0x37)
	if got := h.slave.State(); got != onewireslave.StateWaitReset {
		t.Fatalf("state = %s after further bits, want WaitReset", got)
	}
}

func bitAt(b byte, pos int) bool { return (b>>uint(pos))&1 != 0 }

// S5 / property 3: SEARCH ROM against two slaves on the same bus whose IDs
// differ only in bit 7 of the first-transmitted byte (id[7], the family
// byte). The first 7 bits on the wire have no collision (both slaves carry
// the same bit/complement pair), the 8th does, and the master's choice
// resolves it the way the real wired-AND algorithm would: disagreeing with
// a slave's own bit drops it, agreeing keeps it engaged.
func TestSearchROMTwoSlaves(t *testing.T) {
	idA := [8]byte{0x37, 0x00, 0x08, 0x02, 0x0A, 0xA9, 0x50, 0x10}
	idB := [8]byte{0x37, 0x00, 0x08, 0x02, 0x0A, 0xA9, 0x50, 0x90}

	sc := sim.NewScheduler()
	bus := sc.NewBus()
	a := onewireslave.New(idA, bus.NewLine(), sc.NewClock(), bus)
	a.Start()
	b := onewireslave.New(idB, bus.NewLine(), sc.NewClock(), bus)
	b.Start()

	m := sim.NewMaster(sc, bus)
	m.ResetPulse()
	m.WriteByte(0xF0)

	// Bits 0-6 of id[7] (0x10/0x90, low 7 bits shared) are identical between
	// the two IDs; the master always sees no collision and must choose the
	// only bit on offer to keep both engaged.
	for i := 0; i < 7; i++ {
		want := bitAt(0x10, i)
		bit, comp := m.SearchTriplet(want)
		if bit == comp {
			t.Fatalf("triplet %d: expected a true/complement pair, got bit=%v comp=%v", i, bit, comp)
		}
		if bit != want {
			t.Fatalf("triplet %d: bit = %v, want %v", i, bit, want)
		}
	}
	// Bit 7 differs (0 for A, 1 for B), so the wired-AND bus reports a
	// collision: bit = AND(0,1) = 0, comp = AND(!0,!1) = AND(1,0) = 0, both
	// false. The master resolves it by choosing 1, which keeps B engaged
	// (its bit agrees) and drops A (its bit disagrees).
	bit, comp := m.SearchTriplet(true)
	if bit != false || comp != false {
		t.Fatalf("final triplet = bit=%v comp=%v, want a collision (both false)", bit, comp)
	}

	if got := a.State(); got != onewireslave.StateWaitReset {
		t.Fatalf("slave A state = %s, want WaitReset (deselected on bit 7)", got)
	}
	if got := b.State(); got == onewireslave.StateWaitReset {
		t.Fatal("slave B should still be engaged after choosing its own bit")
	}

	// Finish the remaining 56 bits, identical for both IDs (id[6] down to
	// id[0]), so slave B completes selection.
	remaining := []byte{0x50, 0xA9, 0x0A, 0x02, 0x08, 0x00, 0x37}
	for _, by := range remaining {
		for bitpos := 0; bitpos < 8; bitpos++ {
			m.SearchTriplet(bitAt(by, bitpos))
		}
	}
	if !b.RomMatched() {
		t.Fatal("slave B should be selected after its full 64-bit ID is confirmed")
	}
}

// S6: ALARM SEARCH with the application alarm flag false deselects the slave
// immediately after the command byte and it stays silent thereafter.
func TestAlarmSearchNoAlarm(t *testing.T) {
	h := newHarness(t, testID)
	h.slave.SetAlarmCondition(false)

	h.m.ResetPulse()
	if got := h.slave.State(); got != onewireslave.StateWrite {
		t.Fatalf("state after presence = %s, want Write", got)
	}
	h.m.WriteByte(0xEC)

	if got := h.slave.State(); got != onewireslave.StateWaitReset {
		t.Fatalf("state = %s, want WaitReset (alarm inactive)", got)
	}

	// Further bits must produce no response at all: with no slave driving
	// the line, a read slot samples high (logical 1) every time.
	if bit := h.m.ReadBit(); !bit {
		t.Fatal("expected line to read released/high with no slave driving it")
	}
}

// Property 5: a reset pulse mid-transaction (here, mid Write of a MATCH ROM)
// restores WaitReset -> StartPresence and clears every counter, as if the
// prior bits never happened.
func TestResetMidTransactionRestartsCleanly(t *testing.T) {
	h := newHarness(t, testID)
	h.m.ResetPulse()
	h.m.WriteByte(0x55)
	h.m.WriteByte(0x10)
	h.m.WriteByte(0x50) // now mid-transaction, romMatched still false

	h.m.ResetPulse()
	if got := h.slave.State(); got != onewireslave.StateWrite {
		t.Fatalf("state after second reset's presence pulse = %s, want Write", got)
	}
	if h.slave.RomMatched() {
		t.Fatal("romMatched should be false again after a fresh reset")
	}

	// The counters were reinitialized: SKIP ROM from here should behave
	// exactly as it would on a brand new transaction.
	h.m.WriteByte(0xCC)
	if got := h.slave.State(); got != onewireslave.StateWrite {
		t.Fatalf("state after SKIP ROM = %s, want Write", got)
	}
	if !h.slave.RomMatched() {
		t.Fatal("expected romMatched after SKIP ROM on the restarted transaction")
	}
}

// Property 6 and 7: set_txbyte staged during the received-byte callback
// applies starting at the very first transmitted bit, and the sent callback
// fires exactly once every 8 bits; if it restages nothing, the same byte
// repeats.
func TestSentCallbackOnceSameByteRepeats(t *testing.T) {
	h := newHarness(t, testID)
	sentCount := 0
	h.slave.SetReceivedCallback(func(b byte) bool {
		h.slave.SetTxByte(0x99)
		return true
	})
	h.slave.SetSentCallback(func() { sentCount++ })

	h.m.ResetPulse()
	h.m.WriteByte(0xCC)
	h.m.WriteByte(0x00) // triggers the switch to Read, staging 0x99

	first := h.m.ReadByte()
	if first != 0x99 {
		t.Fatalf("first transmitted byte = 0x%02x, want 0x99 (property 6)", first)
	}
	if sentCount != 1 {
		t.Fatalf("sentCount after 8 bits = %d, want 1", sentCount)
	}

	// sentCB above never calls SetTxByte again, so the same byte repeats.
	second := h.m.ReadByte()
	if second != 0x99 {
		t.Fatalf("second transmitted byte = 0x%02x, want 0x99 repeated (property 7)", second)
	}
	if sentCount != 2 {
		t.Fatalf("sentCount after 16 bits = %d, want 2", sentCount)
	}
}

// An unknown ROM command deselects the slave until the next reset.
func TestUnknownROMCommandDeselects(t *testing.T) {
	h := newHarness(t, testID)
	h.m.ResetPulse()
	h.m.WriteByte(0x12) // not any recognized command
	if got := h.slave.State(); got != onewireslave.StateWaitReset {
		t.Fatalf("state = %s, want WaitReset after an unknown command", got)
	}
}
