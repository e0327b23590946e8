// Package sim is a fully synthetic, deterministic 1-Wire bus used by the
// protocol engine's tests. There is no wall-clock time involved: a
// Scheduler owns a virtual now and fires armed timers strictly in deadline
// order as the test advances it, which is what lets the property and
// scenario tests in the root package assert exact bit-for-bit behavior
// without any real microsecond waits.
//
// It is the host-side simulation harness the spec calls for in §4.3/§9: the
// core is generic over hw.Line/hw.Timer/hw.EdgeSource, and this package
// supplies synthetic implementations of all three.
package sim

import (
	"time"

	"github.com/bcoughlan/onewireslave/hw"
)

type entry struct {
	deadline time.Duration
	fire     func()
	active   bool
}

// Scheduler is a virtual clock shared by every Clock and Bus under test, so
// that a single master script and any number of simulated slaves observe
// the same notion of elapsed time.
type Scheduler struct {
	now     time.Duration
	entries []*entry
}

// NewScheduler returns a scheduler starting at t=0.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the scheduler's current virtual time.
func (sc *Scheduler) Now() time.Duration {
	return sc.now
}

func (sc *Scheduler) newEntry() *entry {
	e := &entry{}
	sc.entries = append(sc.entries, e)
	return e
}

func (sc *Scheduler) arm(e *entry, d time.Duration, fire func()) {
	e.deadline = sc.now + d
	e.fire = fire
	e.active = true
}

func (sc *Scheduler) cancel(e *entry) {
	e.active = false
}

// Advance moves the virtual clock forward by d, firing every armed timer
// whose deadline falls at or before the new time, strictly in deadline
// order. A fired callback may itself arm new timers with deadlines inside
// the remaining window; those are honored before Advance returns.
func (sc *Scheduler) Advance(d time.Duration) {
	target := sc.now + d
	for {
		var next *entry
		for _, e := range sc.entries {
			if !e.active || e.deadline > target {
				continue
			}
			if next == nil || e.deadline < next.deadline {
				next = e
			}
		}
		if next == nil {
			break
		}
		sc.now = next.deadline
		next.active = false
		fire := next.fire
		fire()
	}
	sc.now = target
}

// Clock is a synthetic hw.Timer bound to a Scheduler: one independent
// one-shot channel for bit slots, one for reset detection, matching the
// two hardware compare channels the spec describes (COMP-A/COMP-B).
type Clock struct {
	sc    *Scheduler
	slot  *entry
	reset *entry
}

// NewClock returns a Clock driven by sc.
func (sc *Scheduler) NewClock() *Clock {
	return &Clock{sc: sc, slot: sc.newEntry(), reset: sc.newEntry()}
}

func (c *Clock) ArmSlot(d time.Duration, fire func())  { c.sc.arm(c.slot, d, fire) }
func (c *Clock) ArmReset(d time.Duration, fire func()) { c.sc.arm(c.reset, d, fire) }
func (c *Clock) CancelSlot()                           { c.sc.cancel(c.slot) }
func (c *Clock) CancelReset()                          { c.sc.cancel(c.reset) }

var _ hw.Timer = (*Clock)(nil)

// Bus is a synthetic open-drain wired-AND line: it reads low whenever any
// registered driver is pulling it low, high otherwise, and notifies every
// falling/rising listener synchronously on each net transition — exactly
// the behavior a real open-drain 1-Wire bus exhibits for a master and any
// number of slaves sharing one pin.
type Bus struct {
	sc      *Scheduler
	drivers map[*BusLine]bool
	level   bool
	falling []func()
	rising  []func()
}

// NewBus returns an idle (high) bus bound to sc.
func (sc *Scheduler) NewBus() *Bus {
	return &Bus{sc: sc, drivers: map[*BusLine]bool{}, level: true}
}

// BusLine is one participant's view of a Bus: it can drive the shared line
// and sample its current net level, but has no visibility into who else is
// driving it.
type BusLine struct {
	bus *Bus
}

// NewLine returns a new driver handle on the bus (one per slave, plus one
// for the test's master script).
func (b *Bus) NewLine() *BusLine {
	l := &BusLine{bus: b}
	b.drivers[l] = false
	return l
}

func (l *BusLine) PullLow()    { l.bus.setDriver(l, true) }
func (l *BusLine) Release()    { l.bus.setDriver(l, false) }
func (l *BusLine) Sample() bool { return l.bus.level }

var _ hw.Line = (*BusLine)(nil)

func (b *Bus) setDriver(l *BusLine, low bool) {
	b.drivers[l] = low
	newLevel := true
	for _, v := range b.drivers {
		if v {
			newLevel = false
			break
		}
	}
	if newLevel == b.level {
		return
	}
	b.level = newLevel
	if newLevel {
		for _, fn := range b.rising {
			fn()
		}
	} else {
		for _, fn := range b.falling {
			fn()
		}
	}
}

// OnFalling implements hw.EdgeSource. Every slave sharing this bus, plus any
// other listener, is notified on every net falling transition.
func (b *Bus) OnFalling(fn func()) { b.falling = append(b.falling, fn) }

// OnRising implements hw.EdgeSource.
func (b *Bus) OnRising(fn func()) { b.rising = append(b.rising, fn) }

var _ hw.EdgeSource = (*Bus)(nil)

// Timings used by Master's slot scripting. These model a master's behavior,
// not the slave's, and are deliberately distinct constants from the
// engine's own internal timing so the two are never accidentally coupled.
//
// readMasterPulse+readSampleDelay must stay short of the engine's own
// T_hold (15µs, state.go's tHold): a real master samples a read slot well
// before releasing it, while the bit is still being driven by the slave if
// it sent a 0. Sampling any later would read the slave's own tHold release
// as a spurious 1 regardless of the bit actually sent.
const (
	resetHold       = 500 * time.Microsecond
	presenceWindow  = 600 * time.Microsecond
	writeSamplePast = 35 * time.Microsecond
	readMasterPulse = 2 * time.Microsecond
	readSampleDelay = 8 * time.Microsecond
	slotRecovery    = 20 * time.Microsecond
)

// Master drives a Bus the way a real 1-Wire bus master would, with the
// scheduler advanced by the exact amount of virtual time each step implies.
type Master struct {
	sc   *Scheduler
	line *BusLine
}

// NewMaster returns a master driving bus, using sc to advance time.
func NewMaster(sc *Scheduler, bus *Bus) *Master {
	return &Master{sc: sc, line: bus.NewLine()}
}

// ResetPulse issues a reset: pulls the line low well past the 480µs
// threshold, releases it, then waits out the presence-pulse window.
func (m *Master) ResetPulse() {
	m.line.PullLow()
	m.sc.Advance(resetHold)
	m.line.Release()
	m.sc.Advance(presenceWindow)
}

// WriteBit issues one write slot carrying bit.
func (m *Master) WriteBit(bit bool) {
	m.line.PullLow()
	if bit {
		m.line.Release()
	}
	m.sc.Advance(writeSamplePast)
	if !bit {
		m.line.Release()
	}
	m.sc.Advance(slotRecovery)
}

// WriteByte issues 8 write slots, LSB-first.
func (m *Master) WriteByte(b byte) {
	for i := uint(0); i < 8; i++ {
		m.WriteBit(b&(1<<i) != 0)
	}
}

// ReadBit issues one read slot and returns the sampled bit.
func (m *Master) ReadBit() bool {
	m.line.PullLow()
	m.sc.Advance(readMasterPulse)
	m.line.Release()
	m.sc.Advance(readSampleDelay)
	bit := m.line.Sample()
	m.sc.Advance(slotRecovery)
	return bit
}

// ReadByte issues 8 read slots and assembles the result LSB-first.
func (m *Master) ReadByte() byte {
	var b byte
	for i := uint(0); i < 8; i++ {
		if m.ReadBit() {
			b |= 1 << i
		}
	}
	return b
}

// SearchTriplet runs one SEARCH ROM triplet: read the participants' bit,
// read their complement, then write the master's chosen direction.
func (m *Master) SearchTriplet(direction bool) (bit, complement bool) {
	bit = m.ReadBit()
	complement = m.ReadBit()
	m.WriteBit(direction)
	return bit, complement
}

// Idle advances time with the line released, for tests that want to assert
// nothing happens while the bus sits quiet.
func (m *Master) Idle(d time.Duration) {
	m.sc.Advance(d)
}
