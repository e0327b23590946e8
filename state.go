package onewireslave

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcoughlan/onewireslave/hw"
)

// State is one of the five phases of the global slave state machine (§4.7).
type State int

const (
	// StateWaitReset is the idle phase: the slave does nothing on the bus
	// until it detects a reset pulse.
	StateWaitReset State = iota
	// StateStartPresence is entered once a reset pulse is confirmed; the
	// slave is waiting for the master to release the bus so it can begin
	// generating its presence pulse.
	StateStartPresence
	// StateEndPresence is the tail of the presence pulse: the line is
	// being held low and will be released when the hold timer fires.
	StateEndPresence
	// StateWrite: the next bit slot samples the master.
	StateWrite
	// StateRead: the next bit slot drives the bus.
	StateRead
)

func (s State) String() string {
	switch s {
	case StateWaitReset:
		return "WaitReset"
	case StateStartPresence:
		return "StartPresence"
	case StateEndPresence:
		return "EndPresence"
	case StateWrite:
		return "Write"
	case StateRead:
		return "Read"
	default:
		return "invalid"
	}
}

// Timing constants from §6/§9. tSample sits at the generous end of the
// 15-60µs valid window, trading a little margin for slow pull-ups, per the
// spec's explicit recommendation over the original's ~20µs.
const (
	tSample        = 30 * time.Microsecond
	tHold          = 15 * time.Microsecond
	tPresenceDelay = 30 * time.Microsecond
	tPresenceHold  = 120 * time.Microsecond
	tResetHold     = 480 * time.Microsecond
)

// ROM command bytes (§4.5).
const (
	cmdNone        byte = 0x00
	cmdSearchROM   byte = 0xF0
	cmdMatchROM    byte = 0x55
	cmdSkipROM     byte = 0xCC
	cmdReadROM     byte = 0x33
	cmdAlarmSearch byte = 0xEC
)

// Slave is the single owned state record the spec's §3/§5 describe: every
// field below is touched exclusively from the hardware callbacks
// (onFalling, onRising, onSlotFire/onResetFire), which enter serializes
// one at a time, with the sole
// exception of txByte and alarm, which the application may set at any time
// through atomic single-word stores.
type Slave struct {
	line  hw.Line
	timer hw.Timer
	edges hw.EdgeSource

	id [8]byte

	receivedCB func(b byte) bool
	sentCB     func()

	txByte  atomic.Uint32
	alarm   atomic.Bool
	started atomic.Bool

	// runMu and the two fields below it make the hardware-callback entry
	// points safe against a driven line looping back into this same slave's
	// own edge callbacks (a real open-drain bus reflects a slave's own
	// PullLow/Release back as an edge, and so does hw/sim's Bus). A plain
	// mutex would deadlock on that reentrant call; instead a handler that's
	// already running queues the reentrant one and runs it immediately
	// after, preserving order without ever blocking a goroutine on itself.
	runMu       sync.Mutex
	dispatching bool
	pending     []func()

	state State

	bitCount    uint8
	idIndex     uint8
	currentByte byte
	romCommand  byte
	readVal     bool
	romMatched  bool
	searchPhase uint8
	txSnapshot  byte
}

// New builds a slave bound to the given 64-bit ROM id and hardware
// capabilities. id[0] is conventionally the CRC-8, id[1:7] the 48-bit
// serial, and id[7] the family code (§6); it is transmitted byte 7 first,
// LSB-first within each byte.
//
// id is an array passed by value: New keeps its own copy of the 8 bytes, so
// the caller's array need not outlive the Slave.
func New(id [8]byte, line hw.Line, timer hw.Timer, edges hw.EdgeSource) *Slave {
	return &Slave{
		id:    id,
		line:  line,
		timer: timer,
		edges: edges,
		state: StateWaitReset,
	}
}

// SetReceivedCallback installs the byte-received callback. It must be
// called before Start; the callback runs in hardware-callback context, must
// be non-blocking and allocation-free, and its bool return requests a
// direction switch to transmit (§4.6).
func (s *Slave) SetReceivedCallback(fn func(b byte) bool) {
	s.receivedCB = fn
}

// SetSentCallback installs the byte-sent callback. It must be called before
// Start; like the received callback it runs in hardware-callback context
// and must be non-blocking.
func (s *Slave) SetSentCallback(fn func()) {
	s.sentCB = fn
}

// SetTxByte stages the next byte to transmit. It is safe to call from
// inside either callback or from any other goroutine; the store is a single
// atomic word write with no further synchronization, matching the
// single-byte atomic store the original hardware guarantees (§5, §6).
func (s *Slave) SetTxByte(b byte) {
	s.txByte.Store(uint32(b))
}

func (s *Slave) txByteVal() byte {
	return byte(s.txByte.Load())
}

// SetAlarmCondition sets the application-controlled alarm flag consulted by
// ALARM SEARCH (§4.5). Safe to call at any time.
func (s *Slave) SetAlarmCondition(active bool) {
	s.alarm.Store(active)
}

// Start arms the hardware: it sets the initial state to WaitReset and
// registers the edge callbacks. It must not be called twice, and both
// callbacks (if used) must already be installed.
func (s *Slave) Start() {
	if !s.started.CompareAndSwap(false, true) {
		panic("onewireslave: Start called twice")
	}
	s.runMu.Lock()
	s.state = StateWaitReset
	s.runMu.Unlock()
	s.edges.OnFalling(s.onFalling)
	s.edges.OnRising(s.onRising)
}

// State returns the slave's current phase. Intended for tests and
// diagnostics; the application has no other legitimate use for it since the
// spec's protocol is entirely driven by the callbacks.
func (s *Slave) State() State {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.state
}

// RomMatched reports whether this transaction has selected the slave.
func (s *Slave) RomMatched() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.romMatched
}

// enter serializes every hardware callback onto a single logical thread of
// control, matching the spec's single-threaded interrupt model (§5), while
// tolerating a handler that triggers itself reentrantly by driving the line:
// a reentrant call is queued rather than run inline, and is drained right
// after the running handler returns.
func (s *Slave) enter(fn func()) {
	s.runMu.Lock()
	if s.dispatching {
		s.pending = append(s.pending, fn)
		s.runMu.Unlock()
		return
	}
	s.dispatching = true
	s.runMu.Unlock()

	fn()

	for {
		s.runMu.Lock()
		if len(s.pending) == 0 {
			s.dispatching = false
			s.runMu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.runMu.Unlock()
		next()
	}
}

func bitAt(b byte, pos uint8) bool {
	return (b>>pos)&1 != 0
}
