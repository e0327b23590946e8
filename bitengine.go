package onewireslave

// This file is the bit engine (§4.4, §4.7): it turns the three hardware
// events — falling edge, rising edge, slot-timer fire — into bit slots, and
// the reset-timer fire into a reset. It never reasons about bytes or ROM
// commands; that is romlayer.go's and dispatcher.go's job, reached through
// processBit.
//
// Reset detection is armed on every falling edge and cancelled on every
// rising edge that doesn't confirm a reset (§4.2's timer-based alternative
// to watching cumulative low time). Because the slot timer is only ever
// armed from a known state, a stray edge outside of Write/Read/StartPresence
// simply produces no slot-timer fire and therefore no spurious bit — the
// software equivalent of §7's "bus glitch: reload with a long idle value".
//
// Each of the four entry points below is a thin wrapper around enter(), so
// that driving the line from inside a handler (PullLow/Release during
// StartPresence/EndPresence/Read) can safely loop back through this same
// slave's own edge callbacks without deadlocking or corrupting state.

func (s *Slave) onFalling() { s.enter(s.doFalling) }
func (s *Slave) onRising()  { s.enter(s.doRising) }
func (s *Slave) onResetFire() { s.enter(s.doResetFire) }
func (s *Slave) onSlotFire()  { s.enter(s.doSlotFire) }

func (s *Slave) doFalling() {
	s.timer.CancelReset()
	s.timer.ArmReset(tResetHold, s.onResetFire)

	switch s.state {
	case StateWrite:
		s.timer.ArmSlot(tSample, s.onSlotFire)
	case StateRead:
		if s.readVal {
			s.line.Release()
		} else {
			s.line.PullLow()
		}
		s.timer.ArmSlot(tHold, s.onSlotFire)
	}
}

func (s *Slave) doRising() {
	if s.state == StateStartPresence {
		// The reset timer already fired while the bus was still low,
		// confirming the pulse; this rising edge is the master releasing
		// it, which is the reference point for the presence delay (§6).
		s.timer.CancelReset()
		s.timer.ArmSlot(tPresenceDelay, s.onSlotFire)
		return
	}
	s.timer.CancelReset()
}

// doResetFire runs when the reset timer confirms the bus was held low for
// at least tResetHold. §3's invariant applies here: every one of bit_count,
// ROM_command, id_index, state, read_val, rom_matched is reinitialized
// together, with nothing observable in between.
func (s *Slave) doResetFire() {
	s.timer.CancelSlot()
	s.bitCount = 0
	s.idIndex = 0
	s.romCommand = cmdNone
	s.currentByte = 0
	s.readVal = false
	s.romMatched = false
	s.searchPhase = 0
	s.state = StateStartPresence
}

func (s *Slave) doSlotFire() {
	switch s.state {
	case StateStartPresence:
		s.line.PullLow()
		s.state = StateEndPresence
		s.timer.ArmSlot(tPresenceHold, s.onSlotFire)
	case StateEndPresence:
		s.line.Release()
		s.state = StateWrite
	case StateWrite:
		bit := s.line.Sample()
		s.processBit(bit)
	case StateRead:
		s.line.Release()
		s.processBit(s.readVal)
	}
}

// processBit routes a just-sampled (Write) or just-transmitted (Read) bit to
// whichever middle-layer component currently owns the transaction: the ROM
// layer until the slave is selected, the function dispatcher afterward
// (§4.5's "Selection signal").
func (s *Slave) processBit(bit bool) {
	if s.romMatched {
		s.dispatchFunctionBit(bit)
		return
	}
	s.romLayerBit(bit)
}
