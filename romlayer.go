package onewireslave

// This file implements the ROM layer (§4.5): the sub-protocol that
// interprets the first byte after a reset as a ROM command and runs the
// matching addressing sub-protocol until the slave is deselected or
// selected for function-layer exchange.

// idBit returns the current ID bit named by idIndex/bitCount: byte idIndex,
// bit position bitCount, LSB-first (§4.5's addressing byte order).
func (s *Slave) idBit() bool {
	return bitAt(s.id[s.idIndex], s.bitCount)
}

// advanceCursor moves the bit cursor to the next position and reports
// whether the 64th (last) bit was just confirmed: byte index 0, bit 7.
func (s *Slave) advanceCursor() (allDone bool) {
	s.bitCount++
	if s.bitCount == 8 {
		s.bitCount = 0
		if s.idIndex == 0 {
			return true
		}
		s.idIndex--
	}
	return false
}

func (s *Slave) romLayerBit(bit bool) {
	switch s.romCommand {
	case cmdNone:
		s.accumulateRomCommand(bit)
	case cmdSearchROM:
		s.searchROMBit(bit)
	case cmdAlarmSearch:
		// Reaching here at all means the alarm condition was true when the
		// command byte completed (accumulateRomCommand deselects
		// immediately otherwise), so it behaves exactly like SEARCH ROM.
		s.searchROMBit(bit)
	case cmdMatchROM:
		s.matchROMBit(bit)
	case cmdReadROM:
		s.readROMBit(bit)
	default:
		s.state = StateWaitReset
	}
}

// accumulateRomCommand shifts bits LSB-first into the command byte and, once
// complete, dispatches on it (§4.5's table).
func (s *Slave) accumulateRomCommand(bit bool) {
	s.currentByte = (s.currentByte >> 1) | boolToHighBit(bit)
	s.bitCount++
	if s.bitCount < 8 {
		return
	}
	s.bitCount = 0
	s.romCommand = s.currentByte
	s.currentByte = 0

	switch s.romCommand {
	case cmdSkipROM:
		// SKIP ROM always selects unconditionally, independent of any
		// prior SEARCH/MATCH state within the same transaction — the
		// resolved reading of the open question in §9.
		s.romMatched = true
		s.state = StateWrite
	case cmdSearchROM:
		s.primeSearch()
	case cmdAlarmSearch:
		if !s.alarm.Load() {
			s.state = StateWaitReset
			return
		}
		s.primeSearch()
	case cmdMatchROM:
		s.idIndex = 7
		s.state = StateWrite
	case cmdReadROM:
		s.idIndex = 7
		s.state = StateRead
		s.readVal = s.idBit()
	default:
		s.state = StateWaitReset
	}
}

func (s *Slave) primeSearch() {
	s.idIndex = 7
	s.searchPhase = 0
	s.state = StateRead
	s.readVal = s.idBit()
}

// searchROMBit runs the 3-phase-per-bit SEARCH ROM / ALARM SEARCH protocol:
// phase 0 transmits the ID bit, phase 1 its complement, phase 2 samples the
// master's choice. A choice that disagrees with the slave's own bit
// deselects it for the rest of the transaction.
func (s *Slave) searchROMBit(bit bool) {
	switch s.searchPhase {
	case 0:
		s.searchPhase = 1
		s.readVal = !s.idBit()
		s.state = StateRead
	case 1:
		s.searchPhase = 2
		s.state = StateWrite
	case 2:
		if bit != s.idBit() {
			s.state = StateWaitReset
			return
		}
		if done := s.advanceCursor(); done {
			s.romMatched = true
			s.state = StateWrite
			return
		}
		s.searchPhase = 0
		s.readVal = s.idBit()
		s.state = StateRead
	}
}

// matchROMBit compares each of the 64 master-written bits against the ID,
// LSB-first from byte 7 down to byte 0; any mismatch deselects the slave.
func (s *Slave) matchROMBit(bit bool) {
	if bit != s.idBit() {
		s.state = StateWaitReset
		return
	}
	if done := s.advanceCursor(); done {
		s.romMatched = true
		s.state = StateWrite
	}
}

// readROMBit transmits the full 64-bit ID unconditionally and selects the
// slave once the last bit has gone out.
func (s *Slave) readROMBit(_ bool) {
	if done := s.advanceCursor(); done {
		s.romMatched = true
		s.state = StateWrite
		return
	}
	s.readVal = s.idBit()
}

func boolToHighBit(b bool) byte {
	if b {
		return 0x80
	}
	return 0
}
