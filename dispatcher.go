package onewireslave

// This file implements the function dispatcher (§4.6): once the ROM layer
// has selected the slave (rom_matched), it groups bits into whole bytes and
// routes them to the application's two callbacks until the next reset.
//
// It reuses the same bit-cursor field the ROM layer uses (bitCount); the two
// never run concurrently within a transaction, matching the spec's single
// shared "Bit cursor" entity (§3).

func (s *Slave) dispatchFunctionBit(bit bool) {
	if s.state == StateWrite {
		s.receiveFunctionBit(bit)
		return
	}
	s.sendFunctionBit()
}

func (s *Slave) receiveFunctionBit(bit bool) {
	s.currentByte = (s.currentByte >> 1) | boolToHighBit(bit)
	s.bitCount++
	if s.bitCount < 8 {
		return
	}
	b := s.currentByte
	s.currentByte = 0
	s.bitCount = 0

	switchToRead := false
	if s.receivedCB != nil {
		switchToRead = s.receivedCB(b)
	}
	if !switchToRead {
		return
	}
	s.beginTxByte()
	s.state = StateRead
}

// sendFunctionBit advances the transmit bit cursor after a Read-state slot
// completes. On the 8th bit it invokes the sent callback (which may stage a
// new byte via SetTxByte) before starting the next byte; if the callback
// doesn't restage anything, txSnapshot is simply re-read and the same byte
// repeats (§4.6, property 7).
func (s *Slave) sendFunctionBit() {
	s.bitCount++
	if s.bitCount < 8 {
		s.readVal = bitAt(s.txSnapshot, s.bitCount)
		return
	}
	s.bitCount = 0
	if s.sentCB != nil {
		s.sentCB()
	}
	s.beginTxByte()
}

func (s *Slave) beginTxByte() {
	s.txSnapshot = s.txByteVal()
	s.readVal = bitAt(s.txSnapshot, 0)
}
