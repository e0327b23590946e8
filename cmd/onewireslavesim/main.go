// Command onewireslavesim runs a 1-Wire slave against either the real
// sysfs GPIO backend or, for local experimentation without hardware, a
// toy in-process loopback harness driven by a fixed reset/command script.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	onewireslave "github.com/bcoughlan/onewireslave"
	"github.com/bcoughlan/onewireslave/hw/hostw1"
	"github.com/bcoughlan/onewireslave/hw/sim"
	"github.com/bcoughlan/onewireslave/hw/sysfspin"
)

func main() {
	pinFlag := flag.Int("pin", -1, "Linux GPIO number to drive; -1 runs an in-process simulation instead")
	idFlag := flag.String("id", "28.010203040506", "64-bit ROM id as family.serial hex, e.g. 28.010203040506")
	alarm := flag.Bool("alarm", false, "start with the alarm condition asserted")
	flag.Parse()

	id, err := parseID(*idFlag)
	if err != nil {
		log.Fatalf("onewireslavesim: %v", err)
	}

	echoed := 0
	receivedCB := func(b byte) bool {
		echoed++
		log.Printf("received byte #%d: 0x%02x", echoed, b)
		return true // switch to transmit after every byte; the staged tx byte is sent, not the received one
	}
	sentCB := func() { log.Printf("sent byte complete") }

	if *pinFlag < 0 {
		runSim(id, *alarm, receivedCB, sentCB)
		return
	}
	runHardware(*pinFlag, id, *alarm, receivedCB, sentCB)
}

func runSim(id [8]byte, alarm bool, receivedCB func(byte) bool, sentCB func()) {
	sc := sim.NewScheduler()
	bus := sc.NewBus()
	line := bus.NewLine()
	clock := sc.NewClock()

	slave := onewireslave.New(id, line, clock, bus)
	slave.SetReceivedCallback(receivedCB)
	slave.SetSentCallback(sentCB)
	slave.SetAlarmCondition(alarm)
	slave.SetTxByte(0xaa)
	slave.Start()

	master := sim.NewMaster(sc, bus)
	master.ResetPulse()
	master.WriteByte(0xcc) // SKIP ROM
	master.WriteByte(0x42)
	log.Printf("slave state after one exchange: %s, selected=%v", slave.State(), slave.RomMatched())
}

func runHardware(pinNumber int, id [8]byte, alarm bool, receivedCB func(byte) bool, sentCB func()) {
	if hostw1.KernelMasterActive() {
		log.Fatal("onewireslavesim: the kernel's w1 bus master is active on this host; " +
			"a bit-banged slave on the same pin would corrupt both sides' timing")
	}
	adapter, err := sysfspin.NewAdapter(pinNumber)
	if err != nil {
		log.Fatalf("onewireslavesim: %v", err)
	}
	defer adapter.Close()

	timer := newWallClockTimer()
	slave := onewireslave.New(id, adapter, timer, adapter)
	slave.SetReceivedCallback(receivedCB)
	slave.SetSentCallback(sentCB)
	slave.SetAlarmCondition(alarm)
	slave.Start()

	log.Printf("listening on GPIO%d, id=%x; press Ctrl+C to stop", pinNumber, id)
	select {}
}

func parseID(s string) ([8]byte, error) {
	var id [8]byte
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return id, fmt.Errorf("id must be family.serial, e.g. 28.010203040506")
	}
	family, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return id, fmt.Errorf("bad family code: %w", err)
	}
	serial, err := decodeHex(parts[1])
	if err != nil || len(serial) != 6 {
		return id, fmt.Errorf("serial must be 6 hex bytes")
	}
	id[7] = byte(family)
	copy(id[1:7], serial)
	id[0] = crc8(id[1:8])
	return id, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// crc8 computes the Dallas/Maxim 8-bit CRC (poly 0x31, reflected) over b.
func crc8(b []byte) byte {
	var crc byte
	for _, v := range b {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8c
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// wallClockTimer adapts the standard library's time.AfterFunc to hw.Timer
// for real (non-simulated) use.
type wallClockTimer struct {
	slot  *time.Timer
	reset *time.Timer
}

func newWallClockTimer() *wallClockTimer { return &wallClockTimer{} }

func (t *wallClockTimer) ArmSlot(d time.Duration, fire func()) {
	if t.slot != nil {
		t.slot.Stop()
	}
	t.slot = time.AfterFunc(d, fire)
}

func (t *wallClockTimer) ArmReset(d time.Duration, fire func()) {
	if t.reset != nil {
		t.reset.Stop()
	}
	t.reset = time.AfterFunc(d, fire)
}

func (t *wallClockTimer) CancelSlot() {
	if t.slot != nil {
		t.slot.Stop()
	}
}

func (t *wallClockTimer) CancelReset() {
	if t.reset != nil {
		t.reset.Stop()
	}
}
