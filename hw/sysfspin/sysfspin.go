// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sysfspin is the one real-hardware backend in this module: it
// drives a single Linux GPIO pin through /sys/class/gpio open-drain style
// and delivers its edges by polling the pin's sysfs interrupt file, the way
// the kernel's GPIO sysfs interface is documented to be used.
//
// Pin exposes only the Out/In/Read/WaitForEdge/Halt verbs Adapter actually
// drives, rather than the full periph.io/x/conn/v3/gpio.PinIO surface: this
// backend is opened dynamically by GPIO number (sysfspin.Open(n)), not
// registered as a static board pin through gpioreg, so the rest of that
// interface (pin function reporting, PWM, pull configuration) would never
// be reached by anything in this module.
package sysfspin

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"

	"github.com/bcoughlan/onewireslave/hw"
)

type direction int

const (
	dUnknown direction = iota
	dIn
	dOut
)

var (
	bIn   = []byte("in")
	bLow  = []byte("low")
	bHigh = []byte("high")
	bNone = []byte("none")
	bBoth = []byte("both")
)

// Pin is one GPIO line opened through /sys/class/gpio/gpio<N>/.
type Pin struct {
	number int
	root   string

	mu         sync.Mutex
	fValue     *os.File
	fDirection *os.File
	fEdge      *os.File
	direction  direction
	buf        [4]byte
}

// Open exports pin number and opens its value/direction sysfs handles. The
// pin starts as an input, which on an open-drain bus means released (the
// external pull-up holds the line high).
func Open(number int) (*Pin, error) {
	if err := export(number); err != nil {
		return nil, err
	}
	p := &Pin{number: number, root: fmt.Sprintf("/sys/class/gpio/gpio%d/", number)}
	var err error
	if p.fValue, err = os.OpenFile(p.root+"value", os.O_RDWR, 0); err != nil {
		return nil, p.wrap(err)
	}
	if p.fDirection, err = os.OpenFile(p.root+"direction", os.O_RDWR, 0); err != nil {
		_ = p.fValue.Close()
		return nil, p.wrap(err)
	}
	if p.fEdge, err = os.OpenFile(p.root+"edge", os.O_RDWR, 0); err != nil {
		// Edge detection is not available on every kernel/board; the pin is
		// still usable as a plain in/out line, so this is not fatal.
		p.fEdge = nil
	}
	if err := seekWrite(p.fDirection, bIn); err != nil {
		return nil, p.wrap(err)
	}
	p.direction = dIn
	return p, nil
}

func export(number int) error {
	f, err := os.OpenFile("/sys/class/gpio/export", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("sysfspin: open export: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(strconv.Itoa(number))); err != nil && !isErrBusy(err) {
		return fmt.Errorf("sysfspin: export gpio%d: %w", number, err)
	}
	// The value file's permissions are fixed up asynchronously by a udev
	// rule; give it a little room to appear.
	root := fmt.Sprintf("/sys/class/gpio/gpio%d/value", number)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(root); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sysfspin: gpio%d never appeared", number)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func isErrBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

func seekWrite(f *os.File, b []byte) error {
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

func seekRead(f *os.File, b []byte) (int, error) {
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return 0, err
	}
	return f.Read(b)
}

func (p *Pin) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sysfspin (gpio%d): %w", p.number, err)
}

// String implements conn.Resource.
func (p *Pin) String() string { return fmt.Sprintf("GPIO%d", p.number) }

// Halt implements conn.Resource: it releases the line (input, no edge
// detection) without unexporting it.
func (p *Pin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fEdge != nil {
		_ = seekWrite(p.fEdge, bNone)
	}
	return p.setDirection(bIn, dIn)
}

// In implements gpio.PinIn. pull is rejected for anything but PullNoChange
// or Float since sysfs GPIO has no access to the pad's internal resistor.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if pull != gpio.PullNoChange && pull != gpio.Float {
		return p.wrap(errors.New("sysfs gpio does not support pull-up/pull-down"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setDirection(bIn, dIn); err != nil {
		return err
	}
	if p.fEdge == nil {
		if edge == gpio.NoEdge {
			return nil
		}
		return p.wrap(errors.New("edge detection not available on this pin"))
	}
	b := bNone
	if edge != gpio.NoEdge {
		b = bBoth
	}
	return p.wrap(seekWrite(p.fEdge, b))
}

func (p *Pin) setDirection(b []byte, d direction) error {
	if p.direction == d {
		return nil
	}
	if err := seekWrite(p.fDirection, b); err != nil {
		return p.wrap(err)
	}
	p.direction = d
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level { return p.read() }

func (p *Pin) read() gpio.Level {
	if _, err := seekRead(p.fValue, p.buf[:]); err != nil {
		return gpio.Low
	}
	if p.buf[0] == '1' {
		return gpio.High
	}
	return gpio.Low
}

// WaitForEdge implements gpio.PinIn by polling the value fd for POLLPRI, the
// documented sysfs GPIO interrupt mechanism.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(p.fValue.Fd()), Events: unix.POLLPRI | unix.POLLERR}}
	// A first, non-blocking poll flushes any edge the kernel already queued
	// before WaitForEdge was called, matching the teacher's "prime the pump"
	// comment about stale edges lingering after mode switches.
	_, _ = unix.Poll(fds, 0)
	n, err := unix.Poll(fds, ms)
	if err != nil || n == 0 {
		return false
	}
	var b [4]byte
	_, _ = seekRead(p.fValue, b[:])
	return true
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direction != dOut {
		d := bLow
		if l == gpio.High {
			d = bHigh
		}
		// Writing "low"/"high" to direction both switches the pin to output
		// and sets its initial value in one syscall, avoiding a glitch.
		if err := seekWrite(p.fDirection, d); err != nil {
			return p.wrap(err)
		}
		p.direction = dOut
		return nil
	}
	v := []byte("0")
	if l == gpio.High {
		v = []byte("1")
	}
	return p.wrap(seekWrite(p.fValue, v))
}

var _ conn.Resource = (*Pin)(nil)

// Adapter bridges a Pin's poll-on-demand In/Out/Read/WaitForEdge surface to
// the callback-based hw.Line/hw.EdgeSource the protocol engine is written
// against: open-drain drive (direction flips between input and output-low)
// plus a background poll loop that turns WaitForEdge wakeups into the
// registered OnFalling/OnRising callbacks.
type Adapter struct {
	pin *Pin

	mu      sync.Mutex
	falling []func()
	rising  []func()

	stop chan struct{}
}

// NewAdapter opens pin number and wraps it as an hw.Line/hw.EdgeSource.
// Close must be called to stop its background edge-polling goroutine.
func NewAdapter(number int) (*Adapter, error) {
	p, err := Open(number)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		return nil, err
	}
	a := &Adapter{pin: p, stop: make(chan struct{})}
	go a.pollLoop()
	return a, nil
}

// PullLow implements hw.Line.
func (a *Adapter) PullLow() {
	if err := a.pin.Out(gpio.Low); err != nil {
		log.Printf("sysfspin: pull low: %v", err)
	}
}

// Release implements hw.Line: switching back to input lets the bus's pull-up
// win, which is what "release" means on an open-drain line.
func (a *Adapter) Release() {
	if err := a.pin.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
		log.Printf("sysfspin: release: %v", err)
	}
}

// Sample implements hw.Line.
func (a *Adapter) Sample() bool {
	return a.pin.Read() == gpio.High
}

// OnFalling implements hw.EdgeSource.
func (a *Adapter) OnFalling(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.falling = append(a.falling, fn)
}

// OnRising implements hw.EdgeSource.
func (a *Adapter) OnRising(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rising = append(a.rising, fn)
}

// Close stops the edge-polling goroutine and releases the pin.
func (a *Adapter) Close() error {
	close(a.stop)
	return a.pin.Halt()
}

func (a *Adapter) pollLoop() {
	last := a.pin.Read()
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		if !a.pin.WaitForEdge(200 * time.Millisecond) {
			continue
		}
		level := a.pin.Read()
		if level == last {
			continue
		}
		last = level
		a.mu.Lock()
		var fns []func()
		if level == gpio.Low {
			fns = append(fns, a.falling...)
		} else {
			fns = append(fns, a.rising...)
		}
		a.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

var (
	_ hw.Line       = (*Adapter)(nil)
	_ hw.EdgeSource = (*Adapter)(nil)
)

// driver registers sysfspin with periph's driver registry so Init() fails
// fast, with a clear message, when /sys/class/gpio isn't present at all
// (containers without the gpio sysfs module, non-Linux hosts under test,
// etc.) rather than later as an obscure file-not-found from Open.
type driver struct{}

func (driver) String() string         { return "sysfspin" }
func (driver) Prerequisites() []string { return nil }
func (driver) After() []string         { return nil }

func (driver) Init() (bool, error) {
	items, err := filepath.Glob("/sys/class/gpio/gpiochip*")
	if err != nil {
		return true, err
	}
	if len(items) == 0 {
		return false, errors.New("sysfspin: no GPIO sysfs chip found")
	}
	return true, nil
}

func init() {
	driverreg.MustRegister(driver{})
}
