// Package onewireslave implements the slave side of a Dallas/Maxim 1-Wire
// bus: a bit-accurate, interrupt-driven protocol engine that lets a single
// open-drain pin act as an addressable slave on a bus driven by a master.
//
// The engine reacts to three hardware events — falling edge, rising edge,
// and slot-timer fire — routed to it through the hw package's capability
// interfaces. It decodes bit timings, runs the ROM-layer addressing
// sub-protocol (SEARCH ROM, MATCH ROM, SKIP ROM, READ ROM, ALARM SEARCH),
// and once selected hands whole bytes to the application through two
// callbacks. It never touches the GPIO/timer hardware directly and owns no
// goroutines of its own: every exported method either runs to completion
// synchronously or is a single atomic store, matching the constraints of
// real interrupt context. The one allocation after Start is the queue that
// holds a hardware callback re-entered while another one is still running.
package onewireslave
