// Package hostw1 checks whether the kernel's own w1 bus master driver is
// already active on this host. Running a bit-banged slave on the same pin
// Linux's w1-gpio driver is driving would corrupt both sides' timing, so
// callers are expected to check this before wiring up a real pin.
package hostw1

import "path/filepath"

// KernelMasterActive reports whether the Linux w1 subsystem has any bus
// master registered, by looking for device entries under the w1 bus's sysfs
// tree. On a Raspberry Pi, this is populated when the onewire overlay is
// enabled in config.txt; any non-empty result means something else already
// owns a 1-Wire bus on this host.
func KernelMasterActive() bool {
	items, err := filepath.Glob("/sys/bus/w1/devices/*")
	return err == nil && len(items) > 0
}
