// Package wdt implements the loader's Watchdog capability against the
// Linux /dev/watchdog character device, using golang.org/x/sys/unix
// for the keepalive ioctl (the same dependency the pack's
// librescoot-bluetooth-service and doismellburning-samoyed carry for
// low-level Linux syscalls).
package wdt

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux watchdog ioctl numbers (linux/watchdog.h), not exported by
// x/sys/unix.
const (
	wdiocKeepalive = 0x80045705
	wdiocSetOptions = 0x80045704
	wdiosDisableCard = 0x0001
)

// Device kicks a Linux hardware or software watchdog.
type Device struct {
	f *os.File
}

// Open opens the watchdog character device at path (typically
// "/dev/watchdog").
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("wdt: open %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

// Kick implements loader.Watchdog by issuing the keepalive ioctl.
func (d *Device) Kick() {
	_ = unix.IoctlSetInt(int(d.f.Fd()), wdiocKeepalive, 0)
}

// Disarm best-effort disables the watchdog (used on clean shutdown
// paths; not part of the loader.Watchdog interface).
func (d *Device) Disarm() error {
	return unix.IoctlSetInt(int(d.f.Fd()), wdiocSetOptions, wdiosDisableCard)
}

// Close releases the device file descriptor without disarming it.
func (d *Device) Close() error { return d.f.Close() }

// Noop is a Watchdog that does nothing, for hosts with no watchdog
// device (developer machines, CI).
type Noop struct{}

// Kick implements loader.Watchdog.
func (Noop) Kick() {}
