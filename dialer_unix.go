//go:build !windows

package sidekit

import (
	"fmt"

	"github.com/prife/gosidekit/wire"
	"golang.org/x/sys/unix"
)

const (
	DefaultMuxNetwork = "unix"
	DefaultMuxAddress = "/var/run/usbmuxd"
)

// checkMuxSocket fails early when the usbmuxd socket is missing or not accessible,
// which usually means usbmuxd isn't installed or the user lacks permission.
func checkMuxSocket(network, address string) error {
	if network != "unix" {
		return nil
	}
	if err := unix.Access(address, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%w: usbmuxd socket %s: %w", wire.ErrServerNotAvailable, address, err)
	}
	return nil
}
