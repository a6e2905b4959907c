//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package network

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several agents on one host bind the trigger port, so each
// of them receives every broadcast.
func reuseControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("failed to set reuse options on %s: %w", address, serr)
	}
	return nil
}

// broadcastControl sets SO_BROADCAST so the socket may send to a broadcast address.
func broadcastControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("failed to enable broadcast on %s: %w", address, serr)
	}
	return nil
}
