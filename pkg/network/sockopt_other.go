//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package network

import "syscall"

// The Go runtime already enables SO_BROADCAST on datagram sockets; port
// sharing is unavailable on these platforms, one agent per host.
func reuseControl(network, address string, c syscall.RawConn) error { return nil }

func broadcastControl(network, address string, c syscall.RawConn) error { return nil }
