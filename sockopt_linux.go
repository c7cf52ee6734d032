//go:build linux

package esmux

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// tcpUserTimeoutControl bounds how long transmitted data may remain
// unacknowledged, before the kernel closes the connection.
func tcpUserTimeoutControl(d time.Duration) func(network, address string, c syscall.RawConn) error {
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		}); err != nil {
			return err
		}
		return sockErr
	}
}
