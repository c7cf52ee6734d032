//go:build !linux

package esmux

import (
	"syscall"
	"time"
)

// tcpUserTimeoutControl is a no-op, as TCP_USER_TIMEOUT is Linux specific.
func tcpUserTimeoutControl(time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
