//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package cluster

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported reports whether SO_REUSEPORT is available here.
const ReusePortSupported = true

func reusePortControl(_, _ string, c syscall.RawConn) error {
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
	return serr
}
