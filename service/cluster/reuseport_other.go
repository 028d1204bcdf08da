//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package cluster

import "syscall"

const ReusePortSupported = false

// Without SO_REUSEPORT only one worker can bind; the rest fail fast and the
// coordinator keeps respawning them.
func reusePortControl(_, _ string, _ syscall.RawConn) error { return nil }
