// Package cluster runs N gateway workers behind one port. Workers share
// nothing but the listening socket; the bus keeps them consistent.
package cluster

import (
	"context"
	"net"

	"PPGateway/tools/errs"
)

// Listen opens a TCP listener on addr. With reusePort every worker can bind
// the same address and the kernel balances accepts between them.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.WrapMsg(err, "listen", "addr", addr, "reusePort", reusePort)
	}
	return lis, nil
}
