package bus

import (
	"context"

	"PPGateway/tools/errs"
)

// Disabled is the bus used when BUS_ENABLED=false. Push delivery is off;
// everything else in the gateway keeps working.
type Disabled struct{}

func (Disabled) Start(context.Context, Handler) error          { return nil }
func (Disabled) Subscribe(context.Context, string) error       { return nil }
func (Disabled) Unsubscribe(context.Context, string) error     { return nil }
func (Disabled) IsConnected() bool                             { return false }
func (Disabled) Close() error                                  { return nil }
func (Disabled) Publish(context.Context, string, []byte) error { return errs.ErrBusNotConnected.Wrap() }
