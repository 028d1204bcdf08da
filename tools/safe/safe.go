package safe

import (
	"PPGateway/logger"
	"PPGateway/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers from panic, so one misbehaving
// connection or callback cannot take the worker down.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover is meant to be deferred. It logs the panic with its stack.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered", zap.String("where", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}

// Call runs f and turns a panic into an error.
func Call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return f()
}
