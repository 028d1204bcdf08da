package chat

import (
	"sync"
	"sync/atomic"

	"PPGateway/logger"
	"PPGateway/tools/errs"

	"go.uber.org/zap"
)

// Hub is the single writer for connection and subscription state. Every
// mutation of Registry and Multiplexer runs as an op on the hub goroutine,
// in the order it was posted.
type Hub struct {
	ops     chan func()
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
}

func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = 4096
	}
	return &Hub{
		ops:  make(chan func(), queue),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run drains ops until Stop. Ops still queued at Stop are dropped.
func (h *Hub) Run() {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()
	for {
		select {
		case op := <-h.ops:
			h.exec(op)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) exec(op func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Hub] op panic", zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
		}
	}()
	op()
}

func (h *Hub) Running() bool { return h.running.Load() }

// Post enqueues op without waiting for it. Returns false once the hub is stopping.
func (h *Hub) Post(op func()) bool {
	select {
	case <-h.stop:
		return false
	default:
	}
	select {
	case h.ops <- op:
		return true
	case <-h.stop:
		return false
	}
}

// Call runs op on the hub and waits for it to finish. A panic in op is
// recovered on the hub and returned as the error.
func (h *Hub) Call(op func()) error {
	if !h.Running() {
		return errs.ErrServiceNotReady.Wrap()
	}
	var opErr error
	fin := make(chan struct{})
	if !h.Post(func() {
		defer close(fin)
		defer func() {
			if r := recover(); r != nil {
				opErr = errs.ErrPanic(r)
				logger.Error("[Hub] call panic", zap.Error(opErr), zap.Stack("stack"))
			}
		}()
		op()
	}) {
		return errs.ErrServiceNotReady.Wrap()
	}
	select {
	case <-fin:
		return opErr
	case <-h.done:
		return errs.ErrServiceNotReady.Wrap()
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }
