package chat

import (
	"context"
	"encoding/json"
	"time"

	"PPGateway/logger"
	"PPGateway/service/backend"
	"PPGateway/tools/errs"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// ActionBackend is the backend endpoint commands are forwarded to.
type ActionBackend interface {
	Forward(ctx context.Context, token string, req backend.ActionRequest) (json.RawMessage, error)
}

// Forwarder relays client commands to the backend on a bounded pool so a
// slow backend cannot pile up goroutines.
type Forwarder struct {
	backend ActionBackend
	pool    *ants.Pool
	timeout time.Duration

	// OnResult, when set, observes every forward outcome.
	OnResult func(action string, err error, took time.Duration)
}

func NewForwarder(b ActionBackend, size int, timeout time.Duration) (*Forwarder, error) {
	if size <= 0 {
		size = 1024
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true), ants.WithPanicHandler(func(r any) {
		logger.Error("[Forwarder] task panic", zap.Error(errs.ErrPanic(r)))
	}))
	if err != nil {
		return nil, errs.WrapMsg(err, "forward pool")
	}
	return &Forwarder{backend: b, pool: pool, timeout: timeout}, nil
}

// Forward posts one command and returns the response frame for it. Backend
// failures become success:false frames, never errors.
func (f *Forwarder) Forward(ctx context.Context, userID, token, action string, data json.RawMessage) []byte {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := f.backend.Forward(ctx, token, backend.ActionRequest{Action: action, Data: data, UserID: userID})
	if f.OnResult != nil {
		f.OnResult(action, err, time.Since(start))
	}
	if err != nil {
		logger.Warn("[Forwarder] forward failed", zap.String("action", action), zap.String("user", userID), zap.Error(err))
		return FailureFrame(action, err)
	}
	return ResponseFrame(action, resp)
}

// Submit forwards in on the pool and enqueues the response on c. A saturated
// pool answers immediately with a busy frame.
func (f *Forwarder) Submit(c *Client, in Inbound) {
	err := f.pool.Submit(func() {
		frame := f.Forward(context.Background(), c.UserID(), c.Token(), in.Action, in.Data)
		if err := c.Enqueue(frame); err != nil {
			logger.Debug("[Forwarder] response dropped", zap.Int64("conn", c.ID()), zap.Error(err))
		}
	})
	if err != nil {
		if f.OnResult != nil {
			f.OnResult(in.Action, errs.ErrForwarderBusy, 0)
		}
		_ = c.Enqueue(FailureFrame(in.Action, errs.ErrForwarderBusy.WrapMsg(err.Error())))
	}
}

func (f *Forwarder) Running() int { return f.pool.Running() }

// Release waits up to timeout for in-flight forwards, then frees the pool.
func (f *Forwarder) Release(timeout time.Duration) {
	if err := f.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("[Forwarder] release timed out", zap.Error(err))
	}
}
