package bus

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"
	"PPGateway/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// healthEvery bounds how long the receive loop waits before pinging the
// subscription connection.
const healthEvery = 15 * time.Second

// Redis keeps two clients: pub carries PUBLISH and control commands, sub
// carries the single PubSub connection and its receive loop.
type Redis struct {
	cfg Config
	pub *redis.Client
	sub *redis.Client

	handler Handler

	mu      sync.Mutex
	ps      *redis.PubSub
	desired channelSet

	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRedis(cfg Config) *Redis {
	cfg.setDefaults()
	opts := func() *redis.Options {
		return &redis.Options{
			Addr:        cfg.Addr,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.ConnectTimeout,
			MaxRetries:  1,
			Protocol:    2,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		cfg:     cfg,
		pub:     redis.NewClient(opts()),
		sub:     redis.NewClient(opts()),
		desired: channelSet{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Redis) Start(ctx context.Context, h Handler) error {
	r.handler = h
	ps, err := r.connect(ctx)
	if err != nil {
		logger.Warn("bus unreachable, running in standalone mode", zap.String("addr", r.cfg.Addr), zap.Error(err))
	} else {
		logger.Info("bus connected", zap.String("addr", r.cfg.Addr))
	}
	r.wg.Add(1)
	safe.Go("redis-bus", func() {
		defer r.wg.Done()
		r.run(ps)
	})
	return nil
}

func (r *Redis) run(ps *redis.PubSub) {
	bo := newBackoff(r.cfg)
	for {
		if ps != nil {
			err := r.receive(ps)
			r.detach(ps)
			if r.ctx.Err() != nil {
				return
			}
			logger.Warn("bus connection lost", zap.Error(err))
			ps = nil
		}

		wait := bo.NextBackOff()
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(wait):
		}

		var err error
		ps, err = r.connect(r.ctx)
		if err != nil {
			logger.Debug("bus reconnect failed", zap.Duration("retryIn", wait), zap.Error(err))
			continue
		}
		bo.Reset()
		logger.Info("bus reconnected", zap.String("addr", r.cfg.Addr))
	}
}

// connect pings the broker, opens a PubSub, replays the desired channel set
// and waits for every subscribe ack. Only then is the bus marked connected.
func (r *Redis) connect(ctx context.Context) (*redis.PubSub, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	if err := r.pub.Ping(cctx).Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	snapshot := r.desired.list()
	r.mu.Unlock()

	ps := r.sub.Subscribe(cctx)
	if len(snapshot) > 0 {
		if err := ps.Subscribe(cctx, snapshot...); err != nil {
			_ = ps.Close()
			return nil, err
		}
		if err := r.awaitAcks(cctx, ps, len(snapshot)); err != nil {
			_ = ps.Close()
			return nil, err
		}
	}

	// Catch changes recorded while the snapshot was being replayed.
	r.mu.Lock()
	r.ps = ps
	var add, drop []string
	seen := make(map[string]struct{}, len(snapshot))
	for _, ch := range snapshot {
		seen[ch] = struct{}{}
		if _, ok := r.desired[ch]; !ok {
			drop = append(drop, ch)
		}
	}
	for ch := range r.desired {
		if _, ok := seen[ch]; !ok {
			add = append(add, ch)
		}
	}
	r.mu.Unlock()

	if len(add) > 0 {
		if err := ps.Subscribe(cctx, add...); err != nil {
			r.detach(ps)
			return nil, err
		}
	}
	if len(drop) > 0 {
		if err := ps.Unsubscribe(cctx, drop...); err != nil {
			r.detach(ps)
			return nil, err
		}
	}
	r.connected.Store(true)
	return ps, nil
}

func (r *Redis) awaitAcks(ctx context.Context, ps *redis.PubSub, n int) error {
	for n > 0 {
		msg, err := ps.ReceiveTimeout(ctx, r.cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				n--
			}
		case *redis.Message:
			r.handler(m.Channel, []byte(m.Payload))
		}
	}
	return nil
}

func (r *Redis) receive(ps *redis.PubSub) error {
	for {
		msg, err := ps.ReceiveTimeout(r.ctx, healthEvery)
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if perr := ps.Ping(r.ctx); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		if m, ok := msg.(*redis.Message); ok {
			r.handler(m.Channel, []byte(m.Payload))
		}
	}
}

func (r *Redis) detach(ps *redis.PubSub) {
	r.mu.Lock()
	if r.ps == ps {
		r.ps = nil
	}
	r.connected.Store(false)
	r.mu.Unlock()
	_ = ps.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	r.desired[channel] = struct{}{}
	ps := r.ps
	r.mu.Unlock()
	if ps == nil {
		logger.Debug("bus offline, subscribe deferred", zap.String("channel", channel))
		return nil
	}
	if err := ps.Subscribe(ctx, channel); err != nil {
		logger.Warn("bus subscribe failed, will replay on reconnect", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	delete(r.desired, channel)
	ps := r.ps
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, channel); err != nil {
		logger.Warn("bus unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if !r.connected.Load() {
		logger.Debug("bus offline, publish dropped", zap.String("channel", channel))
		return errs.ErrBusNotConnected.WrapMsg("", "channel", channel)
	}
	if err := r.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return errs.ErrBusNotConnected.WrapMsg(err.Error(), "channel", channel)
	}
	return nil
}

// RemoteSubscribers asks the broker how many subscribers channel has across
// every process. It uses the control client, never the delivery connection.
func (r *Redis) RemoteSubscribers(ctx context.Context, channel string) (int64, error) {
	if !r.connected.Load() {
		return 0, errs.ErrBusNotConnected.Wrap()
	}
	res, err := r.pub.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return res[channel], nil
}

func (r *Redis) IsConnected() bool { return r.connected.Load() }

func (r *Redis) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		ps := r.ps
		r.ps = nil
		r.mu.Unlock()
		if ps != nil {
			_ = ps.Close()
		}
		r.wg.Wait()
		r.connected.Store(false)
		_ = r.pub.Close()
		_ = r.sub.Close()
	})
	return nil
}
