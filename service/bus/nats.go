package bus

import (
	"context"
	"sync"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS mirrors the Redis driver on a NATS server: pub carries publishes,
// sub carries every subscription, all bound to one message handler. The
// nats client replays subscriptions on reconnect before flushing.
type NATS struct {
	cfg Config
	pub *nats.Conn
	sub *nats.Conn

	handler Handler

	mu sync.Mutex
	// subs holds every desired channel; nil until the broker subscription exists.
	subs map[string]*nats.Subscription
}

func NewNATS(cfg Config) *NATS {
	cfg.setDefaults()
	return &NATS{cfg: cfg, subs: map[string]*nats.Subscription{}}
}

func (n *NATS) options(role string) []nats.Option {
	bo := &lockedBackoff{b: newBackoff(n.cfg)}
	opts := []nats.Option{
		nats.Name(n.cfg.Name + "-" + role),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(int) time.Duration { return bo.Next() }),
		nats.ConnectHandler(func(*nats.Conn) {
			bo.Reset()
			logger.Info("bus connected", zap.String("role", role), zap.String("url", n.cfg.NatsURL))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus connection lost", zap.String("role", role), zap.Error(err))
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			bo.Reset()
			logger.Info("bus reconnected", zap.String("role", role))
		}),
	}
	if n.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(n.cfg.Username, n.cfg.Password))
	}
	return opts
}

func (n *NATS) Start(_ context.Context, h Handler) error {
	n.handler = h
	pub, err := nats.Connect(n.cfg.NatsURL, n.options("pub")...)
	if err != nil {
		return errs.WrapMsg(err, "nats connect", "url", n.cfg.NatsURL)
	}
	sub, err := nats.Connect(n.cfg.NatsURL, n.options("sub")...)
	if err != nil {
		pub.Close()
		return errs.WrapMsg(err, "nats connect", "url", n.cfg.NatsURL)
	}

	n.mu.Lock()
	n.pub, n.sub = pub, sub
	for ch, s := range n.subs {
		if s == nil {
			n.subs[ch] = n.subscribeLocked(ch)
		}
	}
	n.mu.Unlock()

	if !n.IsConnected() {
		logger.Warn("bus unreachable, running in standalone mode", zap.String("url", n.cfg.NatsURL))
	}
	return nil
}

func (n *NATS) onMsg(m *nats.Msg) {
	n.handler(m.Subject, m.Data)
}

func (n *NATS) Subscribe(_ context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s := n.subs[channel]; s != nil {
		return nil
	}
	n.subs[channel] = nil
	if n.sub != nil {
		n.subs[channel] = n.subscribeLocked(channel)
	}
	return nil
}

func (n *NATS) subscribeLocked(channel string) *nats.Subscription {
	s, err := n.sub.Subscribe(channel, n.onMsg)
	if err != nil {
		logger.Warn("bus subscribe failed", zap.String("channel", channel), zap.Error(err))
		return nil
	}
	_ = s.SetPendingLimits(1_000_000, 64*1024*1024)
	return s
}

func (n *NATS) Unsubscribe(_ context.Context, channel string) error {
	n.mu.Lock()
	s, ok := n.subs[channel]
	delete(n.subs, channel)
	n.mu.Unlock()
	if !ok || s == nil {
		return nil
	}
	if err := s.Unsubscribe(); err != nil {
		logger.Warn("bus unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	pub := n.pub
	n.mu.Unlock()
	if pub == nil || !pub.IsConnected() {
		return errs.ErrBusNotConnected.WrapMsg("", "channel", channel)
	}
	if err := pub.Publish(channel, payload); err != nil {
		return errs.ErrBusNotConnected.WrapMsg(err.Error(), "channel", channel)
	}
	return nil
}

func (n *NATS) IsConnected() bool {
	n.mu.Lock()
	pub, sub := n.pub, n.sub
	n.mu.Unlock()
	return pub != nil && sub != nil && pub.IsConnected() && sub.IsConnected()
}

func (n *NATS) Close() error {
	n.mu.Lock()
	n.subs = map[string]*nats.Subscription{}
	pub, sub := n.pub, n.sub
	n.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	if pub != nil {
		pub.Close()
	}
	return nil
}
