// Package bus is the gateway's connection to the shared publish/subscribe
// broker. Every driver keeps one inbound delivery path feeding a single
// Handler and degrades to no-ops while the broker is unreachable.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverMemory = "memory"
)

// Handler receives every inbound message. It is called from exactly one
// goroutine per Bus, in broker delivery order.
type Handler func(channel string, payload []byte)

type Bus interface {
	// Start connects within Config.ConnectTimeout. A failed connect is not an
	// error: the bus keeps retrying in the background.
	Start(ctx context.Context, h Handler) error
	// Subscribe and Unsubscribe always record the desired channel set; the
	// broker call is skipped while disconnected and replayed on reconnect.
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	IsConnected() bool
	Close() error
}

// Inspector is implemented by drivers that can answer control-plane
// questions without touching the delivery connection.
type Inspector interface {
	RemoteSubscribers(ctx context.Context, channel string) (int64, error)
}

type Config struct {
	Enabled        bool
	Driver         string
	Addr           string
	Username       string
	Password       string
	DB             int
	NatsURL        string
	Name           string
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	if c.Name == "" {
		c.Name = "ppgateway"
	}
}

// New picks the driver named by cfg. A disabled bus is never connected.
func New(cfg Config) Bus {
	cfg.setDefaults()
	if !cfg.Enabled {
		return Disabled{}
	}
	switch cfg.Driver {
	case DriverNATS:
		return NewNATS(cfg)
	case DriverMemory:
		return NewMemory()
	default:
		return NewRedis(cfg)
	}
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectMin
	b.MaxInterval = cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// lockedBackoff is shared between a driver's reconnect callback and its
// connection-state handlers.
type lockedBackoff struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func (l *lockedBackoff) Next() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.NextBackOff()
}

func (l *lockedBackoff) Reset() {
	l.mu.Lock()
	l.b.Reset()
	l.mu.Unlock()
}

// channelSet is the desired subscription set every driver replays after a
// reconnect.
type channelSet map[string]struct{}

func (s channelSet) list() []string {
	out := make([]string, 0, len(s))
	for ch := range s {
		out = append(out, ch)
	}
	return out
}
