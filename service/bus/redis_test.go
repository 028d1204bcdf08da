package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"PPGateway/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(channel string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, channel+"|"+string(payload))
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func testConfig(addr string) Config {
	return Config{
		Enabled:        true,
		Driver:         DriverRedis,
		Addr:           addr,
		ConnectTimeout: 300 * time.Millisecond,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
	}
}

func TestRedisDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedis(testConfig(mr.Addr()))
	rec := &recorder{}
	require.NoError(t, b.Start(context.Background(), rec.handle))
	defer b.Close()
	require.True(t, b.IsConnected())

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "user:42:notifications"))
	require.Eventually(t, func() bool {
		n, err := b.RemoteSubscribers(ctx, "user:42:notifications")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(ctx, "user:42:notifications", []byte(`{"type":"x"}`)))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `user:42:notifications|{"type":"x"}`, rec.all()[0])

	require.NoError(t, b.Unsubscribe(ctx, "user:42:notifications"))
	require.Eventually(t, func() bool {
		n, err := b.RemoteSubscribers(ctx, "user:42:notifications")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisUnreachableIsNoop(t *testing.T) {
	b := NewRedis(testConfig("127.0.0.1:1"))
	require.NoError(t, b.Start(context.Background(), func(string, []byte) {}))
	defer b.Close()

	assert.False(t, b.IsConnected())
	assert.NoError(t, b.Subscribe(context.Background(), "public:charger_updates"))
	assert.NoError(t, b.Unsubscribe(context.Background(), "public:charger_updates"))
	err := b.Publish(context.Background(), "public:charger_updates", []byte(`{}`))
	assert.ErrorIs(t, err, errs.ErrBusNotConnected)
}

func TestRedisResubscribesAfterReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedis(testConfig(mr.Addr()))
	rec := &recorder{}
	require.NoError(t, b.Start(context.Background(), rec.handle))
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "public:charger_updates"))

	mr.Close()
	require.Eventually(t, func() bool { return !b.IsConnected() }, 3*time.Second, 10*time.Millisecond)

	// Recorded while down, replayed on reconnect.
	require.NoError(t, b.Subscribe(ctx, "user:7:session_updates"))
	require.NoError(t, mr.Restart())
	require.Eventually(t, b.IsConnected, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("public:charger_updates")["public:charger_updates"] == 1 &&
			mr.PubSubNumSub("user:7:session_updates")["user:7:session_updates"] == 1
	}, 3*time.Second, 10*time.Millisecond)

	mr.Publish("user:7:session_updates", "hello")
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "user:7:session_updates|hello", rec.all()[0])
}

func TestNewPicksDriver(t *testing.T) {
	assert.IsType(t, Disabled{}, New(Config{Enabled: false, Driver: DriverRedis}))
	assert.IsType(t, &Memory{}, New(Config{Enabled: true, Driver: DriverMemory}))
	assert.IsType(t, &NATS{}, New(Config{Enabled: true, Driver: DriverNATS}))
	assert.IsType(t, &Redis{}, New(Config{Enabled: true, Driver: DriverRedis}))
}
