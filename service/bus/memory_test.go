package bus

import (
	"context"
	"testing"
	"time"

	"PPGateway/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCountsUpstreamCalls(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), rec.handle))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "a"))
	require.NoError(t, m.Publish(ctx, "a", []byte("1")))
	require.NoError(t, m.Publish(ctx, "b", []byte("ignored")))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unsubscribe(ctx, "a"))
	assert.Equal(t, 1, m.SubscribeCalls("a"))
	assert.Equal(t, 1, m.UnsubscribeCalls("a"))
	assert.False(t, m.Subscribed("a"))
}

func TestMemoryOutageReplaysDesired(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), rec.handle))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "a"))
	m.SetConnected(false)
	assert.False(t, m.IsConnected())
	assert.ErrorIs(t, m.Publish(ctx, "a", []byte("x")), errs.ErrBusNotConnected)

	require.NoError(t, m.Subscribe(ctx, "b"))
	assert.Equal(t, 0, m.SubscribeCalls("b"))

	m.SetConnected(true)
	assert.True(t, m.Subscribed("a"))
	assert.True(t, m.Subscribed("b"))
	assert.Equal(t, 2, m.SubscribeCalls("a"))
	assert.Equal(t, 1, m.SubscribeCalls("b"))

	require.NoError(t, m.Publish(ctx, "b", []byte("y")))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b|y", rec.all()[0])
}

func TestDisabled(t *testing.T) {
	var b Bus = Disabled{}
	ctx := context.Background()
	assert.NoError(t, b.Start(ctx, nil))
	assert.NoError(t, b.Subscribe(ctx, "a"))
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(ctx, "a", nil), errs.ErrBusNotConnected)
}

func TestMemorySubscribeBeforeStart(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "early"))
	assert.False(t, m.Subscribed("early"))

	rec := &recorder{}
	require.NoError(t, m.Start(ctx, rec.handle))
	assert.True(t, m.Subscribed("early"))
	assert.Equal(t, 1, m.SubscribeCalls("early"))
}
