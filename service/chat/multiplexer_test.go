package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPGateway/service/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryBus(t *testing.T) *bus.Memory {
	t.Helper()
	m := bus.NewMemory()
	require.NoError(t, m.Start(context.Background(), func(string, []byte) {}))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMultiplexerOneUpstreamPerChannel(t *testing.T) {
	mem := newMemoryBus(t)
	mux := NewMultiplexer(mem, time.Second)

	a := mux.AddInterest("user:42:notifications", func([]byte) {})
	b := mux.AddInterest("user:42:notifications", func([]byte) {})
	assert.Equal(t, 1, mem.SubscribeCalls("user:42:notifications"))
	assert.Equal(t, 2, mux.Interests("user:42:notifications"))
	assert.Equal(t, Active, mux.Upstream("user:42:notifications"))

	mux.RemoveInterest(a)
	assert.Equal(t, 0, mem.UnsubscribeCalls("user:42:notifications"))
	assert.True(t, mem.Subscribed("user:42:notifications"))

	mux.RemoveInterest(b)
	mux.RemoveInterest(b)
	assert.Equal(t, 1, mem.UnsubscribeCalls("user:42:notifications"))
	assert.Equal(t, Uninterested, mux.Upstream("user:42:notifications"))
	assert.Empty(t, mux.Channels())

	mux.AddInterest("user:42:notifications", func([]byte) {})
	assert.Equal(t, 2, mem.SubscribeCalls("user:42:notifications"))
}

func TestDispatchSnapshotsInterests(t *testing.T) {
	mux := NewMultiplexer(newMemoryBus(t), time.Second)

	var order []string
	var second *Interest
	mux.AddInterest("c", func([]byte) {
		order = append(order, "first")
		mux.RemoveInterest(second)
		mux.AddInterest("c", func([]byte) { order = append(order, "late") })
	})
	second = mux.AddInterest("c", func([]byte) { order = append(order, "second") })
	mux.AddInterest("c", func([]byte) { order = append(order, "third") })

	n := mux.Dispatch("c", []byte(`{"type":"x"}`))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestDispatchIsolatesPanics(t *testing.T) {
	mux := NewMultiplexer(newMemoryBus(t), time.Second)

	var got []byte
	mux.AddInterest("c", func([]byte) { panic("bad callback") })
	mux.AddInterest("c", func(frame []byte) { got = frame })

	var observed int
	mux.OnDispatch = func(_ string, delivered int) { observed = delivered }

	assert.Equal(t, 1, mux.Dispatch("c", []byte(`{"type":"x"}`)))
	assert.Equal(t, 1, observed)
	assert.Contains(t, string(got), `"timestamp"`)

	assert.Equal(t, 0, mux.Dispatch("nobody", []byte(`{}`)))
	assert.Equal(t, 0, observed)
}

type flakyUpstream struct {
	fail  bool
	calls int
}

func (f *flakyUpstream) Subscribe(context.Context, string) error {
	f.calls++
	if f.fail {
		return errors.New("broker down")
	}
	return nil
}

func (f *flakyUpstream) Unsubscribe(context.Context, string) error { return nil }

func TestFailedSubscribeRetriedOnNextInterest(t *testing.T) {
	up := &flakyUpstream{fail: true}
	mux := NewMultiplexer(up, time.Second)

	mux.AddInterest("c", func([]byte) {})
	assert.Equal(t, Subscribing, mux.Upstream("c"))

	up.fail = false
	mux.AddInterest("c", func([]byte) {})
	assert.Equal(t, Active, mux.Upstream("c"))
	assert.Equal(t, 2, up.calls)

	mux.AddInterest("c", func([]byte) {})
	assert.Equal(t, 2, up.calls)

	infos := mux.Channels()
	require.Len(t, infos, 1)
	assert.Equal(t, ChannelInfo{Channel: "c", Interests: 3, Upstream: "active"}, infos[0])
}

func TestActiveWhileBusOfflineIsReplayed(t *testing.T) {
	mem := newMemoryBus(t)
	mem.SetConnected(false)
	mux := NewMultiplexer(mem, time.Second)

	mux.AddInterest("user:42:notifications", func([]byte) {})
	assert.Equal(t, Active, mux.Upstream("user:42:notifications"))
	assert.False(t, mem.Subscribed("user:42:notifications"))

	mem.SetConnected(true)
	assert.True(t, mem.Subscribed("user:42:notifications"))
	assert.Equal(t, 1, mem.SubscribeCalls("user:42:notifications"))
}
