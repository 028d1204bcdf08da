package chat

import (
	"sync"
	"testing"
	"time"

	"PPGateway/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id   int64
	user string
	fail error

	mu          sync.Mutex
	frames      [][]byte
	closeCode   int
	closeReason string
}

func (c *fakeConn) ID() int64      { return c.id }
func (c *fakeConn) UserID() string { return c.user }
func (c *fakeConn) IsGuest() bool  { return c.user == "" }

func (c *fakeConn) Enqueue(frame []byte) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode, c.closeReason = code, reason
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

var testChannels = Channels{Public: "public:charger_updates", UserSuffixes: []string{"notifications", "session_updates"}}

func TestChannelsForUser(t *testing.T) {
	assert.Equal(t, []string{"user:42:notifications", "user:42:session_updates"}, testChannels.ForUser("42"))
}

func TestRegistryUserInterestLifecycle(t *testing.T) {
	mem := newMemoryBus(t)
	reg := NewRegistry(NewMultiplexer(mem, time.Second), testChannels, 0)

	a := &fakeConn{id: 1, user: "42"}
	b := &fakeConn{id: 2, user: "42"}
	require.NoError(t, reg.Admit(a))
	require.NoError(t, reg.Admit(b))

	assert.Equal(t, 1, mem.SubscribeCalls("user:42:notifications"))
	assert.Equal(t, 1, mem.SubscribeCalls("user:42:session_updates"))
	assert.Equal(t, 1, mem.SubscribeCalls("public:charger_updates"))

	assert.True(t, reg.Remove(a))
	assert.False(t, reg.Remove(a))
	assert.True(t, mem.Subscribed("user:42:notifications"))

	assert.True(t, reg.Remove(b))
	assert.False(t, mem.Subscribed("user:42:notifications"))
	assert.False(t, mem.Subscribed("user:42:session_updates"))
	assert.False(t, mem.Subscribed("public:charger_updates"))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryGuestsShareThePublicInterest(t *testing.T) {
	mem := newMemoryBus(t)
	mux := NewMultiplexer(mem, time.Second)
	reg := NewRegistry(mux, testChannels, 0)

	g1 := &fakeConn{id: 1}
	g2 := &fakeConn{id: 2}
	u := &fakeConn{id: 3, user: "7"}
	require.NoError(t, reg.Admit(g1))
	require.NoError(t, reg.Admit(g2))
	require.NoError(t, reg.Admit(u))
	assert.Equal(t, 1, mem.SubscribeCalls("public:charger_updates"))
	assert.Equal(t, 1, mux.Interests("public:charger_updates"))

	assert.Equal(t, 1, mux.Dispatch("public:charger_updates", []byte(`{"type":"charger_update"}`)))
	assert.Equal(t, 1, g1.received())
	assert.Equal(t, 1, g2.received())
	assert.Equal(t, 1, u.received())

	mux.Dispatch("user:7:notifications", []byte(`{"type":"notification"}`))
	assert.Equal(t, 1, g1.received())
	assert.Equal(t, 2, u.received())

	reg.Remove(g1)
	reg.Remove(u)
	assert.True(t, mem.Subscribed("public:charger_updates"))
	reg.Remove(g2)
	assert.False(t, mem.Subscribed("public:charger_updates"))
}

func TestRegistryCapacity(t *testing.T) {
	reg := NewRegistry(NewMultiplexer(newMemoryBus(t), time.Second), testChannels, 2)

	require.NoError(t, reg.Admit(&fakeConn{id: 1}))
	require.NoError(t, reg.Admit(&fakeConn{id: 2, user: "1"}))
	assert.ErrorIs(t, reg.Admit(&fakeConn{id: 3}), errs.ErrServerAtCapacity)
	assert.Equal(t, 2, reg.Count())

	assert.Error(t, reg.Admit(&fakeConn{id: 1}))
}

func TestRegistryEvictsFailedSends(t *testing.T) {
	mem := newMemoryBus(t)
	reg := NewRegistry(NewMultiplexer(mem, time.Second), testChannels, 0)

	var evicted []int64
	reg.OnEvict = func(c Conn, _ error) { evicted = append(evicted, c.ID()) }
	var active int
	reg.OnChange = func(n int) { active = n }

	ok := &fakeConn{id: 1, user: "42"}
	slow := &fakeConn{id: 2, user: "42", fail: errs.ErrSendQueueFull.Wrap()}
	require.NoError(t, reg.Admit(ok))
	require.NoError(t, reg.Admit(slow))

	assert.Equal(t, 1, reg.SendToUser("42", []byte(`{}`)))
	assert.Equal(t, []int64{2}, evicted)
	assert.Equal(t, errs.CloseInternalError, slow.closeCode)
	assert.Equal(t, "send queue full", slow.closeReason)
	assert.Equal(t, 1, active)
	assert.True(t, mem.Subscribed("user:42:notifications"))

	assert.Equal(t, 1, reg.SendToAll([]byte(`{}`)))
	assert.Equal(t, 0, reg.SendToUser("nobody", []byte(`{}`)))
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(NewMultiplexer(newMemoryBus(t), time.Second), testChannels, 0)
	for i, user := range []string{"", "", "42", "42", "7"} {
		require.NoError(t, reg.Admit(&fakeConn{id: int64(i + 1), user: user}))
	}
	reg.Remove(&fakeConn{id: 5, user: "7"})

	st := reg.Stats()
	assert.Equal(t, 4, st.Active)
	assert.Equal(t, uint64(5), st.TotalConnections)
	assert.Equal(t, 1, st.UniqueUsers)
	assert.Equal(t, 2, st.Guests)
	assert.Equal(t, map[string]int{"42": 2}, st.ByUser)

	n := 0
	reg.Each(func(Conn) { n++ })
	assert.Equal(t, 4, n)
}
