package chat

import (
	"context"
	"sort"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"

	"go.uber.org/zap"
)

// Upstream is the part of the bus the multiplexer drives.
type Upstream interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// State of one channel's upstream subscription. Active means the bus has
// recorded the channel in its desired set, not that the upstream link is
// live: while the bus is offline it replays the set once it reconnects.
type State int

const (
	Uninterested State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return "uninterested"
	}
}

// Callback receives the already-built push frame for a channel message.
type Callback func(frame []byte)

// Interest is the handle returned by AddInterest; pass it back to RemoveInterest.
type Interest struct {
	id      uint64
	channel string
	cb      Callback
	removed bool
}

func (i *Interest) Channel() string { return i.channel }

type channelReg struct {
	interests []*Interest
	state     State
}

type ChannelInfo struct {
	Channel   string `json:"channel"`
	Interests int    `json:"interests"`
	Upstream  string `json:"upstream"`
}

// Multiplexer keeps exactly one upstream subscription per channel with at
// least one local interest. Not safe for concurrent use: the Hub owns it.
type Multiplexer struct {
	up      Upstream
	timeout time.Duration
	chans   map[string]*channelReg
	nextID  uint64

	// OnDispatch, when set, observes every dispatched message and how many
	// callbacks it reached.
	OnDispatch func(channel string, delivered int)
}

func NewMultiplexer(up Upstream, timeout time.Duration) *Multiplexer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Multiplexer{up: up, timeout: timeout, chans: map[string]*channelReg{}}
}

func (m *Multiplexer) AddInterest(channel string, cb Callback) *Interest {
	m.nextID++
	in := &Interest{id: m.nextID, channel: channel, cb: cb}

	reg := m.chans[channel]
	if reg == nil {
		reg = &channelReg{state: Uninterested}
		m.chans[channel] = reg
	}
	reg.interests = append(reg.interests, in)

	if reg.state != Active {
		reg.state = Subscribing
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.up.Subscribe(ctx, channel)
		cancel()
		if err != nil {
			// Left in Subscribing; the next AddInterest retries.
			logger.Warn("[Mux] upstream subscribe failed", zap.String("channel", channel), zap.Error(err))
		} else {
			reg.state = Active
		}
	}
	return in
}

// RemoveInterest is idempotent and safe to call from inside a Callback.
func (m *Multiplexer) RemoveInterest(in *Interest) {
	if in == nil || in.removed {
		return
	}
	in.removed = true
	reg := m.chans[in.channel]
	if reg == nil {
		return
	}
	kept := reg.interests[:0:0]
	for _, x := range reg.interests {
		if x != in {
			kept = append(kept, x)
		}
	}
	reg.interests = kept
	if len(kept) > 0 {
		return
	}

	delete(m.chans, in.channel)
	if reg.state == Uninterested {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.up.Unsubscribe(ctx, in.channel); err != nil {
		logger.Warn("[Mux] upstream unsubscribe failed", zap.String("channel", in.channel), zap.Error(err))
	}
}

// Dispatch builds the push frame once and hands it to every interest
// registered on channel, in registration order. A panicking callback is
// logged and skipped.
func (m *Multiplexer) Dispatch(channel string, payload []byte) int {
	reg := m.chans[channel]
	if reg == nil || len(reg.interests) == 0 {
		if m.OnDispatch != nil {
			m.OnDispatch(channel, 0)
		}
		return 0
	}
	frame := PushFrame(payload)
	snapshot := append([]*Interest(nil), reg.interests...)

	n := 0
	for _, in := range snapshot {
		if in.removed {
			continue
		}
		if m.invoke(in, frame) {
			n++
		}
	}
	if m.OnDispatch != nil {
		m.OnDispatch(channel, n)
	}
	return n
}

func (m *Multiplexer) invoke(in *Interest, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Mux] callback panic", zap.String("channel", in.channel), zap.Error(errs.ErrPanic(r)))
			ok = false
		}
	}()
	in.cb(frame)
	return true
}

func (m *Multiplexer) Upstream(channel string) State {
	if reg := m.chans[channel]; reg != nil {
		return reg.state
	}
	return Uninterested
}

func (m *Multiplexer) Interests(channel string) int {
	if reg := m.chans[channel]; reg != nil {
		return len(reg.interests)
	}
	return 0
}

// Channels lists every channel with local interest, sorted by name.
func (m *Multiplexer) Channels() []ChannelInfo {
	out := make([]ChannelInfo, 0, len(m.chans))
	for ch, reg := range m.chans {
		out = append(out, ChannelInfo{Channel: ch, Interests: len(reg.interests), Upstream: reg.state.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
