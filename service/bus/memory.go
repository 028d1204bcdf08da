package bus

import (
	"context"
	"sync"

	"PPGateway/tools/errs"
	"PPGateway/tools/safe"
)

type memMessage struct {
	channel string
	payload []byte
}

// Memory is an in-process broker for single-process runs and tests. It
// records how many upstream subscribe and unsubscribe calls each channel saw.
type Memory struct {
	mu          sync.Mutex
	desired     channelSet
	active      channelSet
	subCalls    map[string]int
	unsubCalls  map[string]int
	connected   bool
	handler     Handler
	queue       chan memMessage
	done        chan struct{}
	closeOnce   sync.Once
	deliverDone chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		desired:     channelSet{},
		active:      channelSet{},
		subCalls:    map[string]int{},
		unsubCalls:  map[string]int{},
		queue:       make(chan memMessage, 1024),
		done:        make(chan struct{}),
		deliverDone: make(chan struct{}),
	}
}

func (m *Memory) Start(_ context.Context, h Handler) error {
	m.mu.Lock()
	m.handler = h
	m.connected = true
	for ch := range m.desired {
		m.active[ch] = struct{}{}
		m.subCalls[ch]++
	}
	m.mu.Unlock()
	safe.Go("memory-bus", m.deliver)
	return nil
}

func (m *Memory) deliver() {
	defer close(m.deliverDone)
	for {
		select {
		case msg := <-m.queue:
			m.mu.Lock()
			h, ok := m.handler, m.connected
			if _, sub := m.active[msg.channel]; !sub {
				ok = false
			}
			m.mu.Unlock()
			if ok && h != nil {
				h(msg.channel, msg.payload)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Memory) Subscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desired[channel] = struct{}{}
	if m.connected {
		m.active[channel] = struct{}{}
		m.subCalls[channel]++
	}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.desired, channel)
	if _, ok := m.active[channel]; ok && m.connected {
		delete(m.active, channel)
		m.unsubCalls[channel]++
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return errs.ErrBusNotConnected.WrapMsg("", "channel", channel)
	}
	select {
	case m.queue <- memMessage{channel: channel, payload: append([]byte(nil), payload...)}:
		return nil
	case <-m.done:
		return errs.ErrBusNotConnected.WrapMsg("closed", "channel", channel)
	}
}

// SetConnected simulates a broker outage. Going back online replays every
// desired channel, like a real reconnect.
func (m *Memory) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if up == m.connected {
		return
	}
	m.connected = up
	if !up {
		m.active = channelSet{}
		return
	}
	for ch := range m.desired {
		m.active[ch] = struct{}{}
		m.subCalls[ch]++
	}
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribed reports whether channel currently holds an upstream subscription.
func (m *Memory) Subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[channel]
	return ok
}

func (m *Memory) SubscribeCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subCalls[channel]
}

func (m *Memory) UnsubscribeCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubCalls[channel]
}

// RemoteSubscribers is 1 for an active channel: the memory broker only ever
// has this process as a subscriber.
func (m *Memory) RemoteSubscribers(_ context.Context, channel string) (int64, error) {
	if m.Subscribed(channel) {
		return 1, nil
	}
	return 0, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.connected = false
		started := m.handler != nil
		m.mu.Unlock()
		close(m.done)
		if started {
			<-m.deliverDone
		}
	})
	return nil
}
