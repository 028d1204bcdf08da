package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"PPGateway/tools/errs"

	"github.com/gorilla/websocket"
)

// Conn is a registry entry. Enqueue must never block.
type Conn interface {
	ID() int64
	UserID() string
	IsGuest() bool
	Enqueue(frame []byte) error
	Close(code int, reason string)
}

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Client is one WebSocket session. All writes go through the writer
// goroutine started by Serve; Close and Terminate only signal it.
type Client struct {
	id     int64
	userID string
	token  string
	ws     *websocket.Conn
	send   chan []byte

	alive atomic.Bool
	state atomic.Int32

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{}

	writeWait time.Duration
	sup       Supervisor
	// onTerminate observes heartbeat terminations.
	onTerminate func()
}

func NewClient(id int64, userID, token string, ws *websocket.Conn, queue int, sup Supervisor) *Client {
	if sup.WriteWait <= 0 {
		sup.WriteWait = 10 * time.Second
	}
	c := &Client{
		id:        id,
		userID:    userID,
		token:     token,
		ws:        ws,
		send:      make(chan []byte, queue),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		writeWait: sup.WriteWait,
		sup:       sup,
	}
	c.alive.Store(true)
	c.state.Store(int32(stateConnecting))
	return c
}

func (c *Client) ID() int64      { return c.id }
func (c *Client) UserID() string { return c.userID }
func (c *Client) IsGuest() bool  { return c.userID == "" }
func (c *Client) Token() string  { return c.token }

func (c *Client) Enqueue(frame []byte) error {
	if connState(c.state.Load()) >= stateClosing {
		return errs.ErrConnClosed.Wrap()
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errs.ErrSendQueueFull.WrapMsg("", "conn", c.id)
	}
}

// Close asks the writer to send a close frame with code and reason and drop
// the socket. Code 0 drops the socket without a close frame.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		c.state.Store(int32(stateClosing))
		close(c.closing)
	})
}

// Reject closes a connection that never reached the writer loop.
func (c *Client) Reject(code int, reason string) {
	c.Close(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeWait))
	_ = c.ws.Close()
	c.state.Store(int32(stateClosed))
	close(c.done)
}

func (c *Client) Alive() bool  { return c.alive.Load() }
func (c *Client) MarkProbing() { c.alive.Store(false) }

func (c *Client) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Terminate drops the socket without a close handshake.
func (c *Client) Terminate() {
	if c.onTerminate != nil {
		c.onTerminate()
	}
	c.Close(0, "")
	_ = c.ws.Close()
}

// writePump is the only writer of data frames. It owns the heartbeat ticker.
func (c *Client) writePump() {
	c.state.Store(int32(stateOpen))
	var tick <-chan time.Time
	if c.sup.Interval > 0 {
		t := time.NewTicker(c.sup.Interval)
		defer t.Stop()
		tick = t.C
	}
	defer func() {
		_ = c.ws.Close()
		c.state.Store(int32(stateClosed))
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-tick:
			if !c.sup.Tick(c) {
				return
			}
		case <-c.closing:
			if c.closeCode != 0 {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(c.writeWait))
			}
			return
		}
	}
}

// Done is closed once the socket is gone.
func (c *Client) Done() <-chan struct{} { return c.done }
