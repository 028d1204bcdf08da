package chat

import (
	"PPGateway/logger"
	"PPGateway/tools/errs"

	"go.uber.org/zap"
)

// Channels names the bus channels the registry takes interest in.
type Channels struct {
	Public string
	// UserSuffixes become user:<id>:<suffix>.
	UserSuffixes []string
}

func (c Channels) ForUser(userID string) []string {
	out := make([]string, 0, len(c.UserSuffixes))
	for _, s := range c.UserSuffixes {
		out = append(out, "user:"+userID+":"+s)
	}
	return out
}

type Stats struct {
	Active           int            `json:"active"`
	TotalConnections uint64         `json:"totalConnections"`
	UniqueUsers      int            `json:"uniqueUsers"`
	Guests           int            `json:"guests"`
	ByUser           map[string]int `json:"byUser"`
}

// Registry is the source of truth for live connections. Owned by the Hub.
type Registry struct {
	mux      *Multiplexer
	channels Channels
	max      int

	all       map[int64]Conn
	guests    map[int64]Conn
	users     map[string]map[int64]Conn
	interests map[string][]*Interest
	public    *Interest
	total     uint64

	// OnEvict, when set, observes connections dropped after a failed send.
	OnEvict func(c Conn, err error)
	// OnChange, when set, observes the active count after every admit/remove.
	OnChange func(active int)
}

func NewRegistry(mux *Multiplexer, channels Channels, max int) *Registry {
	return &Registry{
		mux:       mux,
		channels:  channels,
		max:       max,
		all:       map[int64]Conn{},
		guests:    map[int64]Conn{},
		users:     map[string]map[int64]Conn{},
		interests: map[string][]*Interest{},
	}
}

// Admit registers c, taking channel interest on the first connection of a
// user and on the first connection overall. Refused at capacity.
func (r *Registry) Admit(c Conn) error {
	if r.max > 0 && len(r.all) >= r.max {
		return errs.ErrServerAtCapacity.Wrap()
	}
	if _, dup := r.all[c.ID()]; dup {
		return errs.ErrInternal.WrapMsg("duplicate connection id", "conn", c.ID())
	}
	r.all[c.ID()] = c
	r.total++

	if c.IsGuest() {
		r.guests[c.ID()] = c
	} else {
		uid := c.UserID()
		set := r.users[uid]
		if set == nil {
			set = map[int64]Conn{}
			r.users[uid] = set
		}
		set[c.ID()] = c
		if len(set) == 1 {
			r.subscribeUser(uid)
		}
	}

	if r.public == nil && r.channels.Public != "" {
		r.public = r.mux.AddInterest(r.channels.Public, func(frame []byte) { r.SendToAll(frame) })
	}
	r.changed()
	return nil
}

func (r *Registry) subscribeUser(uid string) {
	chans := r.channels.ForUser(uid)
	ins := make([]*Interest, 0, len(chans))
	for _, ch := range chans {
		ins = append(ins, r.mux.AddInterest(ch, func(frame []byte) { r.SendToUser(uid, frame) }))
	}
	r.interests[uid] = ins
}

// Remove drops c and releases interests no longer needed. Reports whether c
// was registered.
func (r *Registry) Remove(c Conn) bool {
	if _, ok := r.all[c.ID()]; !ok {
		return false
	}
	delete(r.all, c.ID())
	if c.IsGuest() {
		delete(r.guests, c.ID())
	} else {
		uid := c.UserID()
		if set := r.users[uid]; set != nil {
			delete(set, c.ID())
			if len(set) == 0 {
				delete(r.users, uid)
				for _, in := range r.interests[uid] {
					r.mux.RemoveInterest(in)
				}
				delete(r.interests, uid)
			}
		}
	}
	if len(r.all) == 0 && r.public != nil {
		r.mux.RemoveInterest(r.public)
		r.public = nil
	}
	r.changed()
	return true
}

func (r *Registry) changed() {
	if r.OnChange != nil {
		r.OnChange(len(r.all))
	}
}

// SendToUser enqueues frame on every connection of userID and returns how
// many accepted it. Connections that fail are evicted.
func (r *Registry) SendToUser(userID string, frame []byte) int {
	set := r.users[userID]
	if len(set) == 0 {
		return 0
	}
	targets := make([]Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	return r.deliver(targets, frame)
}

// SendToAll enqueues frame on every live connection, guests included.
func (r *Registry) SendToAll(frame []byte) int {
	if len(r.all) == 0 {
		return 0
	}
	targets := make([]Conn, 0, len(r.all))
	for _, c := range r.all {
		targets = append(targets, c)
	}
	return r.deliver(targets, frame)
}

func (r *Registry) deliver(targets []Conn, frame []byte) int {
	n := 0
	for _, c := range targets {
		if err := c.Enqueue(frame); err != nil {
			r.evict(c, err)
			continue
		}
		n++
	}
	return n
}

func (r *Registry) evict(c Conn, err error) {
	if !r.Remove(c) {
		return
	}
	logger.Warn("[Registry] evicting connection after failed send",
		zap.Int64("conn", c.ID()), zap.String("user", c.UserID()), zap.Error(err))
	if r.OnEvict != nil {
		r.OnEvict(c, err)
	}
	c.Close(errs.CloseInternalError, errs.Message(err))
}

func (r *Registry) Count() int { return len(r.all) }

func (r *Registry) Stats() Stats {
	by := make(map[string]int, len(r.users))
	for uid, set := range r.users {
		by[uid] = len(set)
	}
	return Stats{
		Active:           len(r.all),
		TotalConnections: r.total,
		UniqueUsers:      len(r.users),
		Guests:           len(r.guests),
		ByUser:           by,
	}
}

// Each calls f for every live connection.
func (r *Registry) Each(f func(Conn)) {
	for _, c := range r.all {
		f(c)
	}
}
