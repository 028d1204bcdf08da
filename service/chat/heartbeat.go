package chat

import "time"

// Probe is a connection as seen by the heartbeat supervisor.
type Probe interface {
	Alive() bool
	MarkProbing()
	Ping() error
	Terminate()
}

// Supervisor drives liveness probing. Tick runs once per interval on the
// connection's writer goroutine.
type Supervisor struct {
	Interval  time.Duration
	WriteWait time.Duration
}

// Tick terminates p if it never answered the previous ping, otherwise
// clears its alive flag and sends a new ping. Returns false when p was
// terminated and the caller should stop ticking.
func (s Supervisor) Tick(p Probe) bool {
	if !p.Alive() {
		p.Terminate()
		return false
	}
	p.MarkProbing()
	if err := p.Ping(); err != nil {
		p.Terminate()
		return false
	}
	return true
}
