package cluster

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid        int
	ignoreTerm bool
	exit       chan error

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeProc(pid int) *fakeProc { return &fakeProc{pid: pid, exit: make(chan error, 1)} }

func (p *fakeProc) Pid() int    { return p.pid }
func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGTERM && !p.ignoreTerm {
		p.exit <- nil
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.exit <- errors.New("signal: killed")
	return nil
}

func (p *fakeProc) terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals) == 1 && p.signals[0] == syscall.SIGTERM
}

type spawnLog struct {
	mu    sync.Mutex
	procs map[int][]*fakeProc
}

func (l *spawnLog) count(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[id])
}

func (l *spawnLog) all() []*fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*fakeProc
	for _, ps := range l.procs {
		out = append(out, ps...)
	}
	return out
}

func TestCoordinatorRespawnsCrashedWorkers(t *testing.T) {
	spawned := &spawnLog{procs: map[int][]*fakeProc{}}
	crashOnce := true
	c := &Coordinator{
		Workers:      2,
		RestartDelay: time.Millisecond,
		StopTimeout:  time.Second,
		Spawn: func(id int) (Process, error) {
			spawned.mu.Lock()
			defer spawned.mu.Unlock()
			p := newFakeProc(id*100 + len(spawned.procs[id]))
			if id == 0 && crashOnce {
				crashOnce = false
				p.exit <- errors.New("exit status 2")
			}
			spawned.procs[id] = append(spawned.procs[id], p)
			return p, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return spawned.count(0) == 2 && spawned.count(1) == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}

	assert.Equal(t, 2, spawned.count(0))
	assert.Equal(t, 1, spawned.count(1))
	for _, p := range spawned.all() {
		if p.pid == 0 {
			continue // crashed before shutdown
		}
		assert.True(t, p.terminated(), "pid %d not sent SIGTERM", p.pid)
	}
}

func TestCoordinatorKillsStragglers(t *testing.T) {
	p := newFakeProc(1)
	p.ignoreTerm = true
	started := make(chan struct{})
	c := &Coordinator{
		Workers:     1,
		StopTimeout: 20 * time.Millisecond,
		Spawn: func(int) (Process, error) {
			close(started)
			return p, nil
		},
	}
	var exitErr error
	c.OnExit = func(_ int, err error) { exitErr = err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.True(t, p.killed)
	assert.EqualError(t, exitErr, "signal: killed")
}

func TestCoordinatorRetriesFailedSpawn(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	c := &Coordinator{
		Workers:      1,
		RestartDelay: time.Millisecond,
		Spawn: func(int) (Process, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("fork: resource temporarily unavailable")
			}
			return newFakeProc(9), nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestCoordinatorRequiresSpawn(t *testing.T) {
	assert.Error(t, (&Coordinator{Workers: 1}).Run(context.Background()))
}

func TestExecSpawnerSetsWorkerID(t *testing.T) {
	spawn := ExecSpawner("sh", []string{"-c", `test "$TEST_WORKER_ID" = 3`}, "TEST_WORKER_ID")

	p, err := spawn(3)
	require.NoError(t, err)
	assert.NoError(t, p.Wait())

	p, err = spawn(4)
	require.NoError(t, err)
	assert.Error(t, p.Wait())
}
