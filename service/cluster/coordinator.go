package cluster

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Process is a running worker.
type Process interface {
	Pid() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// SpawnFunc starts worker id.
type SpawnFunc func(id int) (Process, error)

// Coordinator supervises Workers processes, respawning any that exit until
// its context ends.
type Coordinator struct {
	Workers int
	Spawn   SpawnFunc
	// RestartDelay is the first respawn delay; it doubles per consecutive
	// crash up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	// StableAfter resets the delay once a worker has stayed up this long.
	StableAfter time.Duration
	StopTimeout time.Duration

	// OnExit, when set, observes every worker exit.
	OnExit func(id int, err error)
}

func (c *Coordinator) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 500 * time.Millisecond
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 15 * time.Second
	}
}

// Run blocks until ctx ends and every worker has exited.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.Spawn == nil {
		return errs.ErrInternal.WrapMsg("coordinator has no spawn func")
	}
	c.setDefaults()
	logger.Info("[Cluster] supervisor starting", zap.Int("workers", c.Workers))

	var wg sync.WaitGroup
	for id := 0; id < c.Workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.supervise(ctx, id)
		}(id)
	}
	wg.Wait()
	logger.Info("[Cluster] all workers stopped")
	return nil
}

func (c *Coordinator) supervise(ctx context.Context, id int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RestartDelay
	bo.MaxInterval = c.MaxRestartDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		p, err := c.Spawn(id)
		if err != nil {
			logger.Error("[Cluster] spawn failed", zap.Int("worker", id), zap.Error(err))
		} else {
			logger.Info("[Cluster] worker started", zap.Int("worker", id), zap.Int("pid", p.Pid()))
			err = c.wait(ctx, id, p)
			if c.OnExit != nil {
				c.OnExit(id, err)
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("[Cluster] worker exited, respawning", zap.Int("worker", id), zap.Int("pid", p.Pid()), zap.Error(err))
		}

		if time.Since(started) >= c.StableAfter {
			bo.Reset()
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// wait returns when p exits. If ctx ends first, p gets SIGTERM and, after
// StopTimeout, SIGKILL.
func (c *Coordinator) wait(ctx context.Context, id int, p Process) error {
	exited := make(chan error, 1)
	go func() { exited <- p.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-ctx.Done():
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("[Cluster] SIGTERM failed", zap.Int("worker", id), zap.Error(err))
	}
	timer := time.NewTimer(c.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-exited:
		return err
	case <-timer.C:
		logger.Warn("[Cluster] worker ignored SIGTERM, killing", zap.Int("worker", id), zap.Int("pid", p.Pid()))
		_ = p.Kill()
		return <-exited
	}
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p execProcess) Wait() error                { return p.cmd.Wait() }
func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Kill() error                { return p.cmd.Process.Kill() }

// ExecSpawner re-executes path with args, setting envKey to the worker id.
// Workers inherit stdout, stderr and the rest of the environment.
func ExecSpawner(path string, args []string, envKey string) SpawnFunc {
	return func(id int) (Process, error) {
		cmd := exec.Command(path, args...)
		cmd.Env = append(os.Environ(), envKey+"="+strconv.Itoa(id))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, errs.WrapMsg(err, "start worker", "id", id)
		}
		return execProcess{cmd: cmd}, nil
	}
}
