package runs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultStopGrace = 5 * time.Second

// HostSpawner runs commands directly on the host in their own process group.
type HostSpawner struct {
	// Grace is how long Stop waits after SIGTERM before SIGKILL.
	Grace time.Duration
}

func (h *HostSpawner) Spawn(_ context.Context, spec Spec, emit LineFunc) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	stdout := newLineWriter(StreamStdout, emit)
	stderr := newLineWriter(StreamStderr, emit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)
	grace := h.Grace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	// Grandchildren holding the pipes must not keep Wait blocked forever.
	cmd.WaitDelay = grace
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &hostProcess{cmd: cmd, grace: grace, done: make(chan struct{}), stdout: stdout, stderr: stderr}
	go p.wait()
	return p, nil
}

type hostProcess struct {
	cmd            *exec.Cmd
	grace          time.Duration
	stdout, stderr *lineWriter

	done     chan struct{}
	exitCode int
	err      error
	stopOnce sync.Once
}

func (p *hostProcess) wait() {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.Is(err, exec.ErrWaitDelay):
		p.exitCode = p.cmd.ProcessState.ExitCode()
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.err = err
	}
	close(p.done)
}

func (p *hostProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *hostProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.stopOnce.Do(func() { signalProcess(p.cmd, false) })

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	signalProcess(p.cmd, true)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
