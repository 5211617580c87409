package agentrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/basket/turngate/internal/shared"
)

// ErrClosed is returned once the transport has shut down.
var ErrClosed = errors.New("agent transport closed")

// Transport carries newline-delimited JSON-RPC messages.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// StdioTransport talks to the agent runtime over its stdin/stdout.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	logger *slog.Logger

	mu      sync.Mutex
	running bool

	readErr error
	exited  chan struct{}
}

// NewStdioTransport starts command and connects to its stdio. env values are
// expanded against the gateway's environment.
func NewStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan []byte, 64),
		logger:  logger,
		running: true,
		exited:  make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug("agent stderr", "command", command, "msg", shared.Redact(sc.Text()))
		}
	}()

	go func() {
		r := bufio.NewReaderSize(stdout, 64*1024)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				t.lines <- line
			}
			if err != nil {
				t.readErr = err
				close(t.lines)
				break
			}
		}
		werr := cmd.Wait()
		logger.Info("agent runtime exited", "command", command, "error", werr)
		close(t.exited)
	}()

	return t, nil
}

// Send writes one message followed by a newline.
func (t *StdioTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrClosed
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive returns the next line from the runtime. It returns io.EOF (or the
// read error) once stdout closes.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			if t.readErr != nil {
				return nil, t.readErr
			}
			return nil, io.EOF
		}
		return json.RawMessage(line), nil
	}
}

// Exited is closed after the runtime process has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// Close kills the runtime. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}
