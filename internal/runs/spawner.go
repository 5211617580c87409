package runs

import (
	"bytes"
	"context"
	"sync"
)

// Output stream names carried in output events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Spec is what a spawner needs to start one command.
type Spec struct {
	RunID   string
	Command string
	Args    []string
	// Dir is absolute on the host.
	Dir string
	Env []string
}

// LineFunc receives each complete output line without its newline.
type LineFunc func(stream, line string)

// Spawner starts processes. Implementations must call emit from at most
// one goroutine per stream.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec, emit LineFunc) (Process, error)
}

// Process is a started command.
type Process interface {
	// Wait blocks until exit and all output has been emitted.
	Wait() (exitCode int, err error)
	// Stop asks the process to terminate and escalates if it does not.
	Stop(ctx context.Context) error
}

// lineWriter turns a byte stream into LineFunc calls.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	emit   LineFunc
	buf    bytes.Buffer
}

func newLineWriter(stream string, emit LineFunc) *lineWriter {
	return &lineWriter{stream: stream, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(w.stream, string(bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.stream, w.buf.String())
		w.buf.Reset()
	}
}
