package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/turngate/internal/stream"
)

// FrameSnapshot is the first frame of every turn or run stream.
const FrameSnapshot = "snapshot"

// Frame is the unit sent over SSE and WebSocket streams. The snapshot
// frame carries the buffered events as its payload; every later frame is
// one event.
type Frame struct {
	Type      string     `json:"type"`
	Seq       int64      `json:"seq,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func snapshotFrame(events []stream.Event) Frame {
	if events == nil {
		events = []stream.Event{}
	}
	return Frame{Type: FrameSnapshot, Payload: events}
}

func eventFrame(ev stream.Event) Frame {
	ts := ev.Timestamp
	return Frame{Type: ev.Type, Seq: ev.Seq, Payload: ev.Payload, Timestamp: &ts}
}

// sseWriter frames server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// nextResult is one Subscription.Next outcome handed across goroutines.
type nextResult struct {
	ev  stream.Event
	err error
}

// pump moves subscription events onto a channel so callers can select on
// them alongside keep-alive ticks. The channel closes after the first error.
func pump(ctx context.Context, sub *stream.Subscription) <-chan nextResult {
	out := make(chan nextResult)
	go func() {
		defer close(out)
		for {
			ev, err := sub.Next(ctx)
			select {
			case out <- nextResult{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// serveLogSSE writes the snapshot frame, then live frames, and returns once
// the log's terminal event has been sent or the client goes away.
func (s *Server) serveLogSSE(w http.ResponseWriter, r *http.Request, snap []stream.Event, sub *stream.Subscription) {
	defer sub.Close()
	out, err := startSSE(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if err := out.send(FrameSnapshot, "", snapshotFrame(snap)); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := pump(ctx, sub)
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		case res, ok := <-events:
			if !ok || res.err != nil {
				return
			}
			if err := out.send(res.ev.Type, fmt.Sprint(res.ev.Seq), eventFrame(res.ev)); err != nil {
				s.logger.Debug("sse write failed", "path", r.URL.Path, "error", err)
				return
			}
		}
	}
}

// serveLogWS is serveLogSSE over a WebSocket. The connection closes
// normally after the terminal frame.
func (s *Server) serveLogWS(w http.ResponseWriter, r *http.Request, snap []stream.Event, sub *stream.Subscription) {
	defer sub.Close()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// Reads are only needed to notice the client closing.
	ctx := conn.CloseRead(r.Context())
	if err := wsjson.Write(ctx, conn, snapshotFrame(snap)); err != nil {
		return
	}
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, stream.ErrClosed) {
			_ = conn.Close(websocket.StatusNormalClosure, "stream finished")
			return
		}
		if err != nil {
			return
		}
		if err := wsjson.Write(ctx, conn, eventFrame(ev)); err != nil {
			s.logger.Debug("ws write failed", "path", r.URL.Path, "error", err)
			return
		}
	}
}

// handleBusEvents streams lifecycle notifications. ?topic= narrows by prefix.
func (s *Server) handleBusEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not configured"})
		return
	}
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)
	out, err := startSSE(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := out.send(ev.Topic, "", ev); err != nil {
				return
			}
		}
	}
}
