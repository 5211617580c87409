package agentrpc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStdioTransport_InvalidCommand(t *testing.T) {
	_, err := NewStdioTransport("nonexistent-command-xyz", nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "nonexistent-command-xyz") {
		t.Fatalf("expected error naming the command, got %v", err)
	}
}

// cat echoes every request back, so the client sees it as a server request,
// rejects it, and cat echoes the rejection back as the call's response.
func TestStdioTransport_RoundTripThroughCat(t *testing.T) {
	tr, err := NewStdioTransport("cat", nil, nil, nil)
	if err != nil {
		t.Fatalf("start cat: %v", err)
	}
	c := NewClient(tr, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.call(ctx, "ping", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected method-not-found echo, got %v", err)
	}
}

func TestStdioTransport_CloseEndsClient(t *testing.T) {
	tr, err := NewStdioTransport("cat", nil, nil, nil)
	if err != nil {
		t.Fatalf("start cat: %v", err)
	}
	c := NewClient(tr, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe runtime exit")
	}
	select {
	case <-tr.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}
	if err := tr.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
}
