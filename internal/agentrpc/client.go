// Package agentrpc is the JSON-RPC 2.0 client for the external agent
// runtime. Requests are matched to responses by id; notifications are
// delivered in arrival order on a single channel that closes with the
// transport.
package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// envelope accepts every inbound message shape.
type envelope struct {
	ID     *json.RawMessage `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RPCError        `json:"error,omitempty"`
}

// RPCError is an error object returned by the runtime.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated message without an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Client struct {
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse
	closed    bool

	notifications chan Notification
	done          chan struct{}
	cancel        context.CancelFunc
	errMu         sync.Mutex
	err           error
}

// NewClient starts reading from transport. The caller must drain
// Notifications; the reader blocks when the buffer is full.
func NewClient(transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:     transport,
		logger:        logger,
		pending:       make(map[int64]chan jsonRPCResponse),
		notifications: make(chan Notification, 256),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	go c.listen(ctx)
	return c
}

// listen is the only writer of notifications and closes it on exit.
func (c *Client) listen(ctx context.Context) {
	var cause error
	defer func() {
		c.shutdown(cause)
		close(c.notifications)
	}()

	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			cause = err
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("agent sent invalid json", "error", err)
			continue
		}

		switch {
		case env.Method != "" && env.ID == nil:
			select {
			case c.notifications <- Notification{Method: env.Method, Params: env.Params}:
			case <-c.done:
				return
			}
		case env.Method != "":
			c.rejectServerRequest(*env.ID, env.Method)
		case env.ID != nil:
			var id int64
			if err := json.Unmarshal(*env.ID, &id); err != nil {
				c.logger.Warn("agent response with non-numeric id", "id", string(*env.ID))
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- jsonRPCResponse{ID: id, Result: env.Result, Error: env.Error}
			}
		}
	}
}

// rejectServerRequest answers runtime-initiated requests. The gateway
// offers no client-side methods; approvals go through proposals instead.
func (c *Client) rejectServerRequest(id json.RawMessage, method string) {
	c.logger.Debug("rejecting agent request", "method", method)
	b, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   RPCError        `json:"error"`
	}{"2.0", id, RPCError{Code: -32601, Message: "method not supported: " + method}})
	if err != nil {
		return
	}
	_ = c.transport.Send(context.Background(), b)
}

func (c *Client) shutdown(cause error) {
	c.cancel()
	c.errMu.Lock()
	if c.err == nil {
		if cause == nil {
			cause = ErrClosed
		}
		c.err = cause
	}
	c.errMu.Unlock()

	c.pendingMu.Lock()
	if !c.closed {
		c.closed = true
		for id, ch := range c.pending {
			ch <- jsonRPCResponse{ID: id, Error: &RPCError{Code: -32000, Message: ErrClosed.Error()}}
			delete(c.pending, id)
		}
		close(c.done)
	}
	c.pendingMu.Unlock()
}

// Notifications delivers runtime notifications; it is closed when the
// transport ends.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the transport ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the transport ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	b, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, b); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			if resp.Error.Message == ErrClosed.Error() {
				return ErrClosed
			}
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	n := jsonRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		n.Params = b
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, b)
}

// Close shuts the transport down; pending calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.shutdown(ErrClosed)
	return err
}
