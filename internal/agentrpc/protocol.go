package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Runtime notification methods.
const (
	MethodAgentDelta    = "item/agentMessage/delta"
	MethodItemStarted   = "item/started"
	MethodDiffUpdated   = "turn/diff/updated"
	MethodTurnCompleted = "turn/completed"
	MethodError         = "error"
)

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Initialize performs the handshake: an initialize request followed by the
// initialized notification.
func (c *Client) Initialize(ctx context.Context, info ClientInfo) error {
	if err := c.call(ctx, "initialize", map[string]any{"clientInfo": info}, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(ctx, "initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

type ThreadParams struct {
	Cwd           string   `json:"cwd"`
	WritableRoots []string `json:"writableRoots,omitempty"`
}

// StartThread opens a conversation thread and returns its id.
func (c *Client) StartThread(ctx context.Context, p ThreadParams) (string, error) {
	var res struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := c.call(ctx, "thread/start", p, &res); err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}
	if res.Thread.ID == "" {
		return "", fmt.Errorf("thread/start: runtime returned no thread id")
	}
	return res.Thread.ID, nil
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StartTurn submits text to a thread and returns the runtime's turn id.
func (c *Client) StartTurn(ctx context.Context, threadID, text string) (string, error) {
	params := map[string]any{
		"threadId": threadID,
		"input":    []inputItem{{Type: "text", Text: text}},
	}
	var res struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := c.call(ctx, "turn/start", params, &res); err != nil {
		return "", fmt.Errorf("turn/start: %w", err)
	}
	if res.Turn.ID == "" {
		return "", fmt.Errorf("turn/start: runtime returned no turn id")
	}
	return res.Turn.ID, nil
}

// InterruptTurn asks the runtime to stop a running turn.
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	if err := c.call(ctx, "turn/interrupt", map[string]string{"threadId": threadID, "turnId": turnID}, nil); err != nil {
		return fmt.Errorf("turn/interrupt: %w", err)
	}
	return nil
}

// TurnUpdate is a decoded turn-scoped notification.
type TurnUpdate struct {
	Kind     string
	ThreadID string
	TurnID   string
	Delta    string
	Tool     *ToolCall
	Diff     string
	// Status and Error are set for completed turns and error notifications.
	Status string
	Error  string
}

// Update kinds.
const (
	UpdateDelta     = "delta"
	UpdateToolCall  = "tool-call"
	UpdateDiff      = "diff"
	UpdateCompleted = "completed"
	UpdateError     = "error"
)

type ToolCall struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type turnParams struct {
	ThreadID string    `json:"threadId"`
	TurnID   string    `json:"turnId"`
	Delta    string    `json:"delta"`
	Diff     string    `json:"diff"`
	Message  string    `json:"message"`
	Item     *ToolCall `json:"item"`
	Turn     struct {
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"turn"`
}

// DecodeTurnUpdate maps a notification to a TurnUpdate. ok is false for
// methods that are not turn-scoped.
func DecodeTurnUpdate(n Notification) (TurnUpdate, bool, error) {
	var kind string
	switch n.Method {
	case MethodAgentDelta:
		kind = UpdateDelta
	case MethodItemStarted:
		kind = UpdateToolCall
	case MethodDiffUpdated:
		kind = UpdateDiff
	case MethodTurnCompleted:
		kind = UpdateCompleted
	case MethodError:
		kind = UpdateError
	default:
		return TurnUpdate{}, false, nil
	}

	var p turnParams
	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return TurnUpdate{}, false, fmt.Errorf("decode %s: %w", n.Method, err)
		}
	}
	u := TurnUpdate{Kind: kind, ThreadID: p.ThreadID, TurnID: p.TurnID}
	switch kind {
	case UpdateDelta:
		u.Delta = p.Delta
	case UpdateToolCall:
		u.Tool = p.Item
		if u.Tool == nil {
			u.Tool = &ToolCall{}
		}
	case UpdateDiff:
		u.Diff = p.Diff
	case UpdateCompleted:
		u.Status = p.Turn.Status
		if u.Status == "" {
			u.Status = "completed"
		}
		if p.Turn.Error != nil {
			u.Error = p.Turn.Error.Message
		}
	case UpdateError:
		u.Error = p.Message
	}
	return u, true, nil
}
