package session

import (
	"sync"
	"time"

	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/stream"
)

// Turn states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Turn event types.
const (
	EventDelta       = "delta"
	EventToolCall    = "tool-call"
	EventDiff        = "diff"
	EventProposal    = "proposal"
	EventScopeDenied = "scope-denied"
	EventError       = "error"
	EventFinished    = "finished"
)

// TurnRecord is the externally visible state of a turn.
type TurnRecord struct {
	TurnID          string        `json:"turnId"`
	ProtocolTurnID  string        `json:"protocolTurnId,omitempty"`
	SessionID       string        `json:"sessionId"`
	ThreadID        string        `json:"threadId"`
	LoopID          string        `json:"loopId,omitempty"`
	Domain          string        `json:"domain"`
	AssistantTarget string        `json:"assistantTarget,omitempty"`
	Status          string        `json:"status"`
	Error           string        `json:"error,omitempty"`
	ProposalID      string        `json:"proposalId,omitempty"`
	Scope           scope.Context `json:"scope"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      *time.Time    `json:"finishedAt,omitempty"`
	Events          int           `json:"events"`
}

type turn struct {
	mu  sync.Mutex
	rec TurnRecord

	actor         string
	overrideToken string
	paths         []string
	diff          string
	// settling is set once the runtime reported completion and the proposal
	// step is running; session stop leaves such turns to finish on their own.
	settling bool

	log *stream.Log
}

func (t *turn) terminal() bool {
	switch t.rec.Status {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (t *turn) record() TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rec
	r.Events = t.log.Len()
	return r
}

type deltaPayload struct {
	Text string `json:"text"`
}

type diffPayload struct {
	Diff string `json:"diff"`
}

type errorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type proposalPayload struct {
	ProposalID  string   `json:"proposalId"`
	Status      string   `json:"status"`
	Files       []string `json:"files"`
	Warnings    []string `json:"warnings,omitempty"`
	AutoApplied bool     `json:"autoApplied,omitempty"`
}

type scopeDeniedPayload struct {
	Operation    string   `json:"operation"`
	OutOfScope   []string `json:"outOfScope"`
	AllowedRoots []string `json:"allowedRoots,omitempty"`
	Message      string   `json:"message"`
}

type finishedPayload struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ProposalID string `json:"proposalId,omitempty"`
}
