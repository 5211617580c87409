package bus

// Turn lifecycle topics.
const (
	TopicTurnStarted  = "turn.started"
	TopicTurnFinished = "turn.finished"
)

// Proposal topics.
const (
	TopicProposalCreated  = "proposal.created"
	TopicProposalResolved = "proposal.resolved"
)

// Run topics.
const (
	TopicRunStarted  = "run.started"
	TopicRunFinished = "run.finished"
	TopicRunBlocked  = "run.blocked"
)

// Scope and session topics.
const (
	TopicScopeDenied     = "scope.denied"
	TopicOverrideChanged = "scope.override"
	TopicSessionState    = "session.state"
	TopicConfigReloaded  = "config.reloaded"
)

// TurnEvent is published when a turn starts or reaches a terminal status.
type TurnEvent struct {
	TurnID string `json:"turnId"`
	LoopID string `json:"loopId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProposalEvent is published when a proposal is created or resolved.
type ProposalEvent struct {
	ProposalID string `json:"proposalId"`
	LoopID     string `json:"loopId,omitempty"`
	Status     string `json:"status"`
	Actor      string `json:"actor,omitempty"`
}

// RunEvent is published for run lifecycle changes and blocked commands.
type RunEvent struct {
	RunID     string `json:"runId,omitempty"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	BlockedBy string `json:"blockedBy,omitempty"`
}

// ScopeDeniedEvent is published whenever a scope check rejects paths.
type ScopeDeniedEvent struct {
	Operation  string   `json:"operation"`
	Domain     string   `json:"domain,omitempty"`
	LoopID     string   `json:"loopId,omitempty"`
	OutOfScope []string `json:"outOfScope"`
}

// OverrideEvent is published when an override is started or stopped.
type OverrideEvent struct {
	Domain string `json:"domain"`
	Token  string `json:"token,omitempty"`
	State  string `json:"state"`
}

// SessionStateEvent is published when the agent session changes state.
type SessionStateEvent struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}
